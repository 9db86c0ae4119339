package services

import (
	"context"
	"time"

	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/repos"
	"github.com/stripsense/stripsense-backend/internal/utils"
)

// CleanupService purges expired sessions on a timer. Each sweep only deletes
// rows already past their expiry, so concurrent runs and normal traffic need
// no coordination.
type CleanupService interface {
	StartWorker(ctx context.Context)
	SweepOnce(ctx context.Context) (int64, error)
}

type cleanupService struct {
	log           *logger.Logger
	userTokenRepo repos.UserTokenRepo
	interval      time.Duration
}

func NewCleanupService(log *logger.Logger, userTokenRepo repos.UserTokenRepo) CleanupService {
	serviceLog := log.With("service", "CleanupService")
	intervalMin := utils.GetEnvAsInt("CLEANUP_INTERVAL_MINUTES", 15, log)
	return &cleanupService{
		log:           serviceLog,
		userTokenRepo: userTokenRepo,
		interval:      time.Duration(intervalMin) * time.Minute,
	}
}

func (cs *cleanupService) StartWorker(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				cs.log.Info("Cleanup worker stopped")
				return
			case <-ticker.C:
				if _, err := cs.SweepOnce(ctx); err != nil {
					cs.log.Warn("Cleanup sweep failed", "error", err)
				}
			}
		}
	}()
	cs.log.Info("Cleanup worker started", "interval", cs.interval.String())
}

func (cs *cleanupService) SweepOnce(ctx context.Context) (int64, error) {
	removed, err := cs.userTokenRepo.FullDeleteExpiredBefore(ctx, nil, time.Now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		cs.log.Info("Purged expired sessions", "count", removed)
	}
	return removed, nil
}
