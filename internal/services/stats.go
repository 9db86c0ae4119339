package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stripsense/stripsense-backend/internal/apierr"
	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/repos"
	"github.com/stripsense/stripsense-backend/internal/requestdata"
	"github.com/stripsense/stripsense-backend/internal/types"
)

const trendWindowDays = 30

type UserStats struct {
	TotalTests        int64               `json:"total_tests"`
	PositiveTests     int64               `json:"positive_tests"`
	NegativeTests     int64               `json:"negative_tests"`
	InvalidTests      int64               `json:"invalid_tests"`
	InconclusiveTests int64               `json:"inconclusive_tests"`
	PositivityRate    float64             `json:"positivity_rate"`
	ByTestType        map[string]int64    `json:"by_test_type"`
	RecentTests       []*types.TestRecord `json:"recent_tests"`
}

type DateBucket struct {
	Date     string `json:"date"`
	Total    int64  `json:"total"`
	Positive int64  `json:"positive"`
}

type GeoCluster struct {
	Label          string  `json:"label"`
	Total          int64   `json:"total"`
	Positive       int64   `json:"positive"`
	PositivityRate float64 `json:"positivity_rate"`
}

type SystemStats struct {
	TotalTests         int64            `json:"total_tests"`
	TotalUsers         int64            `json:"total_users"`
	ReportingUsers     int64            `json:"reporting_users"`
	PositivityRate     float64          `json:"positivity_rate"`
	ByTestType         map[string]int64 `json:"by_test_type"`
	ByDate             []DateBucket     `json:"by_date"`
	GeographicClusters []GeoCluster     `json:"geographic_clusters"`
}

type SystemStatsFilter struct {
	TestType *types.TestType
	From     *time.Time
	To       *time.Time
}

// StatsService computes rollups on demand straight from the record store.
// No caching: every call reflects the store at call time.
type StatsService interface {
	UserStats(ctx context.Context, ownerID uuid.UUID) (*UserStats, error)
	SystemStats(ctx context.Context, filter SystemStatsFilter) (*SystemStats, error)
}

type statsService struct {
	log        *logger.Logger
	access     AccessService
	userRepo   repos.UserRepo
	recordRepo repos.TestRecordRepo
}

func NewStatsService(log *logger.Logger, access AccessService, userRepo repos.UserRepo, recordRepo repos.TestRecordRepo) StatsService {
	serviceLog := log.With("service", "StatsService")
	return &statsService{
		log:        serviceLog,
		access:     access,
		userRepo:   userRepo,
		recordRepo: recordRepo,
	}
}

func (ss *statsService) UserStats(ctx context.Context, ownerID uuid.UUID) (*UserStats, error) {
	rd := requestdata.GetRequestData(ctx)
	if rd == nil {
		return nil, apierr.Unauthorized(fmt.Errorf("no authenticated principal"))
	}
	if rd.UserID != ownerID && !rd.IsAdmin() {
		return nil, apierr.Forbidden(fmt.Errorf("cannot view another user's statistics"))
	}

	filter := repos.TestRecordFilter{OwnerID: &ownerID}

	byResult, err := ss.recordRepo.GroupCount(ctx, nil, filter, "result")
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	byType, err := ss.recordRepo.GroupCount(ctx, nil, filter, "test_type")
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	recent, _, err := ss.recordRepo.List(ctx, nil, filter,
		repos.TestRecordSort{Key: "test_date", Desc: true},
		repos.PageRequest{Page: 1, Limit: 5})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	out := &UserStats{
		PositiveTests:     byResult[string(types.ResultPositive)],
		NegativeTests:     byResult[string(types.ResultNegative)],
		InvalidTests:      byResult[string(types.ResultInvalid)],
		InconclusiveTests: byResult[string(types.ResultInconclusive)],
		ByTestType:        byType,
		RecentTests:       recent,
	}
	for _, count := range byResult {
		out.TotalTests += count
	}
	out.PositivityRate = positivityRate(out.PositiveTests, out.TotalTests)
	if out.ByTestType == nil {
		out.ByTestType = map[string]int64{}
	}
	if out.RecentTests == nil {
		out.RecentTests = []*types.TestRecord{}
	}
	return out, nil
}

func (ss *statsService) SystemStats(ctx context.Context, filter SystemStatsFilter) (*SystemStats, error) {
	rd := requestdata.GetRequestData(ctx)
	if err := ss.access.Authorize(rd, ActionStats, nil); err != nil {
		return nil, err
	}

	recordFilter := repos.TestRecordFilter{
		TestType: filter.TestType,
		From:     filter.From,
		To:       filter.To,
	}

	var (
		totalTests     int64
		totalUsers     int64
		reportingUsers int64
		byResult       map[string]int64
		byType         map[string]int64
		all            []*types.TestRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		totalTests, err = ss.recordRepo.Count(gctx, nil, recordFilter)
		return err
	})
	g.Go(func() error {
		var err error
		totalUsers, err = ss.userRepo.Count(gctx, nil)
		return err
	})
	g.Go(func() error {
		var err error
		reportingUsers, err = ss.recordRepo.DistinctOwnerCount(gctx, nil, recordFilter)
		return err
	})
	g.Go(func() error {
		var err error
		byResult, err = ss.recordRepo.GroupCount(gctx, nil, recordFilter, "result")
		return err
	})
	g.Go(func() error {
		var err error
		byType, err = ss.recordRepo.GroupCount(gctx, nil, recordFilter, "test_type")
		return err
	})
	g.Go(func() error {
		var err error
		all, err = ss.recordRepo.FindAll(gctx, nil, recordFilter)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, wrapStoreErr(err)
	}

	out := &SystemStats{
		TotalTests:         totalTests,
		TotalUsers:         totalUsers,
		ReportingUsers:     reportingUsers,
		PositivityRate:     positivityRate(byResult[string(types.ResultPositive)], totalTests),
		ByTestType:         byType,
		ByDate:             bucketByDay(all, time.Now().UTC()),
		GeographicClusters: clusterByLocation(all),
	}
	if out.ByTestType == nil {
		out.ByTestType = map[string]int64{}
	}
	return out, nil
}

func positivityRate(positive, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(positive) / float64(total) * 100
}

// bucketByDay builds the trailing 30-day trend, zero-filling days without
// tests so the series is always the same length. Days are UTC calendar days
// keyed by the record's test date.
func bucketByDay(records []*types.TestRecord, now time.Time) []DateBucket {
	start := now.Truncate(24 * time.Hour).AddDate(0, 0, -(trendWindowDays - 1))

	index := make(map[string]int, trendWindowDays)
	buckets := make([]DateBucket, 0, trendWindowDays)
	for i := 0; i < trendWindowDays; i++ {
		day := start.AddDate(0, 0, i).Format("2006-01-02")
		index[day] = i
		buckets = append(buckets, DateBucket{Date: day})
	}

	for _, rec := range records {
		day := rec.TestDate.UTC().Format("2006-01-02")
		i, ok := index[day]
		if !ok {
			continue
		}
		buckets[i].Total++
		if rec.Result == types.ResultPositive {
			buckets[i].Positive++
		}
	}
	return buckets
}

// clusterByLocation groups records by their free-text label, falling back to
// coordinates rounded to two decimals (~1km). Records with neither are left
// out of the geographic view but still count in the overall totals.
func clusterByLocation(records []*types.TestRecord) []GeoCluster {
	order := []string{}
	clusters := map[string]*GeoCluster{}

	for _, rec := range records {
		label := rec.Location
		if label == "" {
			if rec.Latitude == nil || rec.Longitude == nil {
				continue
			}
			label = fmt.Sprintf("%.2f,%.2f", *rec.Latitude, *rec.Longitude)
		}
		cluster, ok := clusters[label]
		if !ok {
			cluster = &GeoCluster{Label: label}
			clusters[label] = cluster
			order = append(order, label)
		}
		cluster.Total++
		if rec.Result == types.ResultPositive {
			cluster.Positive++
		}
	}

	out := make([]GeoCluster, 0, len(order))
	for _, label := range order {
		cluster := clusters[label]
		cluster.PositivityRate = positivityRate(cluster.Positive, cluster.Total)
		out = append(out, *cluster)
	}
	return out
}
