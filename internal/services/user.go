package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stripsense/stripsense-backend/internal/apierr"
	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/repos"
	"github.com/stripsense/stripsense-backend/internal/requestdata"
)

// UserService covers account administration. DeleteUser removes the account
// and everything hanging off it: test records, sessions, stored images.
type UserService interface {
	DeleteUser(ctx context.Context, userID uuid.UUID) error
}

type userService struct {
	db            *gorm.DB
	log           *logger.Logger
	access        AccessService
	bucketService BucketService
	userRepo      repos.UserRepo
	userTokenRepo repos.UserTokenRepo
	recordRepo    repos.TestRecordRepo
}

func NewUserService(
	db *gorm.DB,
	log *logger.Logger,
	access AccessService,
	bucketService BucketService,
	userRepo repos.UserRepo,
	userTokenRepo repos.UserTokenRepo,
	recordRepo repos.TestRecordRepo,
) UserService {
	serviceLog := log.With("service", "UserService")
	return &userService{
		db:            db,
		log:           serviceLog,
		access:        access,
		bucketService: bucketService,
		userRepo:      userRepo,
		userTokenRepo: userTokenRepo,
		recordRepo:    recordRepo,
	}
}

func (us *userService) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	rd := requestdata.GetRequestData(ctx)
	if err := us.access.Authorize(rd, ActionDeleteUser, nil); err != nil {
		return err
	}
	if rd.UserID == userID {
		return apierr.Validation("SELF_DELETE", fmt.Errorf("cannot delete your own account"))
	}

	users, err := us.userRepo.GetByIDs(ctx, nil, []uuid.UUID{userID})
	if err != nil {
		return wrapStoreErr(err)
	}
	if len(users) == 0 {
		return apierr.NotFound(fmt.Errorf("user not found"))
	}

	records, err := us.recordRepo.FindAll(ctx, nil, repos.TestRecordFilter{OwnerID: &userID})
	if err != nil {
		return wrapStoreErr(err)
	}

	// Records, sessions and the account row go in one transaction so a
	// half-deleted user never exists.
	err = us.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := us.recordRepo.FullDeleteByOwnerIDs(ctx, tx, []uuid.UUID{userID}); err != nil {
			return wrapStoreErr(err)
		}
		if err := us.userTokenRepo.FullDeleteByUserIDs(ctx, tx, []uuid.UUID{userID}); err != nil {
			return wrapStoreErr(err)
		}
		if err := us.userRepo.FullDeleteByIDs(ctx, tx, []uuid.UUID{userID}); err != nil {
			return wrapStoreErr(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Blob cleanup is best effort, same as single-record deletion.
	for _, rec := range records {
		if rec.ImageKey == "" {
			continue
		}
		if err := us.bucketService.DeleteFile(context.WithoutCancel(ctx), rec.ImageKey); err != nil && !apierr.IsNotFound(err) {
			us.log.Warn("Failed to delete stored image for removed user", "user_id", userID, "image_key", rec.ImageKey, "error", err)
		}
	}

	us.log.Info("User deleted", "user_id", userID, "records_removed", len(records), "deleted_by", rd.UserID)
	return nil
}
