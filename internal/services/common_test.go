package services

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/repos"
	"github.com/stripsense/stripsense-backend/internal/requestdata"
	"github.com/stripsense/stripsense-backend/internal/types"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("production")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.User{}, &types.UserToken{}, &types.TestRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func principalCtx(userID uuid.UUID, role types.Role) context.Context {
	return requestdata.WithRequestData(context.Background(), &requestdata.RequestData{
		UserID: userID,
		Role:   role,
	})
}

func newRecordService(t *testing.T, db *gorm.DB, classifier ClassifierService, bucket BucketService) (TestRecordService, repos.TestRecordRepo) {
	t.Helper()
	log := newTestLogger(t)
	repo := repos.NewTestRecordRepo(db, log)
	svc := NewTestRecordService(db, log, NewIntakeService(log), classifier, NewAccessService(log), bucket, repo)
	return svc, repo
}

func insertRecord(t *testing.T, repo repos.TestRecordRepo, rec *types.TestRecord) *types.TestRecord {
	t.Helper()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.TestDate.IsZero() {
		rec.TestDate = time.Now()
	}
	if rec.ImageKey == "" {
		rec.ImageKey = "tests/" + rec.OwnerID.String() + "/" + rec.ID.String() + ".png"
	}
	if _, err := repo.Create(context.Background(), nil, []*types.TestRecord{rec}); err != nil {
		t.Fatalf("insert record: %v", err)
	}
	return rec
}

// checkerboardPNG renders a sharp, well-lit synthetic image that passes every
// intake heuristic: mean brightness near mid-range, strong edges everywhere.
func checkerboardPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/8+y/8)%2 == 0 {
				img.Pix[y*img.Stride+x] = 255
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func solidPNG(t *testing.T, w, h int, level uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
