package repos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/types"
)

// TestRecordFilter narrows queries over test records. Nil/zero fields are
// ignored. Search matches case-insensitively over type, result and location.
type TestRecordFilter struct {
	OwnerID  *uuid.UUID
	TestType *types.TestType
	Result   *types.TestResult
	From     *time.Time
	To       *time.Time
	Search   string
}

type TestRecordSort struct {
	Key  string
	Desc bool
}

var sortColumns = map[string]string{
	"date":       "test_date",
	"test_date":  "test_date",
	"type":       "test_type",
	"test_type":  "test_type",
	"result":     "result",
	"confidence": "confidence",
}

type PageRequest struct {
	Page  int
	Limit int
}

type PageMeta struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

type TestRecordRepo interface {
	Create(ctx context.Context, tx *gorm.DB, records []*types.TestRecord) ([]*types.TestRecord, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, recordIDs []uuid.UUID) ([]*types.TestRecord, error)
	List(ctx context.Context, tx *gorm.DB, filter TestRecordFilter, sort TestRecordSort, page PageRequest) ([]*types.TestRecord, *PageMeta, error)
	FindAll(ctx context.Context, tx *gorm.DB, filter TestRecordFilter) ([]*types.TestRecord, error)
	Count(ctx context.Context, tx *gorm.DB, filter TestRecordFilter) (int64, error)
	GroupCount(ctx context.Context, tx *gorm.DB, filter TestRecordFilter, column string) (map[string]int64, error)
	DistinctOwnerCount(ctx context.Context, tx *gorm.DB, filter TestRecordFilter) (int64, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, recordID uuid.UUID, fields map[string]interface{}) (int64, error)
	FullDeleteByIDs(ctx context.Context, tx *gorm.DB, recordIDs []uuid.UUID) error
	FullDeleteByOwnerIDs(ctx context.Context, tx *gorm.DB, ownerIDs []uuid.UUID) error
}

type testRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTestRecordRepo(db *gorm.DB, baseLog *logger.Logger) TestRecordRepo {
	repoLog := baseLog.With("repo", "TestRecordRepo")
	return &testRecordRepo{db: db, log: repoLog}
}

func (tr *testRecordRepo) Create(ctx context.Context, tx *gorm.DB, records []*types.TestRecord) ([]*types.TestRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	if len(records) == 0 {
		return []*types.TestRecord{}, nil
	}

	if err := transaction.WithContext(ctx).Create(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (tr *testRecordRepo) GetByIDs(ctx context.Context, tx *gorm.DB, recordIDs []uuid.UUID) ([]*types.TestRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	var results []*types.TestRecord
	if len(recordIDs) == 0 {
		return results, nil
	}

	if err := transaction.WithContext(ctx).
		Where("id IN ?", recordIDs).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func applyFilter(q *gorm.DB, filter TestRecordFilter) *gorm.DB {
	if filter.OwnerID != nil {
		q = q.Where("owner_id = ?", *filter.OwnerID)
	}
	if filter.TestType != nil {
		q = q.Where("test_type = ?", *filter.TestType)
	}
	if filter.Result != nil {
		q = q.Where("result = ?", *filter.Result)
	}
	if filter.From != nil {
		q = q.Where("test_date >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("test_date <= ?", *filter.To)
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		needle := "%" + strings.ToLower(s) + "%"
		q = q.Where("LOWER(test_type) LIKE ? OR LOWER(result) LIKE ? OR LOWER(location) LIKE ?", needle, needle, needle)
	}
	return q
}

func (tr *testRecordRepo) List(ctx context.Context, tx *gorm.DB, filter TestRecordFilter, sort TestRecordSort, page PageRequest) ([]*types.TestRecord, *PageMeta, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	if page.Page < 1 {
		page.Page = 1
	}
	if page.Limit < 1 {
		page.Limit = 20
	}
	if page.Limit > 100 {
		page.Limit = 100
	}

	column, ok := sortColumns[strings.ToLower(strings.TrimSpace(sort.Key))]
	if !ok {
		if sort.Key != "" {
			return nil, nil, fmt.Errorf("unknown sort key %q", sort.Key)
		}
		column = "test_date"
		sort.Desc = true
	}
	direction := "ASC"
	if sort.Desc {
		direction = "DESC"
	}

	base := applyFilter(transaction.WithContext(ctx).Model(&types.TestRecord{}), filter)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, nil, err
	}

	var results []*types.TestRecord
	offset := (page.Page - 1) * page.Limit
	if err := base.
		Order(fmt.Sprintf("%s %s", column, direction)).
		Order("id ASC").
		Limit(page.Limit).
		Offset(offset).
		Find(&results).Error; err != nil {
		return nil, nil, err
	}

	totalPages := int((total + int64(page.Limit) - 1) / int64(page.Limit))
	meta := &PageMeta{
		Page:       page.Page,
		Limit:      page.Limit,
		Total:      total,
		TotalPages: totalPages,
	}
	return results, meta, nil
}

func (tr *testRecordRepo) FindAll(ctx context.Context, tx *gorm.DB, filter TestRecordFilter) ([]*types.TestRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	var results []*types.TestRecord
	if err := applyFilter(transaction.WithContext(ctx).Model(&types.TestRecord{}), filter).
		Order("test_date DESC").
		Order("id ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (tr *testRecordRepo) Count(ctx context.Context, tx *gorm.DB, filter TestRecordFilter) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	var count int64
	if err := applyFilter(transaction.WithContext(ctx).Model(&types.TestRecord{}), filter).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

var groupColumns = map[string]bool{
	"test_type": true,
	"result":    true,
}

func (tr *testRecordRepo) GroupCount(ctx context.Context, tx *gorm.DB, filter TestRecordFilter, column string) (map[string]int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	if !groupColumns[column] {
		return nil, fmt.Errorf("unsupported group column %q", column)
	}

	var rows []struct {
		Key   string
		Count int64
	}
	if err := applyFilter(transaction.WithContext(ctx).Model(&types.TestRecord{}), filter).
		Select(fmt.Sprintf("%s AS key, COUNT(*) AS count", column)).
		Group(column).
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Count
	}
	return out, nil
}

func (tr *testRecordRepo) DistinctOwnerCount(ctx context.Context, tx *gorm.DB, filter TestRecordFilter) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	var count int64
	if err := applyFilter(transaction.WithContext(ctx).Model(&types.TestRecord{}), filter).
		Distinct("owner_id").
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (tr *testRecordRepo) UpdateFields(ctx context.Context, tx *gorm.DB, recordID uuid.UUID, fields map[string]interface{}) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	if len(fields) == 0 {
		return 0, nil
	}
	fields["updated_at"] = time.Now()

	res := transaction.WithContext(ctx).
		Model(&types.TestRecord{}).
		Where("id = ?", recordID).
		Updates(fields)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (tr *testRecordRepo) FullDeleteByIDs(ctx context.Context, tx *gorm.DB, recordIDs []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	if len(recordIDs) == 0 {
		return nil
	}

	if err := transaction.WithContext(ctx).
		Unscoped().
		Where("id IN ?", recordIDs).
		Delete(&types.TestRecord{}).Error; err != nil {
		return err
	}
	return nil
}

func (tr *testRecordRepo) FullDeleteByOwnerIDs(ctx context.Context, tx *gorm.DB, ownerIDs []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	if len(ownerIDs) == 0 {
		return nil
	}

	if err := transaction.WithContext(ctx).
		Unscoped().
		Where("owner_id IN ?", ownerIDs).
		Delete(&types.TestRecord{}).Error; err != nil {
		return err
	}
	return nil
}
