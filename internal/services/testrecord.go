package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/stripsense/stripsense-backend/internal/apierr"
	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/repos"
	"github.com/stripsense/stripsense-backend/internal/requestdata"
	"github.com/stripsense/stripsense-backend/internal/types"
)

type SubmitTestInput struct {
	ImageBytes  []byte
	MimeType    string
	SizeBytes   int64
	TestType    string
	Location    string
	Latitude    *float64
	Longitude   *float64
	IsAnonymous bool
	TestDate    *time.Time
}

type SubmitTestOutput struct {
	Record         *types.TestRecord `json:"record"`
	Report         *IntakeReport     `json:"analysis"`
	Recommendation string            `json:"recommendation"`
}

type UpdateTestInput struct {
	Location    *string
	Latitude    *float64
	Longitude   *float64
	IsAnonymous *bool
	TestDate    *time.Time
}

// TestRecordService owns the submission pipeline and every record mutation.
// The quality gate is not optional: Submit is the only write path and it
// always validates before classifying, and classifies before persisting.
type TestRecordService interface {
	Submit(ctx context.Context, in SubmitTestInput) (*SubmitTestOutput, error)
	Get(ctx context.Context, recordID uuid.UUID) (*types.TestRecord, error)
	List(ctx context.Context, filter repos.TestRecordFilter, sort repos.TestRecordSort, page repos.PageRequest) ([]*types.TestRecord, *repos.PageMeta, error)
	ListAll(ctx context.Context, filter repos.TestRecordFilter, sort repos.TestRecordSort, page repos.PageRequest) ([]*types.TestRecord, *repos.PageMeta, error)
	Update(ctx context.Context, recordID uuid.UUID, patch UpdateTestInput) (*types.TestRecord, error)
	Delete(ctx context.Context, recordID uuid.UUID) error
	Reanalyze(ctx context.Context, recordID uuid.UUID) (*types.TestRecord, error)
	MarkReported(ctx context.Context, recordID uuid.UUID, reported bool) (*types.TestRecord, error)
}

type testRecordService struct {
	db            *gorm.DB
	log           *logger.Logger
	intake        IntakeService
	classifier    ClassifierService
	access        AccessService
	bucketService BucketService
	recordRepo    repos.TestRecordRepo
}

func NewTestRecordService(
	db *gorm.DB,
	log *logger.Logger,
	intake IntakeService,
	classifier ClassifierService,
	access AccessService,
	bucketService BucketService,
	recordRepo repos.TestRecordRepo,
) TestRecordService {
	serviceLog := log.With("service", "TestRecordService")
	return &testRecordService{
		db:            db,
		log:           serviceLog,
		intake:        intake,
		classifier:    classifier,
		access:        access,
		bucketService: bucketService,
		recordRepo:    recordRepo,
	}
}

func (ts *testRecordService) Submit(ctx context.Context, in SubmitTestInput) (*SubmitTestOutput, error) {
	rd := requestdata.GetRequestData(ctx)
	if rd == nil {
		return nil, apierr.Unauthorized(fmt.Errorf("no authenticated principal"))
	}

	testType, err := types.ParseTestType(in.TestType)
	if err != nil {
		return nil, apierr.ValidationFields("BAD_TEST_TYPE", err, map[string]string{"test_type": err.Error()})
	}
	if err := validateCoordinates(in.Latitude, in.Longitude); err != nil {
		return nil, err
	}

	report, err := ts.intake.ValidateSubmission(in.ImageBytes, in.MimeType, in.SizeBytes)
	if err != nil {
		return nil, err
	}

	classification, err := ts.classifier.Classify(ctx, in.ImageBytes, testType)
	if err != nil {
		return nil, err
	}

	subSignals, err := marshalSubSignals(classification.SubSignals)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	testDate := now
	if in.TestDate != nil && !in.TestDate.IsZero() {
		testDate = *in.TestDate
	}

	record := &types.TestRecord{
		ID:          uuid.New(),
		OwnerID:     rd.UserID,
		TestType:    testType,
		Result:      classification.Result,
		Confidence:  classification.Confidence,
		SubSignals:  subSignals,
		Location:    strings.TrimSpace(in.Location),
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		IsAnonymous: in.IsAnonymous,
		TestDate:    testDate,
	}
	record.ImageKey = fmt.Sprintf("tests/%s/%s%s", record.OwnerID, record.ID, extensionFor(in.MimeType))
	record.ImageURL = ts.bucketService.GetPublicURL(record.ImageKey)

	// Upload and insert inside one transaction so no reader ever observes a
	// record without its classification, and a failed insert rolls the upload
	// back (best effort on the blob side).
	err = ts.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ts.bucketService.UploadFile(ctx, record.ImageKey, bytes.NewReader(in.ImageBytes)); err != nil {
			return err
		}
		if _, err := ts.recordRepo.Create(ctx, tx, []*types.TestRecord{record}); err != nil {
			return wrapStoreErr(err)
		}
		return nil
	})
	if err != nil {
		if delErr := ts.bucketService.DeleteFile(context.WithoutCancel(ctx), record.ImageKey); delErr != nil && !apierr.IsNotFound(delErr) {
			ts.log.Warn("Failed to clean up image after aborted submit", "image_key", record.ImageKey, "error", delErr)
		}
		return nil, err
	}

	ts.log.Info("Test record created",
		"record_id", record.ID,
		"owner_id", record.OwnerID,
		"test_type", record.TestType,
		"result", record.Result,
	)

	return &SubmitTestOutput{
		Record:         record,
		Report:         report,
		Recommendation: classification.Recommendation(),
	}, nil
}

func (ts *testRecordService) Get(ctx context.Context, recordID uuid.UUID) (*types.TestRecord, error) {
	return ts.getAuthorized(ctx, ActionRead, recordID)
}

// List scopes results to the calling user. Admin-wide listings go through
// ListAll, which checks the role instead.
func (ts *testRecordService) List(ctx context.Context, filter repos.TestRecordFilter, sort repos.TestRecordSort, page repos.PageRequest) ([]*types.TestRecord, *repos.PageMeta, error) {
	rd := requestdata.GetRequestData(ctx)
	if rd == nil {
		return nil, nil, apierr.Unauthorized(fmt.Errorf("no authenticated principal"))
	}
	owner := rd.UserID
	filter.OwnerID = &owner

	records, meta, err := ts.recordRepo.List(ctx, nil, filter, sort, page)
	if err != nil {
		return nil, nil, wrapListErr(err)
	}
	return records, meta, nil
}

func (ts *testRecordService) ListAll(ctx context.Context, filter repos.TestRecordFilter, sort repos.TestRecordSort, page repos.PageRequest) ([]*types.TestRecord, *repos.PageMeta, error) {
	rd := requestdata.GetRequestData(ctx)
	if err := ts.access.RequireAdmin(rd); err != nil {
		return nil, nil, err
	}

	records, meta, err := ts.recordRepo.List(ctx, nil, filter, sort, page)
	if err != nil {
		return nil, nil, wrapListErr(err)
	}
	// Anonymous records shed their owner reference on every system-wide
	// surface, matching the CSV export. Owners still see their own records
	// intact through List and Get.
	for _, rec := range records {
		if rec.IsAnonymous {
			rec.OwnerID = uuid.Nil
		}
	}
	return records, meta, nil
}

func (ts *testRecordService) Update(ctx context.Context, recordID uuid.UUID, patch UpdateTestInput) (*types.TestRecord, error) {
	record, err := ts.getAuthorized(ctx, ActionUpdate, recordID)
	if err != nil {
		return nil, err
	}

	lat := record.Latitude
	lon := record.Longitude
	if patch.Latitude != nil {
		lat = patch.Latitude
	}
	if patch.Longitude != nil {
		lon = patch.Longitude
	}
	if err := validateCoordinates(lat, lon); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if patch.Location != nil {
		fields["location"] = strings.TrimSpace(*patch.Location)
	}
	if patch.Latitude != nil {
		fields["latitude"] = *patch.Latitude
	}
	if patch.Longitude != nil {
		fields["longitude"] = *patch.Longitude
	}
	if patch.IsAnonymous != nil {
		fields["is_anonymous"] = *patch.IsAnonymous
	}
	if patch.TestDate != nil && !patch.TestDate.IsZero() {
		fields["test_date"] = *patch.TestDate
	}
	if len(fields) == 0 {
		return record, nil
	}

	if _, err := ts.recordRepo.UpdateFields(ctx, nil, recordID, fields); err != nil {
		return nil, wrapStoreErr(err)
	}
	return ts.loadRecord(ctx, recordID)
}

func (ts *testRecordService) Delete(ctx context.Context, recordID uuid.UUID) error {
	record, err := ts.getAuthorized(ctx, ActionDelete, recordID)
	if err != nil {
		return err
	}

	if err := ts.recordRepo.FullDeleteByIDs(ctx, nil, []uuid.UUID{recordID}); err != nil {
		return wrapStoreErr(err)
	}

	// Image cleanup is best effort; losing the blob delete must never fail
	// the record deletion.
	if record.ImageKey != "" {
		if err := ts.bucketService.DeleteFile(context.WithoutCancel(ctx), record.ImageKey); err != nil && !apierr.IsNotFound(err) {
			ts.log.Warn("Failed to delete stored image for removed record", "record_id", recordID, "image_key", record.ImageKey, "error", err)
		}
	}

	ts.log.Info("Test record deleted", "record_id", recordID, "owner_id", record.OwnerID)
	return nil
}

func (ts *testRecordService) Reanalyze(ctx context.Context, recordID uuid.UUID) (*types.TestRecord, error) {
	record, err := ts.getAuthorized(ctx, ActionReanalyze, recordID)
	if err != nil {
		return nil, err
	}

	imageBytes, err := ts.bucketService.FetchFile(ctx, record.ImageKey)
	if err != nil {
		return nil, err
	}

	classification, err := ts.classifier.Classify(ctx, imageBytes, record.TestType)
	if err != nil {
		return nil, err
	}
	subSignals, err := marshalSubSignals(classification.SubSignals)
	if err != nil {
		return nil, err
	}

	// Result, confidence and sub-signals land in one UPDATE so concurrent
	// readers never see the new confidence paired with the old result.
	fields := map[string]interface{}{
		"result":      classification.Result,
		"confidence":  classification.Confidence,
		"sub_signals": subSignals,
	}
	if _, err := ts.recordRepo.UpdateFields(ctx, nil, recordID, fields); err != nil {
		return nil, wrapStoreErr(err)
	}

	ts.log.Info("Test record reanalyzed",
		"record_id", recordID,
		"previous_result", record.Result,
		"result", classification.Result,
	)
	return ts.loadRecord(ctx, recordID)
}

func (ts *testRecordService) MarkReported(ctx context.Context, recordID uuid.UUID, reported bool) (*types.TestRecord, error) {
	rd := requestdata.GetRequestData(ctx)
	if err := ts.access.Authorize(rd, ActionMarkReported, nil); err != nil {
		return nil, err
	}

	record, err := ts.loadRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if _, err := ts.recordRepo.UpdateFields(ctx, nil, record.ID, map[string]interface{}{"is_reported": reported}); err != nil {
		return nil, wrapStoreErr(err)
	}
	return ts.loadRecord(ctx, recordID)
}

func (ts *testRecordService) getAuthorized(ctx context.Context, action Action, recordID uuid.UUID) (*types.TestRecord, error) {
	rd := requestdata.GetRequestData(ctx)
	if rd == nil {
		return nil, apierr.Unauthorized(fmt.Errorf("no authenticated principal"))
	}

	record, err := ts.loadRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := ts.access.Authorize(rd, action, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (ts *testRecordService) loadRecord(ctx context.Context, recordID uuid.UUID) (*types.TestRecord, error) {
	records, err := ts.recordRepo.GetByIDs(ctx, nil, []uuid.UUID{recordID})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if len(records) == 0 {
		return nil, apierr.NotFound(fmt.Errorf("test record not found"))
	}
	return records[0], nil
}

func validateCoordinates(lat, lon *float64) error {
	if (lat == nil) != (lon == nil) {
		return apierr.ValidationFields("LOCATION_PAIR",
			fmt.Errorf("latitude and longitude must be supplied together"),
			map[string]string{"latitude": "supply both coordinates or neither", "longitude": "supply both coordinates or neither"})
	}
	if lat == nil {
		return nil
	}
	if *lat < -90 || *lat > 90 {
		return apierr.ValidationFields("LOCATION_RANGE",
			fmt.Errorf("latitude %.4f outside [-90,90]", *lat),
			map[string]string{"latitude": "must be within [-90,90]"})
	}
	if *lon < -180 || *lon > 180 {
		return apierr.ValidationFields("LOCATION_RANGE",
			fmt.Errorf("longitude %.4f outside [-180,180]", *lon),
			map[string]string{"longitude": "must be within [-180,180]"})
	}
	return nil
}

func marshalSubSignals(signals types.SubSignals) (datatypes.JSON, error) {
	raw, err := json.Marshal(signals)
	if err != nil {
		return nil, apierr.Classification(ClassifyBadResponse, fmt.Errorf("encode sub-signals: %w", err))
	}
	return datatypes.JSON(raw), nil
}

func extensionFor(mimeType string) string {
	switch normalizeMime(mimeType) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apierr.From(err); ok {
		return err
	}
	return apierr.Transient(fmt.Errorf("test record store unavailable: %w", err))
}

func wrapListErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apierr.From(err); ok {
		return err
	}
	if strings.Contains(err.Error(), "unknown sort key") {
		return apierr.Validation("BAD_SORT", err)
	}
	return apierr.Transient(fmt.Errorf("test record store unavailable: %w", err))
}
