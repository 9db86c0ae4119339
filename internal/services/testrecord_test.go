package services

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/stripsense/stripsense-backend/internal/apierr"
	"github.com/stripsense/stripsense-backend/internal/repos"
	"github.com/stripsense/stripsense-backend/internal/types"
)

func positiveClassification() types.Classification {
	return types.Classification{
		Result:     types.ResultPositive,
		Confidence: 0.97,
		SubSignals: types.SubSignals{
			ControlLineDetected:  true,
			ControlLineIntensity: 0.9,
			TestLineDetected:     true,
			TestLineIntensity:    0.8,
		},
	}
}

func negativeClassification() types.Classification {
	return types.Classification{
		Result:     types.ResultNegative,
		Confidence: 0.9,
		SubSignals: types.SubSignals{
			ControlLineDetected:  true,
			ControlLineIntensity: 0.85,
		},
	}
}

func TestSubmit_PersistsRecordAndStoresImage(t *testing.T) {
	db := openTestDB(t)
	bucket := NewMemoryBucketService()
	svc, _ := newRecordService(t, db, NewStaticClassifier(positiveClassification()), bucket)

	owner := uuid.New()
	ctx := principalCtx(owner, types.RoleUser)
	payload := checkerboardPNG(t, 300, 300)

	out, err := svc.Submit(ctx, SubmitTestInput{
		ImageBytes: payload,
		MimeType:   "image/png",
		SizeBytes:  int64(len(payload)),
		TestType:   "covid_19",
		Location:   "Nairobi",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Record.ID == uuid.Nil || out.Record.OwnerID != owner {
		t.Fatalf("record not stamped with identity: %+v", out.Record)
	}
	if out.Record.TestType != types.TestTypeCovid19 {
		t.Fatalf("test type not normalized: %q", out.Record.TestType)
	}
	if out.Record.Result != types.ResultPositive || out.Record.Confidence != 0.97 {
		t.Fatalf("classification not persisted: %s %.2f", out.Record.Result, out.Record.Confidence)
	}
	if out.Report == nil || out.Recommendation == "" {
		t.Fatalf("expected analysis report and recommendation")
	}

	stored, err := bucket.FetchFile(context.Background(), out.Record.ImageKey)
	if err != nil {
		t.Fatalf("image not in bucket: %v", err)
	}
	if len(stored) != len(payload) {
		t.Fatalf("stored image truncated: %d != %d", len(stored), len(payload))
	}

	got, err := svc.Get(ctx, out.Record.ID)
	if err != nil {
		t.Fatalf("get after submit: %v", err)
	}
	if got.ImageKey != out.Record.ImageKey {
		t.Fatalf("round trip mismatch: %q != %q", got.ImageKey, out.Record.ImageKey)
	}
}

func TestSubmit_RejectsUnknownTestType(t *testing.T) {
	db := openTestDB(t)
	svc, repo := newRecordService(t, db, NewStaticClassifier(), NewMemoryBucketService())
	ctx := principalCtx(uuid.New(), types.RoleUser)
	payload := checkerboardPNG(t, 300, 300)

	_, err := svc.Submit(ctx, SubmitTestInput{
		ImageBytes: payload,
		MimeType:   "image/png",
		SizeBytes:  int64(len(payload)),
		TestType:   "BLOOD_PANEL",
	})
	if apierr.CodeOf(err) != "BAD_TEST_TYPE" {
		t.Fatalf("expected BAD_TEST_TYPE, got %v", err)
	}

	count, err := repo.Count(context.Background(), nil, repos.TestRecordFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected submission must not persist, found %d rows", count)
	}
}

func TestSubmit_OversizedImageLeavesStoreUntouched(t *testing.T) {
	db := openTestDB(t)
	bucket := NewMemoryBucketService()
	svc, repo := newRecordService(t, db, NewStaticClassifier(), bucket)
	ctx := principalCtx(uuid.New(), types.RoleUser)
	payload := checkerboardPNG(t, 300, 300)

	_, err := svc.Submit(ctx, SubmitTestInput{
		ImageBytes: payload,
		MimeType:   "image/png",
		SizeBytes:  8 * 1024 * 1024, // declared size above the 5 MiB ceiling
		TestType:   "COVID_19",
	})
	if apierr.CodeOf(err) != RejectTooLarge {
		t.Fatalf("expected %s, got %v", RejectTooLarge, err)
	}

	count, err := repo.Count(context.Background(), nil, repos.TestRecordFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected submission must not persist, found %d rows", count)
	}
}

func TestSubmit_RejectsLoneCoordinate(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newRecordService(t, db, NewStaticClassifier(), NewMemoryBucketService())
	ctx := principalCtx(uuid.New(), types.RoleUser)
	payload := checkerboardPNG(t, 300, 300)

	lat := 1.29
	_, err := svc.Submit(ctx, SubmitTestInput{
		ImageBytes: payload,
		MimeType:   "image/png",
		SizeBytes:  int64(len(payload)),
		TestType:   "COVID_19",
		Latitude:   &lat,
	})
	if apierr.CodeOf(err) != "LOCATION_PAIR" {
		t.Fatalf("expected LOCATION_PAIR, got %v", err)
	}
}

func TestSubmit_RejectsOutOfRangeCoordinates(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newRecordService(t, db, NewStaticClassifier(), NewMemoryBucketService())
	ctx := principalCtx(uuid.New(), types.RoleUser)
	payload := checkerboardPNG(t, 300, 300)

	lat, lon := 95.0, 20.0
	_, err := svc.Submit(ctx, SubmitTestInput{
		ImageBytes: payload,
		MimeType:   "image/png",
		SizeBytes:  int64(len(payload)),
		TestType:   "COVID_19",
		Latitude:   &lat,
		Longitude:  &lon,
	})
	if apierr.CodeOf(err) != "LOCATION_RANGE" {
		t.Fatalf("expected LOCATION_RANGE, got %v", err)
	}
}

func TestGet_OtherUsersRecordReportsNotFound(t *testing.T) {
	db := openTestDB(t)
	svc, repo := newRecordService(t, db, NewStaticClassifier(), NewMemoryBucketService())

	ownerA := uuid.New()
	rec := insertRecord(t, repo, &types.TestRecord{
		OwnerID:  ownerA,
		TestType: types.TestTypeCovid19,
		Result:   types.ResultNegative,
	})

	// The other user must not learn the record exists at all.
	_, err := svc.Get(principalCtx(uuid.New(), types.RoleUser), rec.ID)
	if !apierr.IsNotFound(err) {
		t.Fatalf("expected NotFound for cross-owner read, got %v", err)
	}

	// An admin may read it.
	if _, err := svc.Get(principalCtx(uuid.New(), types.RoleAdmin), rec.ID); err != nil {
		t.Fatalf("admin read: %v", err)
	}
}

func TestList_ScopesToCallerAndPaginates(t *testing.T) {
	db := openTestDB(t)
	svc, repo := newRecordService(t, db, NewStaticClassifier(), NewMemoryBucketService())

	ownerA := uuid.New()
	ownerB := uuid.New()
	confidences := []float64{0.9, 0.7, 0.8}
	for _, c := range confidences {
		insertRecord(t, repo, &types.TestRecord{
			OwnerID:    ownerA,
			TestType:   types.TestTypeCovid19,
			Result:     types.ResultPositive,
			Confidence: c,
		})
	}
	insertRecord(t, repo, &types.TestRecord{OwnerID: ownerA, TestType: types.TestTypeStrepA, Result: types.ResultNegative, Confidence: 0.95})
	insertRecord(t, repo, &types.TestRecord{OwnerID: ownerB, TestType: types.TestTypeCovid19, Result: types.ResultPositive, Confidence: 0.99})

	ctx := principalCtx(ownerA, types.RoleUser)
	result := types.ResultPositive
	records, meta, err := svc.List(ctx,
		repos.TestRecordFilter{Result: &result},
		repos.TestRecordSort{Key: "confidence", Desc: true},
		repos.PageRequest{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records on page 1, got %d", len(records))
	}
	if records[0].Confidence != 0.9 || records[1].Confidence != 0.8 {
		t.Fatalf("wrong sort order: %.2f, %.2f", records[0].Confidence, records[1].Confidence)
	}
	if meta.Total != 3 || meta.TotalPages != 2 {
		t.Fatalf("wrong pagination meta: %+v", meta)
	}
	for _, rec := range records {
		if rec.OwnerID != ownerA {
			t.Fatalf("listing leaked another owner's record")
		}
	}
}

func TestList_UnknownSortKeyRejected(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newRecordService(t, db, NewStaticClassifier(), NewMemoryBucketService())
	ctx := principalCtx(uuid.New(), types.RoleUser)

	_, _, err := svc.List(ctx, repos.TestRecordFilter{}, repos.TestRecordSort{Key: "owner_id"}, repos.PageRequest{})
	if apierr.CodeOf(err) != "BAD_SORT" {
		t.Fatalf("expected BAD_SORT, got %v", err)
	}
}

func TestListAll_RequiresAdminRole(t *testing.T) {
	db := openTestDB(t)
	svc, repo := newRecordService(t, db, NewStaticClassifier(), NewMemoryBucketService())
	insertRecord(t, repo, &types.TestRecord{OwnerID: uuid.New(), TestType: types.TestTypeCovid19, Result: types.ResultNegative})
	insertRecord(t, repo, &types.TestRecord{OwnerID: uuid.New(), TestType: types.TestTypePregnancy, Result: types.ResultPositive})

	_, _, err := svc.ListAll(principalCtx(uuid.New(), types.RoleUser), repos.TestRecordFilter{}, repos.TestRecordSort{}, repos.PageRequest{})
	if !apierr.IsForbidden(err) {
		t.Fatalf("expected Forbidden for non-admin, got %v", err)
	}

	records, meta, err := svc.ListAll(principalCtx(uuid.New(), types.RoleAdmin), repos.TestRecordFilter{}, repos.TestRecordSort{}, repos.PageRequest{})
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if len(records) != 2 || meta.Total != 2 {
		t.Fatalf("admin listing should span owners, got %d/%d", len(records), meta.Total)
	}
}

func TestListAll_MasksAnonymousOwners(t *testing.T) {
	db := openTestDB(t)
	svc, repo := newRecordService(t, db, NewStaticClassifier(), NewMemoryBucketService())

	named := uuid.New()
	anon := uuid.New()
	insertRecord(t, repo, &types.TestRecord{OwnerID: named, TestType: types.TestTypeCovid19, Result: types.ResultNegative})
	insertRecord(t, repo, &types.TestRecord{OwnerID: anon, TestType: types.TestTypeCovid19, Result: types.ResultPositive, IsAnonymous: true})

	records, _, err := svc.ListAll(principalCtx(uuid.New(), types.RoleAdmin), repos.TestRecordFilter{}, repos.TestRecordSort{}, repos.PageRequest{})
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected both records, got %d", len(records))
	}
	// Same policy as the CSV export: anonymous rows carry no owner reference.
	for _, rec := range records {
		if rec.IsAnonymous && rec.OwnerID != uuid.Nil {
			t.Fatalf("anonymous record leaked owner %s", rec.OwnerID)
		}
		if !rec.IsAnonymous && rec.OwnerID != named {
			t.Fatalf("named record lost its owner, got %s", rec.OwnerID)
		}
	}

	// The owner's own listing stays intact.
	own, _, err := svc.List(principalCtx(anon, types.RoleUser), repos.TestRecordFilter{}, repos.TestRecordSort{}, repos.PageRequest{})
	if err != nil {
		t.Fatalf("owner list: %v", err)
	}
	if len(own) != 1 || own[0].OwnerID != anon {
		t.Fatalf("owner must still see their anonymous record with its owner id, got %+v", own)
	}
}

func TestUpdate_MergesCoordinatesBeforeValidating(t *testing.T) {
	db := openTestDB(t)
	svc, repo := newRecordService(t, db, NewStaticClassifier(), NewMemoryBucketService())

	owner := uuid.New()
	lat, lon := 1.29, 36.82
	rec := insertRecord(t, repo, &types.TestRecord{
		OwnerID:   owner,
		TestType:  types.TestTypeCovid19,
		Result:    types.ResultNegative,
		Latitude:  &lat,
		Longitude: &lon,
	})
	ctx := principalCtx(owner, types.RoleUser)

	// Patching one coordinate of an existing pair is fine.
	newLat := 2.05
	updated, err := svc.Update(ctx, rec.ID, UpdateTestInput{Latitude: &newLat})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Latitude == nil || *updated.Latitude != newLat {
		t.Fatalf("latitude not updated: %+v", updated.Latitude)
	}
	if updated.Longitude == nil || *updated.Longitude != lon {
		t.Fatalf("longitude must be untouched: %+v", updated.Longitude)
	}

	// Patching one coordinate onto a record without any is not.
	bare := insertRecord(t, repo, &types.TestRecord{
		OwnerID:  owner,
		TestType: types.TestTypeCovid19,
		Result:   types.ResultNegative,
	})
	_, err = svc.Update(ctx, bare.ID, UpdateTestInput{Latitude: &newLat})
	if apierr.CodeOf(err) != "LOCATION_PAIR" {
		t.Fatalf("expected LOCATION_PAIR, got %v", err)
	}
}

func TestReanalyze_ReplacesResultAndConfidenceTogether(t *testing.T) {
	db := openTestDB(t)
	bucket := NewMemoryBucketService()
	classifier := NewStaticClassifier(negativeClassification(), positiveClassification())
	svc, _ := newRecordService(t, db, classifier, bucket)

	owner := uuid.New()
	ctx := principalCtx(owner, types.RoleUser)
	payload := checkerboardPNG(t, 300, 300)

	out, err := svc.Submit(ctx, SubmitTestInput{
		ImageBytes: payload,
		MimeType:   "image/png",
		SizeBytes:  int64(len(payload)),
		TestType:   "COVID_19",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Record.Result != types.ResultNegative {
		t.Fatalf("first pass should be negative, got %s", out.Record.Result)
	}

	rec, err := svc.Reanalyze(ctx, out.Record.ID)
	if err != nil {
		t.Fatalf("reanalyze: %v", err)
	}
	if rec.Result != types.ResultPositive || rec.Confidence != 0.97 {
		t.Fatalf("result and confidence must change together, got %s %.2f", rec.Result, rec.Confidence)
	}
	var signals types.SubSignals
	if err := json.Unmarshal(rec.SubSignals, &signals); err != nil {
		t.Fatalf("decode sub signals: %v", err)
	}
	if !signals.TestLineDetected {
		t.Fatalf("sub signals not refreshed: %+v", signals)
	}
}

func TestDelete_RemovesRecordAndImage(t *testing.T) {
	db := openTestDB(t)
	bucket := NewMemoryBucketService()
	svc, _ := newRecordService(t, db, NewStaticClassifier(), bucket)

	owner := uuid.New()
	ctx := principalCtx(owner, types.RoleUser)
	payload := checkerboardPNG(t, 300, 300)

	out, err := svc.Submit(ctx, SubmitTestInput{
		ImageBytes: payload,
		MimeType:   "image/png",
		SizeBytes:  int64(len(payload)),
		TestType:   "COVID_19",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Delete(ctx, out.Record.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, out.Record.ID); !apierr.IsNotFound(err) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
	if _, err := bucket.FetchFile(context.Background(), out.Record.ImageKey); !apierr.IsNotFound(err) {
		t.Fatalf("image must be released with the record, got %v", err)
	}
}

func TestMarkReported_AdminOnly(t *testing.T) {
	db := openTestDB(t)
	svc, repo := newRecordService(t, db, NewStaticClassifier(), NewMemoryBucketService())
	rec := insertRecord(t, repo, &types.TestRecord{OwnerID: uuid.New(), TestType: types.TestTypeCovid19, Result: types.ResultPositive})

	_, err := svc.MarkReported(principalCtx(rec.OwnerID, types.RoleUser), rec.ID, true)
	if apierr.StatusOf(err) != http.StatusForbidden {
		t.Fatalf("expected Forbidden for owner without admin role, got %v", err)
	}

	updated, err := svc.MarkReported(principalCtx(uuid.New(), types.RoleAdmin), rec.ID, true)
	if err != nil {
		t.Fatalf("mark reported: %v", err)
	}
	if !updated.IsReported {
		t.Fatalf("record not flagged as reported")
	}
}
