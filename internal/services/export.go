package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/repos"
	"github.com/stripsense/stripsense-backend/internal/requestdata"
)

// ExportService writes the health-authority CSV export. Anonymous records
// keep their measurements but shed the owner reference.
type ExportService interface {
	ExportCSV(ctx context.Context, filter repos.TestRecordFilter, w io.Writer) error
}

type exportService struct {
	log        *logger.Logger
	access     AccessService
	recordRepo repos.TestRecordRepo
}

func NewExportService(log *logger.Logger, access AccessService, recordRepo repos.TestRecordRepo) ExportService {
	serviceLog := log.With("service", "ExportService")
	return &exportService{log: serviceLog, access: access, recordRepo: recordRepo}
}

var exportHeader = []string{
	"id", "owner_id", "test_type", "result", "confidence",
	"location", "latitude", "longitude",
	"is_anonymous", "is_reported", "test_date", "created_at",
}

func (es *exportService) ExportCSV(ctx context.Context, filter repos.TestRecordFilter, w io.Writer) error {
	rd := requestdata.GetRequestData(ctx)
	if err := es.access.Authorize(rd, ActionExport, nil); err != nil {
		return err
	}

	records, err := es.recordRepo.FindAll(ctx, nil, filter)
	if err != nil {
		return wrapStoreErr(err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, rec := range records {
		ownerID := rec.OwnerID.String()
		if rec.IsAnonymous {
			ownerID = ""
		}
		row := []string{
			rec.ID.String(),
			ownerID,
			string(rec.TestType),
			string(rec.Result),
			strconv.FormatFloat(rec.Confidence, 'f', 4, 64),
			rec.Location,
			formatCoord(rec.Latitude),
			formatCoord(rec.Longitude),
			strconv.FormatBool(rec.IsAnonymous),
			strconv.FormatBool(rec.IsReported),
			rec.TestDate.UTC().Format(time.RFC3339),
			rec.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}

	es.log.Info("Exported test records", "count", len(records))
	return nil
}

func formatCoord(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 6, 64)
}
