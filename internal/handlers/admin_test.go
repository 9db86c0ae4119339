package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/stripsense/stripsense-backend/internal/apierr"
	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/repos"
)

type scriptedExportService struct {
	err  error
	body string
}

func (s scriptedExportService) ExportCSV(ctx context.Context, filter repos.TestRecordFilter, w io.Writer) error {
	if s.err != nil {
		return s.err
	}
	_, err := io.WriteString(w, s.body)
	return err
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("production")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

func exportRequest(t *testing.T, h *AdminHandler) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/admin/export", nil)
	h.Export(c)
	return w
}

func TestExport_DeniedResponseKeepsJSONShape(t *testing.T) {
	export := scriptedExportService{err: apierr.Forbidden(fmt.Errorf("admin role required"))}
	h := NewAdminHandler(newTestLogger(t), nil, nil, export, nil)

	w := exportRequest(t, h)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("error body must stay JSON, got Content-Type %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); cd != "" {
		t.Fatalf("denied export must not carry an attachment disposition, got %q", cd)
	}
	if !strings.Contains(w.Body.String(), "admin role required") {
		t.Fatalf("error message missing from body: %s", w.Body.String())
	}
}

func TestExport_SuccessDeliversCSVAttachment(t *testing.T) {
	export := scriptedExportService{body: "id,owner_id\nabc,def\n"}
	h := NewAdminHandler(newTestLogger(t), nil, nil, export, nil)

	w := exportRequest(t, h)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("expected text/csv, got %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment; filename=test-records-") {
		t.Fatalf("unexpected disposition %q", cd)
	}
	if w.Body.String() != export.body {
		t.Fatalf("body mismatch: %q", w.Body.String())
	}
}
