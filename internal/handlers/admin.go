package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/services"
	"github.com/stripsense/stripsense-backend/internal/types"
)

type AdminHandler struct {
	log           *logger.Logger
	recordService services.TestRecordService
	statsService  services.StatsService
	exportService services.ExportService
	userService   services.UserService
}

func NewAdminHandler(
	log *logger.Logger,
	recordService services.TestRecordService,
	statsService services.StatsService,
	exportService services.ExportService,
	userService services.UserService,
) *AdminHandler {
	return &AdminHandler{
		log:           log.With("handler", "AdminHandler"),
		recordService: recordService,
		statsService:  statsService,
		exportService: exportService,
		userService:   userService,
	}
}

// GET /api/admin/tests
func (h *AdminHandler) ListTests(c *gin.Context) {
	filter, sort, page, err := parseListQuery(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "BAD_QUERY", err)
		return
	}

	records, meta, err := h.recordService.ListAll(c.Request.Context(), filter, sort, page)
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, gin.H{"records": records, "pagination": meta})
}

// GET /api/admin/stats
func (h *AdminHandler) Stats(c *gin.Context) {
	var filter services.SystemStatsFilter
	if raw := c.Query("test_type"); raw != "" {
		tt, err := types.ParseTestType(raw)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "BAD_QUERY", err)
			return
		}
		filter.TestType = &tt
	}
	if raw := c.Query("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "BAD_QUERY", fmt.Errorf("from must be RFC3339"))
			return
		}
		filter.From = &ts
	}
	if raw := c.Query("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "BAD_QUERY", fmt.Errorf("to must be RFC3339"))
			return
		}
		filter.To = &ts
	}

	stats, err := h.statsService.SystemStats(c.Request.Context(), filter)
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, stats)
}

// GET /api/admin/export
func (h *AdminHandler) Export(c *gin.Context) {
	filter, _, _, err := parseListQuery(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "BAD_QUERY", err)
		return
	}

	// Build the CSV before touching response headers: a denied or failed
	// export must keep its JSON error shape.
	var buf bytes.Buffer
	if err := h.exportService.ExportCSV(c.Request.Context(), filter, &buf); err != nil {
		RespondAPIError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=test-records-%s.csv", time.Now().UTC().Format("2006-01-02")))
	c.Data(http.StatusOK, "text/csv", buf.Bytes())
}

// DELETE /api/admin/users/:id
func (h *AdminHandler) DeleteUser(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "BAD_ID", fmt.Errorf("invalid user id"))
		return
	}

	if err := h.userService.DeleteUser(c.Request.Context(), userID); err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, gin.H{"deleted": userID})
}

type markReportedRequest struct {
	IsReported *bool `json:"is_reported" binding:"required"`
}

// PATCH /api/admin/tests/:id/reported
func (h *AdminHandler) MarkReported(c *gin.Context) {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "BAD_ID", fmt.Errorf("invalid record id"))
		return
	}
	var req markReportedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "BAD_INPUT", err)
		return
	}

	record, err := h.recordService.MarkReported(c.Request.Context(), recordID, *req.IsReported)
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, record)
}
