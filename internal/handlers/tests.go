package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/repos"
	"github.com/stripsense/stripsense-backend/internal/requestdata"
	"github.com/stripsense/stripsense-backend/internal/services"
	"github.com/stripsense/stripsense-backend/internal/types"
)

type TestHandler struct {
	log           *logger.Logger
	recordService services.TestRecordService
	statsService  services.StatsService
	intakeService services.IntakeService
}

func NewTestHandler(
	log *logger.Logger,
	recordService services.TestRecordService,
	statsService services.StatsService,
	intakeService services.IntakeService,
) *TestHandler {
	return &TestHandler{
		log:           log.With("handler", "TestHandler"),
		recordService: recordService,
		statsService:  statsService,
		intakeService: intakeService,
	}
}

// POST /api/tests
// Multipart submission: image file + test_type + optional location fields.
func (h *TestHandler) Submit(c *gin.Context) {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		RespondError(c, http.StatusBadRequest, "MISSING_IMAGE", fmt.Errorf("an image file is required"))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		RespondError(c, http.StatusBadRequest, "MISSING_IMAGE", err)
		return
	}
	defer file.Close()

	// Read one byte past the ceiling so oversized uploads are caught without
	// buffering the entire payload.
	limit := h.intakeService.MaxImageBytes() + 1
	imageBytes, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "MISSING_IMAGE", err)
		return
	}

	in := services.SubmitTestInput{
		ImageBytes:  imageBytes,
		MimeType:    fileHeader.Header.Get("Content-Type"),
		SizeBytes:   fileHeader.Size,
		TestType:    c.PostForm("test_type"),
		Location:    c.PostForm("location"),
		IsAnonymous: parseBool(c.PostForm("is_anonymous")),
	}

	if lat, lon, err := parseCoordForms(c); err != nil {
		RespondError(c, http.StatusBadRequest, "BAD_COORDINATES", err)
		return
	} else {
		in.Latitude = lat
		in.Longitude = lon
	}

	if raw := c.PostForm("test_date"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "BAD_TEST_DATE", fmt.Errorf("test_date must be RFC3339"))
			return
		}
		in.TestDate = &ts
	}

	out, err := h.recordService.Submit(c.Request.Context(), in)
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondCreated(c, out)
}

// GET /api/tests
func (h *TestHandler) List(c *gin.Context) {
	filter, sort, page, err := parseListQuery(c)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "BAD_QUERY", err)
		return
	}

	records, meta, err := h.recordService.List(c.Request.Context(), filter, sort, page)
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, gin.H{"records": records, "pagination": meta})
}

// GET /api/tests/:id
func (h *TestHandler) Get(c *gin.Context) {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "BAD_ID", fmt.Errorf("invalid record id"))
		return
	}
	record, err := h.recordService.Get(c.Request.Context(), recordID)
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, record)
}

type updateTestRequest struct {
	Location    *string  `json:"location"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	IsAnonymous *bool    `json:"is_anonymous"`
	TestDate    *string  `json:"test_date"`
}

// PUT /api/tests/:id
func (h *TestHandler) Update(c *gin.Context) {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "BAD_ID", fmt.Errorf("invalid record id"))
		return
	}
	var req updateTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "BAD_INPUT", err)
		return
	}

	patch := services.UpdateTestInput{
		Location:    req.Location,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		IsAnonymous: req.IsAnonymous,
	}
	if req.TestDate != nil {
		ts, err := time.Parse(time.RFC3339, *req.TestDate)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "BAD_TEST_DATE", fmt.Errorf("test_date must be RFC3339"))
			return
		}
		patch.TestDate = &ts
	}

	record, err := h.recordService.Update(c.Request.Context(), recordID, patch)
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, record)
}

// DELETE /api/tests/:id
func (h *TestHandler) Delete(c *gin.Context) {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "BAD_ID", fmt.Errorf("invalid record id"))
		return
	}
	if err := h.recordService.Delete(c.Request.Context(), recordID); err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "deleted"})
}

// GET /api/tests/stats
func (h *TestHandler) Stats(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "UNAUTHORIZED", fmt.Errorf("no authenticated principal"))
		return
	}
	stats, err := h.statsService.UserStats(c.Request.Context(), rd.UserID)
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, stats)
}

// POST /api/tests/:id/reanalyze
func (h *TestHandler) Reanalyze(c *gin.Context) {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "BAD_ID", fmt.Errorf("invalid record id"))
		return
	}
	record, err := h.recordService.Reanalyze(c.Request.Context(), recordID)
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, record)
}

func parseListQuery(c *gin.Context) (repos.TestRecordFilter, repos.TestRecordSort, repos.PageRequest, error) {
	var filter repos.TestRecordFilter
	if raw := c.Query("test_type"); raw != "" {
		tt, err := types.ParseTestType(raw)
		if err != nil {
			return filter, repos.TestRecordSort{}, repos.PageRequest{}, err
		}
		filter.TestType = &tt
	}
	if raw := c.Query("result"); raw != "" {
		tr, err := types.ParseTestResult(raw)
		if err != nil {
			return filter, repos.TestRecordSort{}, repos.PageRequest{}, err
		}
		filter.Result = &tr
	}
	if raw := c.Query("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, repos.TestRecordSort{}, repos.PageRequest{}, fmt.Errorf("from must be RFC3339")
		}
		filter.From = &ts
	}
	if raw := c.Query("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, repos.TestRecordSort{}, repos.PageRequest{}, fmt.Errorf("to must be RFC3339")
		}
		filter.To = &ts
	}
	filter.Search = c.Query("q")

	sort := repos.TestRecordSort{
		Key:  c.Query("sort"),
		Desc: strings.EqualFold(c.DefaultQuery("order", "desc"), "desc"),
	}

	page := repos.PageRequest{
		Page:  atoiDefault(c.Query("page"), 1),
		Limit: atoiDefault(c.Query("limit"), 20),
	}
	return filter, sort, page, nil
}

func parseCoordForms(c *gin.Context) (*float64, *float64, error) {
	var lat, lon *float64
	if raw := c.PostForm("latitude"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("latitude must be a number")
		}
		lat = &v
	}
	if raw := c.PostForm("longitude"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("longitude must be a number")
		}
		lon = &v
	}
	return lat, lon, nil
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return v
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
