package handlers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/username/ledgerdash/backend/src/logger"
	"github.com/username/ledgerdash/backend/src/models"
	"github.com/username/ledgerdash/backend/src/security/validation"
	"github.com/username/ledgerdash/backend/src/services"
	"github.com/username/ledgerdash/backend/src/utils"
)

type ReportHandler struct {
	reportService services.ReportService
}

func NewReportHandler(reportService services.ReportService) *ReportHandler {
	return &ReportHandler{reportService: reportService}
}

// reportRequest holds the parsed path of a report route.
type reportRequest struct {
	userID     int64
	reportType models.ReportType
	reportID   int64
}

// parse reads the user, the report type and, when withID is set, the report
// id. It writes the error response itself and returns false on failure.
func (h *ReportHandler) parse(w http.ResponseWriter, r *http.Request, withID bool) (reportRequest, bool) {
	var req reportRequest
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return req, false
	}
	req.userID = userID

	rt, err := models.ParseReportType(chi.URLParam(r, "reportType"))
	if err != nil {
		utils.SendJSONError(w, "Unknown report type", http.StatusBadRequest)
		return req, false
	}
	req.reportType = rt

	if withID {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id < 1 {
			utils.SendJSONError(w, "Invalid report id", http.StatusBadRequest)
			return req, false
		}
		req.reportID = id
	}
	return req, true
}

// fail maps service errors to a status and a message naming the report type.
func (h *ReportHandler) fail(w http.ResponseWriter, req reportRequest, err error) {
	switch {
	case errors.Is(err, models.ErrReportNotFound):
		utils.SendJSONError(w, fmt.Sprintf("No %s report found", req.reportType), http.StatusNotFound)
	case errors.Is(err, services.ErrNoColumns):
		utils.SendJSONError(w, fmt.Sprintf("%s reports have no columns", req.reportType), http.StatusBadRequest)
	default:
		logger.L.Error("Report request failed", "userID", req.userID, "reportType", req.reportType, "reportID", req.reportID, "error", err)
		utils.SendJSONError(w, fmt.Sprintf("Could not load %s report", req.reportType), http.StatusInternalServerError)
	}
}

func (h *ReportHandler) HandleGetLatest(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r, false)
	if !ok {
		return
	}
	realmID := r.URL.Query().Get("realm_id")

	doc, err := h.reportService.GetLatest(r.Context(), req.userID, req.reportType, realmID)
	if err != nil {
		h.fail(w, req, err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache, private")
	etag, etagErr := utils.GenerateETag(doc)
	if etagErr != nil {
		logger.L.Error("Failed to generate ETag for report", "userID", req.userID, "reportID", doc.ID, "error", etagErr)
	} else if utils.MatchesETag(w, r, etag) {
		logger.L.Debug("ETag match for latest report", "userID", req.userID, "reportID", doc.ID)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	utils.SendJSON(w, doc, http.StatusOK)
}

func (h *ReportHandler) HandleGetLines(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r, true)
	if !ok {
		return
	}
	lines, err := h.reportService.GetLines(r.Context(), req.userID, req.reportType, req.reportID)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	utils.SendJSON(w, lines, http.StatusOK)
}

func (h *ReportHandler) HandleGetSummaries(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r, true)
	if !ok {
		return
	}
	summaries, err := h.reportService.GetSummaries(r.Context(), req.userID, req.reportType, req.reportID)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	utils.SendJSON(w, summaries, http.StatusOK)
}

func (h *ReportHandler) HandleGetColumns(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r, true)
	if !ok {
		return
	}
	columns, err := h.reportService.GetColumns(r.Context(), req.userID, req.reportType, req.reportID)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	utils.SendJSON(w, columns, http.StatusOK)
}

// HandleGetRawPayload serves the stored API payload for audit.
func (h *ReportHandler) HandleGetRawPayload(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r, true)
	if !ok {
		return
	}
	raw, err := h.reportService.GetRawPayload(r.Context(), req.userID, req.reportType, req.reportID)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_%d.json"`, req.reportType.Slug(), req.reportID))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		logger.L.Warn("Failed to write raw payload", "userID", req.userID, "reportID", req.reportID, "error", err)
	}
}

func (h *ReportHandler) HandleRecomputeKpi(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r, true)
	if !ok {
		return
	}
	tree, err := h.reportService.RecomputeKpi(r.Context(), req.userID, req.reportType, req.reportID)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	utils.SendJSON(w, tree, http.StatusOK)
}

var linesCSVHeader = []string{
	"path", "account_id", "account_name", "amount", "category", "section", "subsection",
	"column", "polarity", "group", "row_group",
}

// Text cells of a lines.csv record.
var linesCSVTextColumns = []int{0, 1, 2, 4, 5, 6, 7, 9, 10}

func (h *ReportHandler) HandleExportLinesCSV(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r, true)
	if !ok {
		return
	}
	lines, err := h.reportService.GetLines(r.Context(), req.userID, req.reportType, req.reportID)
	if err != nil {
		h.fail(w, req, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s_%d_lines.csv", req.reportType.Slug(), req.reportID)))
	cw := csv.NewWriter(w)
	cw.Write(linesCSVHeader)
	for _, l := range lines {
		column := l.ColumnTitle
		if l.Column != nil {
			column = l.Column.String()
		}
		record := []string{
			l.Path, l.AccountID, l.AccountName, strconv.FormatFloat(l.Amount, 'f', 2, 64),
			l.Category, l.Section, l.Subsection, column, string(l.Polarity), string(l.Group), l.RowGroup,
		}
		if err := cw.Write(validation.SanitizeCSVRecord(record, linesCSVTextColumns...)); err != nil {
			logger.L.Error("CSV export aborted", "userID", req.userID, "reportID", req.reportID, "error", err)
			return
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		logger.L.Error("CSV export flush failed", "userID", req.userID, "reportID", req.reportID, "error", err)
	}
}
