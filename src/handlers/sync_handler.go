package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/username/ledgerdash/backend/src/logger"
	"github.com/username/ledgerdash/backend/src/models"
	"github.com/username/ledgerdash/backend/src/services"
	"github.com/username/ledgerdash/backend/src/utils"
)

type SyncHandler struct {
	syncService   services.SyncService
	reportService services.ReportService
	lookback      time.Duration
}

func NewSyncHandler(syncService services.SyncService, reportService services.ReportService, lookback time.Duration) *SyncHandler {
	return &SyncHandler{syncService: syncService, reportService: reportService, lookback: lookback}
}

type syncRequestBody struct {
	ReportTypes []string `json:"report_types"`
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
}

// HandleSync runs a sync over the caller's connected companies and returns
// one outcome per company.
func (h *SyncHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var body syncRequestBody
	if err := utils.DecodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req := models.SyncRequest{
		InitiatedBy: fmt.Sprintf("user:%d", userID),
		UserID:      userID,
		StartDate:   body.StartDate,
		EndDate:     body.EndDate,
	}
	if req.StartDate == "" || req.EndDate == "" {
		start, end := utils.TrailingWindow(time.Now(), h.lookback)
		if req.StartDate == "" {
			req.StartDate = start
		}
		if req.EndDate == "" {
			req.EndDate = end
		}
	}
	for _, name := range body.ReportTypes {
		rt, err := models.ParseReportType(name)
		if err != nil {
			utils.SendJSONError(w, fmt.Sprintf("Unknown report type %q", name), http.StatusBadRequest)
			return
		}
		req.ReportTypes = append(req.ReportTypes, rt)
	}

	logger.L.Info("Handling sync request", "userID", userID, "start", req.StartDate, "end", req.EndDate)
	// A started run finishes even if the client goes away.
	outcomes, err := h.syncService.Run(context.WithoutCancel(r.Context()), req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidSyncRequest) {
			logger.L.Warn("Sync request rejected", "userID", userID, "error", err)
			utils.SendJSONError(w, "Sync request is invalid: "+err.Error(), http.StatusBadRequest)
			return
		}
		logger.L.Error("Sync run failed to start", "userID", userID, "error", err)
		utils.SendJSONError(w, "Sync could not be started", http.StatusInternalServerError)
		return
	}
	if outcomes == nil {
		outcomes = []models.SyncOutcome{}
	}
	utils.SendJSON(w, map[string]interface{}{"outcomes": outcomes}, http.StatusOK)
}

func (h *SyncHandler) HandleListSyncLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			utils.SendJSONError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	logs, err := h.reportService.ListSyncLogs(r.Context(), userID, limit)
	if err != nil {
		logger.L.Error("Failed to list sync logs", "userID", userID, "error", err)
		utils.SendJSONError(w, "Failed to load sync history", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, logs, http.StatusOK)
}

// HandleStats exposes the orchestrator's process counters.
func (h *SyncHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	utils.SendJSON(w, h.syncService.Stats(), http.StatusOK)
}
