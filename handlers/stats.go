package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"heartbeatmonitor/models"
)

// WindowStats is a read-only rate summary of one window. Thresholds are
// advisory and only compared here.
type WindowStats struct {
	WindowID                 string   `json:"window_id"`
	Status                   string   `json:"status"`
	ExpectedReports          int      `json:"expected_reports"`
	ReceivedReports          int      `json:"received_reports"`
	ErrorReports             int      `json:"error_reports"`
	MissingReports           int      `json:"missing_reports"`
	ErrorRate                float64  `json:"error_rate"`
	MissingRate              float64  `json:"missing_rate"`
	ThresholdMissing         *float64 `json:"error_rate_threshold_missing"`
	ThresholdGenerated       *float64 `json:"error_rate_threshold_generated"`
	MissingThresholdExceeded bool     `json:"missing_threshold_exceeded"`
	ErrorThresholdExceeded   bool     `json:"error_threshold_exceeded"`
}

func (h *MonitorHandler) GetWindowStats(c *gin.Context) {
	w, err := h.store.GetWindow(c.Request.Context(), c.Param("window_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, windowStats(*w))
}

func windowStats(w models.MonitoringWindow) WindowStats {
	stats := WindowStats{
		WindowID:           w.WindowID,
		Status:             string(w.Status),
		ExpectedReports:    w.ExpectedReports,
		ReceivedReports:    w.ReceivedReports,
		ErrorReports:       w.ErrorReports,
		MissingReports:     w.MissingReports,
		ThresholdMissing:   w.ErrorRateThresholdMissing,
		ThresholdGenerated: w.ErrorRateThresholdGenerated,
	}

	// Divide by zero check
	if w.ReceivedReports > 0 {
		stats.ErrorRate = float64(w.ErrorReports) / float64(w.ReceivedReports)
	}
	if w.ExpectedReports > 0 {
		stats.MissingRate = float64(w.MissingReports) / float64(w.ExpectedReports)
	}

	if t := w.ErrorRateThresholdMissing; t != nil {
		stats.MissingThresholdExceeded = stats.MissingRate > *t
	}
	if t := w.ErrorRateThresholdGenerated; t != nil {
		stats.ErrorThresholdExceeded = stats.ErrorRate > *t
	}
	return stats
}
