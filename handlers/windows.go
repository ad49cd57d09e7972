package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"heartbeatmonitor/models"
)

type sweepRequest struct {
	WindowID   string `json:"window_id"`
	WindowUUID string `json:"window_uuid"`
}

// SweepWindows closes every due window, or only the one named in the body.
func (h *MonitorHandler) SweepWindows(c *gin.Context) {
	var req sweepRequest
	body, ok := readBody(c)
	if !ok {
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON", "fields": []string{}})
			return
		}
	}

	if req.WindowID == "" {
		req.WindowID = req.WindowUUID
	}

	closed, err := h.reconciler.Sweep(c.Request.Context(), h.now(), req.WindowID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if closed == nil {
		closed = []models.MonitoringWindow{}
	}
	c.JSON(http.StatusOK, gin.H{"closed_windows": closed})
}

func (h *MonitorHandler) GetWindow(c *gin.Context) {
	w, err := h.store.GetWindow(c.Request.Context(), c.Param("window_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// ListHeartbeats returns a window's events ordered by report timestamp.
func (h *MonitorHandler) ListHeartbeats(c *gin.Context) {
	ctx := c.Request.Context()
	windowID := c.Param("window_id")

	if _, err := h.store.GetWindow(ctx, windowID); err != nil {
		h.respondError(c, err)
		return
	}
	events, err := h.store.ListEvents(ctx, windowID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if events == nil {
		events = []models.HeartbeatEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"window_id": windowID, "heartbeats": events})
}
