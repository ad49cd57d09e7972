package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"heartbeatmonitor/models"
	"heartbeatmonitor/services"
)

// MonitorHandler serves the heartbeat monitor API.
type MonitorHandler struct {
	ingestor   *services.Ingestor
	reconciler *services.Reconciler
	store      services.WindowStore
	logger     *slog.Logger
	now        func() time.Time
}

func NewMonitorHandler(ingestor *services.Ingestor, reconciler *services.Reconciler, store services.WindowStore, logger *slog.Logger) *MonitorHandler {
	return &MonitorHandler{
		ingestor:   ingestor,
		reconciler: reconciler,
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
}

// IngestHeartbeat records one report. 202 on success, 400 when the report is
// malformed.
func (h *MonitorHandler) IngestHeartbeat(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}

	report, err := models.DecodeReport(body)
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.ingestor.Ingest(c.Request.Context(), report)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"heartbeat": result.Heartbeat,
		"window":    result.Window,
	})
}

// respondError maps the error taxonomy onto status codes.
// maxBodyBytes caps request bodies. A report is a few hundred bytes.
const maxBodyBytes = 64 << 10

// readBody reads the capped request body, answering 413 or 400 itself when
// it cannot.
func readBody(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large", "fields": []string{}})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body", "fields": []string{}})
		return nil, false
	}
	return body, true
}

func (h *MonitorHandler) respondError(c *gin.Context, err error) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		fields := ve.Fields
		if fields == nil {
			fields = []string{}
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Reason, "fields": fields})
	case errors.Is(err, models.ErrWindowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Window not found"})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
