package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"heartbeatmonitor/metrics"
	"heartbeatmonitor/models"
)

// IngestResult is the persisted event and the window as it stands after it.
type IngestResult struct {
	Heartbeat models.HeartbeatEvent   `json:"heartbeat"`
	Window    models.MonitoringWindow `json:"window"`
}

// Ingestor validates single heartbeat reports and records them against their
// window.
type Ingestor struct {
	store    WindowStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewIngestor(store WindowStore, interval time.Duration, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:    store,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest validates r and, in one transaction, resolves its window, appends
// the event and bumps the window counters.
func (ing *Ingestor) Ingest(ctx context.Context, r models.Report) (*IngestResult, error) {
	if missing := r.MissingFields(); len(missing) > 0 {
		metrics.ObserveRejected()
		return nil, &models.ValidationError{Reason: "missing required fields", Fields: missing}
	}

	status, message, err := NormalizeStatus(r.Status)
	if err != nil {
		metrics.ObserveRejected()
		return nil, err
	}

	var badTimes []string
	parse := func(name, value string) time.Time {
		t, err := ParseTimestamp(value)
		if err != nil {
			badTimes = append(badTimes, name)
		}
		return t
	}
	windowFrom := parse("window_from", r.WindowFrom)
	windowTo := parse("window_to", r.WindowTo)
	reportedAt := parse("timestamp", r.Timestamp)
	if len(badTimes) > 0 {
		metrics.ObserveRejected()
		return nil, &models.ValidationError{Reason: "invalid datetime format", Fields: badTimes}
	}
	if windowTo.Before(windowFrom) {
		metrics.ObserveRejected()
		return nil, &models.ValidationError{Reason: "window_to precedes window_from", Fields: []string{"window_from", "window_to"}}
	}

	expected, err := ExpectedReports(windowFrom, windowTo, ing.interval)
	if err != nil {
		return nil, err
	}

	spec := models.WindowSpec{
		WindowID:                    strings.TrimSpace(r.WindowID),
		ServiceName:                 strings.TrimSpace(r.Service),
		WindowFrom:                  windowFrom,
		WindowTo:                    windowTo,
		ErrorRateThresholdMissing:   r.ErrorRateThresholdMissing,
		ErrorRateThresholdGenerated: r.ErrorRateThresholdGenerated,
	}

	var result IngestResult
	record := func(tx WindowTx) error {
		now := ing.now().UTC()

		window, err := tx.GetOrCreate(ctx, spec, expected, now)
		if err != nil {
			return fmt.Errorf("resolve window %s: %w", spec.WindowID, err)
		}
		if window.Status.Terminal() {
			return &models.ValidationError{
				Reason: fmt.Sprintf("window %s is already %s", window.WindowID, window.Status),
				Fields: []string{"window_id"},
			}
		}

		events, err := tx.AppendEvents(ctx, window.WindowID, []models.HeartbeatEvent{{
			ServiceName:     window.ServiceName,
			Status:          status,
			ErrorMessage:    message,
			ReportTimestamp: reportedAt,
			WindowFrom:      window.WindowFrom,
			WindowTo:        window.WindowTo,
			IngestedAt:      now,
		}})
		if err != nil {
			return err
		}

		errs := 0
		if status == models.HeartbeatError {
			errs = 1
		}
		window, err = tx.IncrementCounters(ctx, window.WindowID, 1, errs, now)
		if err != nil {
			return fmt.Errorf("increment counters: %w", err)
		}

		result = IngestResult{Heartbeat: events[0], Window: *window}
		return nil
	}

	err = ing.store.RunInTx(ctx, record)
	var conflict *models.ConflictError
	if errors.As(err, &conflict) {
		// the racing creator has committed; a fresh transaction sees its row
		ing.logger.Debug("window creation raced, retrying", "windowID", spec.WindowID)
		err = ing.store.RunInTx(ctx, record)
	}
	if err != nil {
		if models.IsValidation(err) {
			metrics.ObserveRejected()
			ing.logger.Info("late report for terminal window", "windowID", spec.WindowID, "service", spec.ServiceName)
		}
		return nil, err
	}

	metrics.ObserveHeartbeat(string(status))
	ing.logger.Debug("heartbeat recorded",
		"windowID", result.Window.WindowID,
		"service", result.Window.ServiceName,
		"status", status,
		"received", result.Window.ReceivedReports)
	return &result, nil
}

// NormalizeStatus maps a raw status string to OK or ERROR. Matching ignores
// case and surrounding whitespace. "error" optionally followed by ":" and a
// message yields ERROR with that message; an empty message is nil.
func NormalizeStatus(raw string) (models.HeartbeatStatus, *string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", nil, &models.ValidationError{Reason: "status is required", Fields: []string{"status"}}
	}

	upper := strings.ToUpper(text)
	if upper == "OK" {
		return models.HeartbeatOK, nil, nil
	}

	if strings.HasPrefix(upper, "ERROR") {
		_, after, found := strings.Cut(text, ":")
		if !found {
			return models.HeartbeatError, nil, nil
		}
		msg := strings.TrimSpace(after)
		if msg == "" {
			return models.HeartbeatError, nil, nil
		}
		return models.HeartbeatError, &msg, nil
	}

	return "", nil, &models.ValidationError{Reason: "status must be 'OK' or start with 'error:'", Fields: []string{"status"}}
}

var timestampPattern = regexp.MustCompile(
	`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})(\.\d{1,6})?(Z|[+-]\d{2}:\d{2})?$`)

// ParseTimestamp accepts YYYY-MM-DDTHH:MM:SS[.ffffff](Z|±HH:MM). A value
// without an offset is taken as UTC. The result is always in UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	m := timestampPattern.FindStringSubmatch(value)
	if m == nil {
		return time.Time{}, models.NewValidationError("unparsable timestamp %q", value)
	}

	normalized := m[1] + m[2]
	switch zone := m[3]; zone {
	case "", "Z":
		normalized += "Z"
	default:
		normalized += zone
	}

	t, err := time.Parse(time.RFC3339Nano, normalized)
	if err != nil {
		return time.Time{}, models.NewValidationError("unparsable timestamp %q", value)
	}
	return t.UTC(), nil
}
