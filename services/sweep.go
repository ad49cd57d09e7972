package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"heartbeatmonitor/metrics"
	"heartbeatmonitor/models"
)

// Reconciler closes windows whose time has run out and accounts for the
// heartbeats that never arrived.
type Reconciler struct {
	store    WindowStore
	notifier Notifier
	logger   *slog.Logger
}

func NewReconciler(store WindowStore, notifier Notifier, logger *slog.Logger) *Reconciler {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Reconciler{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// errAlreadyClosed marks a window another sweep finished first.
var errAlreadyClosed = errors.New("window already closed")

// Sweep closes every OPEN window with window_to <= now, optionally only the
// one named by windowID. Each window commits on its own; a failing window is
// logged and left OPEN for the next sweep. The returned slice holds the
// windows closed by this call.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time, windowID string) ([]models.MonitoringWindow, error) {
	now = now.UTC()
	due, err := r.store.ListClosable(ctx, now, windowID)
	if err != nil {
		return nil, fmt.Errorf("list closable windows: %w", err)
	}

	closed := make([]models.MonitoringWindow, 0, len(due))
	for _, candidate := range due {
		if err := ctx.Err(); err != nil {
			return closed, err
		}

		window, err := r.closeWindow(ctx, candidate.WindowID, now)
		if errors.Is(err, errAlreadyClosed) {
			continue
		}
		if err != nil {
			metrics.ObserveSweepFailure()
			r.logger.Error("failed to close window, will retry on next sweep",
				"windowID", candidate.WindowID,
				"error", err)
			continue
		}

		metrics.ObserveWindowClosed(string(window.Status), window.MissingReports)
		r.logger.Info("window closed",
			"windowID", window.WindowID,
			"service", window.ServiceName,
			"status", window.Status,
			"expected", window.ExpectedReports,
			"received", window.ReceivedReports,
			"missing", window.MissingReports)

		if window.Status == models.WindowAlert {
			if err := r.notifier.WindowAlert(ctx, *window); err != nil {
				r.logger.Warn("alert notification failed", "windowID", window.WindowID, "error", err)
			}
		}
		closed = append(closed, *window)
	}
	return closed, nil
}

func (r *Reconciler) closeWindow(ctx context.Context, windowID string, now time.Time) (*models.MonitoringWindow, error) {
	var closed *models.MonitoringWindow
	err := r.store.RunInTx(ctx, func(tx WindowTx) error {
		window, err := tx.LockWindow(ctx, windowID)
		if err != nil {
			return err
		}
		// an overlapping sweep may have closed it since it was listed
		if window.Status.Terminal() {
			return errAlreadyClosed
		}

		missing := window.Missing()
		if missing > 0 {
			placeholders := make([]models.HeartbeatEvent, missing)
			msg := models.MissingMessage
			for i := range placeholders {
				placeholders[i] = models.HeartbeatEvent{
					ServiceName:     window.ServiceName,
					Status:          models.HeartbeatMissing,
					ErrorMessage:    &msg,
					ReportTimestamp: window.WindowTo,
					WindowFrom:      window.WindowFrom,
					WindowTo:        window.WindowTo,
					IngestedAt:      now,
				}
			}
			if _, err := tx.AppendEvents(ctx, windowID, placeholders); err != nil {
				return fmt.Errorf("synthesize missing heartbeats: %w", err)
			}
			if _, err := tx.RecordMissing(ctx, windowID, missing, now); err != nil {
				return fmt.Errorf("record missing: %w", err)
			}
		}

		closed, err = tx.Close(ctx, windowID, missing > 0, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}
