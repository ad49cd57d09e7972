package services

import (
	"context"
	"time"

	"heartbeatmonitor/models"
)

// WindowStore is the durable home of monitoring windows and their events.
// Every mutation happens inside RunInTx so that a window's counters and its
// events are never observed out of step.
type WindowStore interface {
	// RunInTx executes fn as one atomic unit. Any error rolls the unit back.
	RunInTx(ctx context.Context, fn func(tx WindowTx) error) error

	GetWindow(ctx context.Context, windowID string) (*models.MonitoringWindow, error)
	ListEvents(ctx context.Context, windowID string) ([]models.HeartbeatEvent, error)

	// ListClosable returns OPEN windows whose end is at or before now,
	// optionally restricted to a single window id.
	ListClosable(ctx context.Context, now time.Time, windowID string) ([]models.MonitoringWindow, error)

	// DeleteWindowsClosedBefore removes terminal windows closed before cutoff
	// together with their events. Returns the number of windows removed.
	DeleteWindowsClosedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// WindowTx is the set of writes available inside a transaction. Reads through
// a WindowTx lock the window row until the transaction ends.
type WindowTx interface {
	// GetOrCreate returns the window for spec.WindowID, creating it OPEN with
	// the given expected count when absent. Policy parameters missing on an
	// existing window are backfilled; values already set are kept.
	GetOrCreate(ctx context.Context, spec models.WindowSpec, expected int, now time.Time) (*models.MonitoringWindow, error)

	// LockWindow reads a window for update.
	LockWindow(ctx context.Context, windowID string) (*models.MonitoringWindow, error)

	// AppendEvents inserts events for the window and returns them with ids set.
	AppendEvents(ctx context.Context, windowID string, events []models.HeartbeatEvent) ([]models.HeartbeatEvent, error)

	// IncrementCounters adds to received_reports and error_reports and bumps updated_at.
	IncrementCounters(ctx context.Context, windowID string, received, errs int, now time.Time) (*models.MonitoringWindow, error)

	// RecordMissing accounts for missing reports: they count as received
	// errors and are remembered in missing_reports.
	RecordMissing(ctx context.Context, windowID string, missing int, now time.Time) (*models.MonitoringWindow, error)

	// Close moves an OPEN window to CLOSED or ALERT. Closing a terminal
	// window changes nothing.
	Close(ctx context.Context, windowID string, alert bool, now time.Time) (*models.MonitoringWindow, error)
}

func closedStatus(alert bool) models.WindowStatus {
	if alert {
		return models.WindowAlert
	}
	return models.WindowClosed
}
