package models

import (
	"time"
)

type WindowStatus string

const (
	WindowOpen   WindowStatus = "open"
	WindowClosed WindowStatus = "closed"
	WindowAlert  WindowStatus = "alert"
)

// Terminal reports whether no further transition is allowed.
func (s WindowStatus) Terminal() bool {
	return s == WindowClosed || s == WindowAlert
}

type HeartbeatStatus string

const (
	HeartbeatOK      HeartbeatStatus = "ok"
	HeartbeatError   HeartbeatStatus = "error"
	HeartbeatMissing HeartbeatStatus = "missing"
)

// MissingMessage is attached to every placeholder event synthesized by a sweep.
const MissingMessage = "generated by sweep: heartbeat missing"

// MonitoringWindow is one observation period of a single service.
type MonitoringWindow struct {
	ID                          int64        `json:"-"`
	WindowID                    string       `json:"window_id"`
	ServiceName                 string       `json:"service"`
	WindowFrom                  time.Time    `json:"window_from"`
	WindowTo                    time.Time    `json:"window_to"`
	Status                      WindowStatus `json:"status"`
	ErrorRateThresholdMissing   *float64     `json:"error_rate_threshold_missing"`
	ErrorRateThresholdGenerated *float64     `json:"error_rate_threshold_generated"`
	ExpectedReports             int          `json:"expected_reports"`
	ReceivedReports             int          `json:"received_reports"`
	ErrorReports                int          `json:"error_reports"`
	MissingReports              int          `json:"missing_reports"`
	CreatedAt                   time.Time    `json:"created_at"`
	UpdatedAt                   time.Time    `json:"updated_at"`
	ClosedAt                    *time.Time   `json:"closed_at"`
}

// Missing is the number of reports still owed by the window.
func (w MonitoringWindow) Missing() int {
	if w.ReceivedReports >= w.ExpectedReports {
		return 0
	}
	return w.ExpectedReports - w.ReceivedReports
}

// HeartbeatEvent is an ingested or synthesized report. Bounds are copied from
// the window at insert time.
type HeartbeatEvent struct {
	ID              int64           `json:"id"`
	WindowID        string          `json:"window_id"`
	ServiceName     string          `json:"service"`
	Status          HeartbeatStatus `json:"status"`
	ErrorMessage    *string         `json:"error_message"`
	ReportTimestamp time.Time       `json:"timestamp"`
	WindowFrom      time.Time       `json:"window_from"`
	WindowTo        time.Time       `json:"window_to"`
	IngestedAt      time.Time       `json:"ingested_at"`
}

// WindowSpec carries what a caller knows about a window when it first
// references it.
type WindowSpec struct {
	WindowID                    string
	ServiceName                 string
	WindowFrom                  time.Time
	WindowTo                    time.Time
	ErrorRateThresholdMissing   *float64
	ErrorRateThresholdGenerated *float64
}
