package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Report is one heartbeat record as submitted by a producer. Time fields stay
// raw strings until the ingestor parses them.
type Report struct {
	Service                     string   `json:"service"`
	Status                      string   `json:"status"`
	WindowID                    string   `json:"window_id"`
	WindowFrom                  string   `json:"window_from"`
	WindowTo                    string   `json:"window_to"`
	Timestamp                   string   `json:"timestamp"`
	ErrorRateThresholdMissing   *float64 `json:"error_rate_threshold_missing,omitempty"`
	ErrorRateThresholdGenerated *float64 `json:"error_rate_threshold_generated,omitempty"`
}

// legacyReport accepts the field names used by older producers.
type legacyReport struct {
	WindowUUID             string   `json:"window_uuid"`
	ErrorStatusNoReportado *float64 `json:"error_status_no_reportado"`
	ErrorStatusGenerado    *float64 `json:"error_status_generado"`
}

// UnmarshalJSON decodes a report, folding legacy aliases into the canonical
// fields when the canonical ones are absent.
func (r *Report) UnmarshalJSON(data []byte) error {
	type plain Report
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var legacy legacyReport
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	if p.WindowID == "" {
		p.WindowID = legacy.WindowUUID
	}
	if p.ErrorRateThresholdMissing == nil {
		p.ErrorRateThresholdMissing = legacy.ErrorStatusNoReportado
	}
	if p.ErrorRateThresholdGenerated == nil {
		p.ErrorRateThresholdGenerated = legacy.ErrorStatusGenerado
	}
	*r = Report(p)
	return nil
}

// MissingFields lists required fields that are absent or blank, in a fixed order.
func (r Report) MissingFields() []string {
	var missing []string
	check := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	check("service", r.Service)
	check("status", r.Status)
	check("window_id", r.WindowID)
	check("window_from", r.WindowFrom)
	check("window_to", r.WindowTo)
	check("timestamp", r.Timestamp)
	return missing
}

// DecodeReport parses a JSON report. Non-JSON input is a validation failure.
func DecodeReport(data []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, &ValidationError{Reason: fmt.Sprintf("invalid report payload: %v", err)}
	}
	return r, nil
}
