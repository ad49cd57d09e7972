package services

import (
	"fmt"
	"time"
)

// ExpectedReports returns how many heartbeats a window spanning [from, to]
// should receive at the given interval: ceil(duration / interval), never
// less than one. Durations are truncated to whole seconds. A non-positive
// interval is a programming error.
func ExpectedReports(from, to time.Time, interval time.Duration) (int, error) {
	intervalSeconds := int64(interval / time.Second)
	if intervalSeconds <= 0 {
		return 0, fmt.Errorf("heartbeat interval must be at least one second, got %s", interval)
	}

	duration := int64(to.Sub(from) / time.Second)
	if duration < 0 {
		duration = 0
	}

	expected := duration / intervalSeconds
	if duration%intervalSeconds != 0 {
		expected++
	}
	if expected < 1 {
		expected = 1
	}
	return int(expected), nil
}
