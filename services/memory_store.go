package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"heartbeatmonitor/models"
)

// MemoryStore is a process-local WindowStore. Transactions are serialized by
// a single mutex and applied to a copy that replaces the live state only on
// success.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
}

type memoryState struct {
	nextWindowID int64
	nextEventID  int64
	windows      map[string]models.MonitoringWindow
	events       map[string][]models.HeartbeatEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{
			windows: make(map[string]models.MonitoringWindow),
			events:  make(map[string][]models.HeartbeatEvent),
		},
	}
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx WindowTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memoryTx{state: &work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) GetWindow(_ context.Context, windowID string) (*models.MonitoringWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.state.windows[windowID]
	if !ok {
		return nil, models.ErrWindowNotFound
	}
	return copyWindow(w), nil
}

func (s *MemoryStore) ListEvents(_ context.Context, windowID string) ([]models.HeartbeatEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := append([]models.HeartbeatEvent(nil), s.state.events[windowID]...)
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].ReportTimestamp.Equal(events[j].ReportTimestamp) {
			return events[i].ID < events[j].ID
		}
		return events[i].ReportTimestamp.Before(events[j].ReportTimestamp)
	})
	return events, nil
}

func (s *MemoryStore) ListClosable(_ context.Context, now time.Time, windowID string) ([]models.MonitoringWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var windows []models.MonitoringWindow
	for id, w := range s.state.windows {
		if windowID != "" && id != windowID {
			continue
		}
		if w.Status == models.WindowOpen && !w.WindowTo.After(now) {
			windows = append(windows, *copyWindow(w))
		}
	}
	sort.Slice(windows, func(i, j int) bool {
		if windows[i].WindowTo.Equal(windows[j].WindowTo) {
			return windows[i].ID < windows[j].ID
		}
		return windows[i].WindowTo.Before(windows[j].WindowTo)
	})
	return windows, nil
}

func (s *MemoryStore) DeleteWindowsClosedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, w := range s.state.windows {
		if w.Status.Terminal() && w.ClosedAt != nil && w.ClosedAt.Before(cutoff) {
			delete(s.state.events, id)
			delete(s.state.windows, id)
			removed++
		}
	}
	return removed, nil
}

func (st memoryState) clone() memoryState {
	c := memoryState{
		nextWindowID: st.nextWindowID,
		nextEventID:  st.nextEventID,
		windows:      make(map[string]models.MonitoringWindow, len(st.windows)),
		events:       make(map[string][]models.HeartbeatEvent, len(st.events)),
	}
	for k, w := range st.windows {
		c.windows[k] = w
	}
	for k, evs := range st.events {
		// events are append-only; a shared backing array would leak
		// appends from an aborted transaction
		c.events[k] = append([]models.HeartbeatEvent(nil), evs...)
	}
	return c
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) GetOrCreate(_ context.Context, spec models.WindowSpec, expected int, now time.Time) (*models.MonitoringWindow, error) {
	if w, ok := t.state.windows[spec.WindowID]; ok {
		changed := false
		if w.ErrorRateThresholdMissing == nil && spec.ErrorRateThresholdMissing != nil {
			v := *spec.ErrorRateThresholdMissing
			w.ErrorRateThresholdMissing = &v
			changed = true
		}
		if w.ErrorRateThresholdGenerated == nil && spec.ErrorRateThresholdGenerated != nil {
			v := *spec.ErrorRateThresholdGenerated
			w.ErrorRateThresholdGenerated = &v
			changed = true
		}
		if changed {
			w.UpdatedAt = now.UTC()
			t.state.windows[spec.WindowID] = w
		}
		return copyWindow(w), nil
	}

	t.state.nextWindowID++
	w := models.MonitoringWindow{
		ID:                          t.state.nextWindowID,
		WindowID:                    spec.WindowID,
		ServiceName:                 spec.ServiceName,
		WindowFrom:                  spec.WindowFrom.UTC(),
		WindowTo:                    spec.WindowTo.UTC(),
		Status:                      models.WindowOpen,
		ErrorRateThresholdMissing:   copyFloat(spec.ErrorRateThresholdMissing),
		ErrorRateThresholdGenerated: copyFloat(spec.ErrorRateThresholdGenerated),
		ExpectedReports:             expected,
		CreatedAt:                   now.UTC(),
		UpdatedAt:                   now.UTC(),
	}
	t.state.windows[spec.WindowID] = w
	return copyWindow(w), nil
}

func (t *memoryTx) LockWindow(_ context.Context, windowID string) (*models.MonitoringWindow, error) {
	w, ok := t.state.windows[windowID]
	if !ok {
		return nil, models.ErrWindowNotFound
	}
	return copyWindow(w), nil
}

func (t *memoryTx) AppendEvents(_ context.Context, windowID string, events []models.HeartbeatEvent) ([]models.HeartbeatEvent, error) {
	if _, ok := t.state.windows[windowID]; !ok {
		return nil, models.ErrWindowNotFound
	}
	stored := make([]models.HeartbeatEvent, 0, len(events))
	for _, e := range events {
		t.state.nextEventID++
		e.ID = t.state.nextEventID
		e.WindowID = windowID
		stored = append(stored, e)
	}
	t.state.events[windowID] = append(t.state.events[windowID], stored...)
	return stored, nil
}

func (t *memoryTx) IncrementCounters(_ context.Context, windowID string, received, errs int, now time.Time) (*models.MonitoringWindow, error) {
	w, ok := t.state.windows[windowID]
	if !ok {
		return nil, models.ErrWindowNotFound
	}
	w.ReceivedReports += received
	w.ErrorReports += errs
	w.UpdatedAt = now.UTC()
	t.state.windows[windowID] = w
	return copyWindow(w), nil
}

func (t *memoryTx) RecordMissing(_ context.Context, windowID string, missing int, now time.Time) (*models.MonitoringWindow, error) {
	w, ok := t.state.windows[windowID]
	if !ok {
		return nil, models.ErrWindowNotFound
	}
	w.ReceivedReports += missing
	w.ErrorReports += missing
	w.MissingReports = missing
	w.UpdatedAt = now.UTC()
	t.state.windows[windowID] = w
	return copyWindow(w), nil
}

func (t *memoryTx) Close(_ context.Context, windowID string, alert bool, now time.Time) (*models.MonitoringWindow, error) {
	w, ok := t.state.windows[windowID]
	if !ok {
		return nil, models.ErrWindowNotFound
	}
	if w.Status.Terminal() {
		return copyWindow(w), nil
	}
	closedAt := now.UTC()
	w.Status = closedStatus(alert)
	w.ClosedAt = &closedAt
	w.UpdatedAt = closedAt
	t.state.windows[windowID] = w
	return copyWindow(w), nil
}

func copyWindow(w models.MonitoringWindow) *models.MonitoringWindow {
	w.ErrorRateThresholdMissing = copyFloat(w.ErrorRateThresholdMissing)
	w.ErrorRateThresholdGenerated = copyFloat(w.ErrorRateThresholdGenerated)
	if w.ClosedAt != nil {
		t := *w.ClosedAt
		w.ClosedAt = &t
	}
	return &w
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
