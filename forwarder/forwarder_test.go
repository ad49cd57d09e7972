package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartbeatmonitor/logging"
	"heartbeatmonitor/models"
)

type fakeMessage struct {
	mu         sync.Mutex
	id         string
	body       []byte
	acks       int
	terms      int
	inProgress int
}

func newFakeMessage(t *testing.T, id string, r models.Report) *fakeMessage {
	t.Helper()
	body, err := EncodeFields(r)
	require.NoError(t, err)
	return &fakeMessage{id: id, body: body}
}

func (m *fakeMessage) ID() string { return m.id }

func (m *fakeMessage) Fields() (map[string]string, error) {
	fields := map[string]string{}
	if err := json.Unmarshal(m.body, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (m *fakeMessage) Ack(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

func (m *fakeMessage) Term(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terms++
	return nil
}

func (m *fakeMessage) InProgress() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgress++
	return nil
}

func (m *fakeMessage) Raw() []byte { return m.body }

type fakeStream struct {
	mu         sync.Mutex
	ensureErrs []error
	reads      [][]Message
	readErrs   []error
	dead       []string
	deadErr    error
	onDrained  func()
}

func (s *fakeStream) EnsureGroup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ensureErrs) > 0 {
		err := s.ensureErrs[0]
		s.ensureErrs = s.ensureErrs[1:]
		return err
	}
	return nil
}

func (s *fakeStream) Read(ctx context.Context, _ int, _ time.Duration) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readErrs) > 0 {
		err := s.readErrs[0]
		s.readErrs = s.readErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(s.reads) > 0 {
		batch := s.reads[0]
		s.reads = s.reads[1:]
		return batch, nil
	}
	if s.onDrained != nil {
		s.onDrained()
	}
	return nil, ctx.Err()
}

func (s *fakeStream) DeadLetter(_ context.Context, msg Message, _ error, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadErr != nil {
		return s.deadErr
	}
	s.dead = append(s.dead, msg.ID())
	return nil
}

// scriptedClient fails the first failures calls with err, then succeeds.
type scriptedClient struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	reports  []models.Report
}

func (c *scriptedClient) Submit(_ context.Context, r models.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		return c.err
	}
	c.reports = append(c.reports, r)
	return nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	for _, w := range s.waits {
		sum += w
	}
	return sum
}

func testReport(windowID string) models.Report {
	return models.Report{
		Service:    "payments-1",
		Status:     "OK",
		WindowID:   windowID,
		WindowFrom: "2024-05-01T12:00:00Z",
		WindowTo:   "2024-05-01T12:01:35Z",
		Timestamp:  "2024-05-01T12:00:10Z",
	}
}

func newTestForwarder(stream Stream, client Submitter) (*Forwarder, *sleepRecorder) {
	f := New(stream, client, DefaultOptions(), logging.Discard())
	rec := &sleepRecorder{}
	f.sleep = rec.sleep
	return f, rec
}

func transient() error {
	return &models.TransientDeliveryError{StatusCode: 503, Err: errors.New("unavailable")}
}

func TestBackoff(t *testing.T) {
	limit := 300 * time.Second
	step := 100 * time.Millisecond
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2*time.Second + 100*time.Millisecond},
		{2, 4*time.Second + 200*time.Millisecond},
		{8, 256*time.Second + 800*time.Millisecond},
		{9, 300*time.Second + 900*time.Millisecond},
		{11, 300*time.Second + 1100*time.Millisecond},
		{40, 300*time.Second + 4*time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, limit, step), "attempt %d", tt.attempt)
	}
}

func TestHandleDeliversAndAcks(t *testing.T) {
	client := &scriptedClient{}
	f, rec := newTestForwarder(&fakeStream{}, client)
	msg := newFakeMessage(t, "1", testReport("w-1"))

	assert.Equal(t, Delivered, f.Handle(context.Background(), msg))
	assert.Equal(t, 1, msg.acks)
	assert.Zero(t, msg.terms)
	assert.Empty(t, rec.waits)
	require.Len(t, client.reports, 1)
	assert.Equal(t, testReport("w-1"), client.reports[0])
}

func TestHandleRetriesThenSucceeds(t *testing.T) {
	client := &scriptedClient{failures: 2, err: transient()}
	f, rec := newTestForwarder(&fakeStream{}, client)
	msg := newFakeMessage(t, "1", testReport("w-1"))

	assert.Equal(t, Delivered, f.Handle(context.Background(), msg))
	assert.Equal(t, 3, client.calls)
	assert.Equal(t, 1, msg.acks, "acknowledged exactly once")
	assert.Equal(t, 2, msg.inProgress)
	assert.GreaterOrEqual(t, rec.total(), 3*time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2*time.Second + 100*time.Millisecond}, rec.waits)
}

func TestHandleExhaustedIsDeadLettered(t *testing.T) {
	stream := &fakeStream{}
	client := &scriptedClient{failures: 1000, err: transient()}
	f, rec := newTestForwarder(stream, client)
	msg := newFakeMessage(t, "1", testReport("w-1"))

	assert.Equal(t, Exhausted, f.Handle(context.Background(), msg))
	assert.Equal(t, 13, client.calls, "first attempt plus twelve retries")
	assert.Len(t, rec.waits, 12)
	assert.Zero(t, msg.acks, "never acknowledged")
	assert.Equal(t, 1, msg.terms)
	assert.Equal(t, []string{"1"}, stream.dead)
}

func TestHandleExhaustedStaysPendingWhenDeadLetterFails(t *testing.T) {
	stream := &fakeStream{deadErr: errors.New("no quorum")}
	client := &scriptedClient{failures: 1000, err: transient()}
	f, _ := newTestForwarder(stream, client)
	msg := newFakeMessage(t, "1", testReport("w-1"))

	assert.Equal(t, Exhausted, f.Handle(context.Background(), msg))
	assert.Zero(t, msg.acks)
	assert.Zero(t, msg.terms)
}

func TestHandleExhaustedWithoutDeadLetter(t *testing.T) {
	stream := &fakeStream{}
	client := &scriptedClient{failures: 1000, err: transient()}
	f, _ := newTestForwarder(stream, client)
	f.opts.DeadLetter = false
	f.opts.MaxRetries = 2
	msg := newFakeMessage(t, "1", testReport("w-1"))

	assert.Equal(t, Exhausted, f.Handle(context.Background(), msg))
	assert.Equal(t, 3, client.calls)
	assert.Zero(t, msg.acks)
	assert.Zero(t, msg.terms)
	assert.Empty(t, stream.dead)
}

func TestHandlePermanentFailures(t *testing.T) {
	t.Run("undecodable payload", func(t *testing.T) {
		client := &scriptedClient{}
		f, rec := newTestForwarder(&fakeStream{}, client)
		msg := &fakeMessage{id: "1", body: []byte(`{"payload":"not json"}`)}

		assert.Equal(t, Rejected, f.Handle(context.Background(), msg))
		assert.Zero(t, client.calls)
		assert.Equal(t, 1, msg.terms)
		assert.Zero(t, msg.acks)
		assert.Empty(t, rec.waits)
	})

	t.Run("missing payload field", func(t *testing.T) {
		client := &scriptedClient{}
		f, _ := newTestForwarder(&fakeStream{}, client)
		msg := &fakeMessage{id: "2", body: []byte(`{"other":"x"}`)}

		assert.Equal(t, Rejected, f.Handle(context.Background(), msg))
		assert.Zero(t, client.calls)
	})

	t.Run("monitor rejects report", func(t *testing.T) {
		client := &scriptedClient{failures: 1000, err: &models.ValidationError{Reason: "monitor rejected report (400)"}}
		f, rec := newTestForwarder(&fakeStream{}, client)
		msg := newFakeMessage(t, "3", testReport("w-1"))

		assert.Equal(t, Rejected, f.Handle(context.Background(), msg))
		assert.Equal(t, 1, client.calls, "no retry")
		assert.Equal(t, 1, msg.terms)
		assert.Empty(t, rec.waits)
	})
}

func TestHandleAbandonsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedClient{failures: 1000, err: transient()}
	f, _ := newTestForwarder(&fakeStream{}, client)
	f.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	msg := newFakeMessage(t, "1", testReport("w-1"))

	assert.Equal(t, Abandoned, f.Handle(ctx, msg))
	assert.Zero(t, msg.acks)
	assert.Zero(t, msg.terms)
}

func TestProcessBatchContinuesPastFailures(t *testing.T) {
	stream := &fakeStream{}
	client := &perWindowClient{failFor: "w-bad"}
	f, _ := newTestForwarder(stream, client)

	good := newFakeMessage(t, "1", testReport("w-good"))
	bad := newFakeMessage(t, "2", testReport("w-bad"))
	other := newFakeMessage(t, "3", testReport("w-other"))

	outcomes := f.ProcessBatch(context.Background(), []Message{good, bad, other})
	assert.Equal(t, []Outcome{Delivered, Exhausted, Delivered}, outcomes)
	assert.Equal(t, 1, good.acks)
	assert.Equal(t, 1, other.acks)
	assert.Zero(t, bad.acks)
}

type perWindowClient struct {
	failFor string
}

func (c *perWindowClient) Submit(_ context.Context, r models.Report) error {
	if r.WindowID == c.failFor {
		return transient()
	}
	return nil
}

func TestRunSurvivesStreamOutages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outage := &models.ConnectivityError{Op: "fetch", Err: errors.New("connection refused")}
	msg := newFakeMessage(t, "1", testReport("w-1"))
	stream := &fakeStream{
		ensureErrs: []error{outage},
		readErrs:   []error{outage, outage},
		reads:      [][]Message{{msg}},
		onDrained:  cancel,
	}
	client := &scriptedClient{}
	f, rec := newTestForwarder(stream, client)

	require.NoError(t, f.Run(ctx))
	assert.Equal(t, 1, msg.acks)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, rec.waits)
}

func TestRunStopsWhenCancelledDuringEnsure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream := &fakeStream{ensureErrs: []error{errors.New("down")}}
	f, _ := newTestForwarder(stream, &scriptedClient{})

	assert.NoError(t, f.Run(ctx))
}
