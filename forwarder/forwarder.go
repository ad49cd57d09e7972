package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"heartbeatmonitor/metrics"
	"heartbeatmonitor/models"
)

// Options tunes the read loop and the retry policy.
type Options struct {
	BatchSize         int
	BlockTimeout      time.Duration
	MaxRetries        int
	RetryCap          time.Duration
	JitterStep        time.Duration
	ConnectivityPause time.Duration
	DeadLetter        bool
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:         10,
		BlockTimeout:      5 * time.Second,
		MaxRetries:        12,
		RetryCap:          300 * time.Second,
		JitterStep:        100 * time.Millisecond,
		ConnectivityPause: 5 * time.Second,
		DeadLetter:        true,
	}
}

// Outcome is the final state of one message.
type Outcome int

const (
	// Delivered messages were accepted and acknowledged.
	Delivered Outcome = iota
	// Rejected messages can never be delivered and were terminated.
	Rejected
	// Exhausted messages ran out of retries without being acknowledged.
	Exhausted
	// Abandoned messages were interrupted by shutdown and stay pending.
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Exhausted:
		return "exhausted"
	default:
		return "abandoned"
	}
}

// Forwarder moves reports from the stream to the monitor with at-least-once
// delivery. A message is acknowledged only after the monitor accepted it.
type Forwarder struct {
	stream Stream
	client Submitter
	opts   Options
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(stream Stream, client Submitter, opts Options, logger *slog.Logger) *Forwarder {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	return &Forwarder{
		stream: stream,
		client: client,
		opts:   opts,
		logger: logger,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff is the wait after the given failed attempt (0-based):
// min(2^attempt seconds, limit) plus attempt*jitter.
func Backoff(attempt int, limit, jitter time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := limit
	if attempt < 31 {
		if exp := time.Duration(1<<attempt) * time.Second; exp < limit {
			base = exp
		}
	}
	return base + time.Duration(attempt)*jitter
}

// Run ensures the consumer group exists and processes batches until ctx is
// cancelled. Stream outages pause the loop and never end it.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		err := f.stream.EnsureGroup(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		metrics.ObserveStreamReadError()
		f.logger.Error("failed to ensure consumer group", "error", err, "retryIn", f.opts.ConnectivityPause)
		if f.sleep(ctx, f.opts.ConnectivityPause) != nil {
			return nil
		}
	}

	f.logger.Info("forwarder started", "batchSize", f.opts.BatchSize, "maxRetries", f.opts.MaxRetries)
	for {
		if ctx.Err() != nil {
			f.logger.Info("forwarder stopping")
			return nil
		}

		msgs, err := f.stream.Read(ctx, f.opts.BatchSize, f.opts.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			metrics.ObserveStreamReadError()
			f.logger.Error("stream read failed", "error", err, "retryIn", f.opts.ConnectivityPause)
			_ = f.sleep(ctx, f.opts.ConnectivityPause)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		f.ProcessBatch(ctx, msgs)
	}
}

// ProcessBatch handles every message of a batch concurrently and returns when
// all of them reached a final outcome.
func (f *Forwarder) ProcessBatch(ctx context.Context, msgs []Message) []Outcome {
	outcomes := make([]Outcome, len(msgs))
	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		go func(i int, msg Message) {
			defer wg.Done()
			outcomes[i] = f.Handle(ctx, msg)
		}(i, msg)
	}
	wg.Wait()
	return outcomes
}

// Handle forwards a single message and settles it.
func (f *Forwarder) Handle(ctx context.Context, msg Message) Outcome {
	log := f.logger.With("messageID", msg.ID())

	report, err := decodeMessage(msg)
	if err != nil {
		return f.reject(ctx, msg, log, err)
	}
	log = log.With("windowID", report.WindowID, "service", report.Service)

	attempts, err := f.deliver(ctx, msg, report, log)
	switch {
	case err == nil:
		metrics.ObserveForward(metrics.ForwardSuccess)
		if ackErr := msg.Ack(ctx); ackErr != nil {
			// the group redelivers it; the monitor tolerates the duplicate
			log.Warn("ack failed after delivery", "error", ackErr)
		}
		log.Debug("report forwarded", "attempts", attempts)
		return Delivered
	case models.IsValidation(err):
		return f.reject(ctx, msg, log, err)
	case ctx.Err() != nil:
		log.Info("delivery abandoned on shutdown", "attempts", attempts)
		return Abandoned
	default:
		return f.exhaust(ctx, msg, log, err, attempts)
	}
}

// deliver submits the report up to MaxRetries+1 times.
func (f *Forwarder) deliver(ctx context.Context, msg Message, report models.Report, log *slog.Logger) (int, error) {
	var err error
	for attempt := 0; ; attempt++ {
		err = f.client.Submit(ctx, report)
		if err == nil || models.IsValidation(err) {
			return attempt + 1, err
		}
		if ctx.Err() != nil {
			return attempt + 1, ctx.Err()
		}
		if attempt >= f.opts.MaxRetries {
			return attempt + 1, err
		}

		metrics.ObserveForward(metrics.ForwardRetry)
		wait := Backoff(attempt, f.opts.RetryCap, f.opts.JitterStep)
		log.Warn("delivery failed, retrying", "attempt", attempt+1, "retryIn", wait, "error", err)
		if progressErr := msg.InProgress(); progressErr != nil {
			log.Debug("failed to extend ack deadline", "error", progressErr)
		}
		if sleepErr := f.sleep(ctx, wait); sleepErr != nil {
			return attempt + 1, sleepErr
		}
	}
}

func (f *Forwarder) reject(ctx context.Context, msg Message, log *slog.Logger, cause error) Outcome {
	metrics.ObserveForward(metrics.ForwardRejected)
	log.Error("dropping undeliverable report", "error", cause)
	if err := msg.Term(ctx); err != nil {
		log.Warn("failed to terminate message", "error", err)
	}
	return Rejected
}

// exhaust parks the message on the dead-letter subject. The message is never
// acknowledged: without a dead letter it stays pending for redelivery.
func (f *Forwarder) exhaust(ctx context.Context, msg Message, log *slog.Logger, cause error, attempts int) Outcome {
	metrics.ObserveForward(metrics.ForwardExhausted)
	log.Error("retries exhausted", "attempts", attempts, "error", cause)

	if !f.opts.DeadLetter {
		return Exhausted
	}
	if err := f.stream.DeadLetter(ctx, msg, cause, attempts); err != nil {
		log.Error("dead-letter publish failed; message left pending", "error", err)
		return Exhausted
	}
	metrics.ObserveDeadLetter()
	if err := msg.Term(ctx); err != nil {
		log.Warn("failed to terminate dead-lettered message", "error", err)
	}
	return Exhausted
}

func decodeMessage(msg Message) (models.Report, error) {
	fields, err := msg.Fields()
	if err != nil {
		return models.Report{}, &models.ValidationError{Reason: err.Error()}
	}
	payload, ok := fields[PayloadField]
	if !ok {
		return models.Report{}, &models.ValidationError{Reason: fmt.Sprintf("message has no %q field", PayloadField)}
	}
	report, err := models.DecodeReport([]byte(payload))
	if err != nil {
		return models.Report{}, err
	}
	return report, nil
}
