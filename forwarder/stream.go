package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"heartbeatmonitor/models"
)

// PayloadField is the message field holding the JSON report record.
const PayloadField = "payload"

// Headers attached to dead-lettered reports.
const (
	HeaderDeadLetterID = "Dead-Letter-Id"
	HeaderOriginalID   = "Dead-Letter-Original-Id"
	HeaderFailure      = "Dead-Letter-Failure"
	HeaderAttempts     = "Dead-Letter-Attempts"
)

// Message is one entry of the report stream delivered to this group.
type Message interface {
	ID() string
	// Fields decodes the key-value field set carried by the message.
	Fields() (map[string]string, error)
	// Ack confirms delivery; the group will not redeliver the message.
	Ack(ctx context.Context) error
	// Term stops redelivery without marking the message as forwarded.
	Term(ctx context.Context) error
	// InProgress resets the redelivery timer while a retry is pending.
	InProgress() error
	Raw() []byte
}

// Stream is the durable, replayable log the forwarder consumes.
type Stream interface {
	// EnsureGroup creates the consumer group at the oldest offset if it is
	// absent. An existing group is not an error.
	EnsureGroup(ctx context.Context) error
	// Read blocks up to block for at most batch unread messages. An empty
	// result with a nil error means the wait timed out.
	Read(ctx context.Context, batch int, block time.Duration) ([]Message, error)
	// DeadLetter parks a message that could not be forwarded.
	DeadLetter(ctx context.Context, msg Message, failure error, attempts int) error
}

// StreamConfig names the JetStream objects backing the report stream.
type StreamConfig struct {
	Stream            string
	Subject           string
	DeadLetterSubject string
	Group             string
	Consumer          string
	AckWait           time.Duration
}

// JetStream implements Stream with a JetStream durable pull consumer. The
// durable is the consumer group: every instance pulling from it shares the
// backlog, and a message is handed to one instance at a time until it is
// acked or its ack wait lapses.
type JetStream struct {
	js       jetstream.JetStream
	cfg      StreamConfig
	logger   *slog.Logger
	consumer jetstream.Consumer
}

func NewJetStream(conn *nats.Conn, cfg StreamConfig, logger *slog.Logger) (*JetStream, error) {
	if conn == nil {
		return nil, errors.New("NATS connection is required")
	}
	if cfg.Stream == "" || cfg.Subject == "" || cfg.Group == "" {
		return nil, errors.New("stream, subject and group are required")
	}
	if cfg.AckWait == 0 {
		cfg.AckWait = 10 * time.Minute
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStream{js: js, cfg: cfg, logger: logger}, nil
}

// EnsureStream creates the backing stream when it does not exist yet.
func (s *JetStream) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	stream, err := s.js.Stream(ctx, s.cfg.Stream)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, &models.ConnectivityError{Op: "get stream", Err: err}
	}

	subjects := []string{s.cfg.Subject}
	if s.cfg.DeadLetterSubject != "" {
		subjects = append(subjects, s.cfg.DeadLetterSubject)
	}
	stream, err = s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     s.cfg.Stream,
		Subjects: subjects,
		Storage:  jetstream.FileStorage,
	})
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return s.js.Stream(ctx, s.cfg.Stream)
	}
	if err != nil {
		return nil, &models.ConnectivityError{Op: "create stream", Err: err}
	}
	s.logger.Info("created report stream", "stream", s.cfg.Stream, "subjects", subjects)
	return stream, nil
}

func (s *JetStream) EnsureGroup(ctx context.Context) error {
	stream, err := s.EnsureStream(ctx)
	if err != nil {
		return err
	}

	consumer, err := stream.Consumer(ctx, s.cfg.Group)
	if err == nil {
		s.consumer = consumer
		return nil
	}
	if !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return &models.ConnectivityError{Op: "get consumer group", Err: err}
	}

	consumer, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          s.cfg.Group,
		Durable:       s.cfg.Group,
		FilterSubject: s.cfg.Subject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.cfg.AckWait,
		MaxDeliver:    -1,
	})
	if err == nil {
		s.consumer = consumer
		s.logger.Info("created consumer group", "group", s.cfg.Group, "stream", s.cfg.Stream)
		return nil
	}

	// another instance created the group first
	if errors.Is(err, jetstream.ErrConsumerExists) || errors.Is(err, jetstream.ErrConsumerNameAlreadyInUse) {
		consumer, err = stream.Consumer(ctx, s.cfg.Group)
		if err != nil {
			return &models.ConnectivityError{Op: "get consumer group", Err: err}
		}
		s.consumer = consumer
		return nil
	}
	return &models.ConnectivityError{Op: "create consumer group", Err: err}
}

// Read pulls up to batch messages. The wait is kept below the group's ack
// wait so a message cannot be redelivered into the pull that already holds it.
func (s *JetStream) Read(ctx context.Context, batch int, block time.Duration) ([]Message, error) {
	if s.consumer == nil {
		if err := s.EnsureGroup(ctx); err != nil {
			return nil, err
		}
	}
	if block >= s.cfg.AckWait {
		s.logger.Warn("fetch wait exceeds ack wait, shortening it", "block", block, "ackWait", s.cfg.AckWait)
		block = s.cfg.AckWait / 2
	}

	fetched, err := s.consumer.Fetch(batch, jetstream.FetchMaxWait(block))
	if err != nil {
		return nil, s.fetchFailed(err)
	}

	var msgs []Message
	bySeq := make(map[uint64]int)
	for msg := range fetched.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			msgs = append(msgs, &jsMessage{msg: msg})
			continue
		}
		// a redelivery of a sequence already in this batch replaces it
		if i, dup := bySeq[meta.Sequence.Stream]; dup {
			msgs[i] = &jsMessage{msg: msg}
			continue
		}
		bySeq[meta.Sequence.Stream] = len(msgs)
		msgs = append(msgs, &jsMessage{msg: msg})
	}

	fetchErr := fetched.Error()
	if fetchErr != nil && isEmptyFetch(fetchErr) {
		fetchErr = nil
	}
	if len(msgs) > 0 {
		if fetchErr != nil {
			// keep what arrived; the next read surfaces a persistent failure
			s.logger.Warn("fetch ended early", "received", len(msgs), "error", fetchErr)
		}
		return msgs, nil
	}

	// an idle pull looks the same as a pull on a deleted group
	if _, err := s.consumer.Info(ctx); err != nil && ctx.Err() == nil {
		return nil, s.fetchFailed(err)
	}
	if fetchErr != nil {
		return nil, s.fetchFailed(fetchErr)
	}
	return nil, nil
}

// fetchFailed wraps a pull failure. A missing group is forgotten so the next
// Read recreates it.
func (s *JetStream) fetchFailed(err error) error {
	if errors.Is(err, jetstream.ErrConsumerNotFound) || errors.Is(err, jetstream.ErrConsumerDeleted) {
		s.logger.Warn("consumer group disappeared, recreating on next read", "group", s.cfg.Group, "error", err)
		s.consumer = nil
		return &models.ConnectivityError{Op: "consumer group missing", Err: err}
	}
	return &models.ConnectivityError{Op: "fetch", Err: err}
}

func isEmptyFetch(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, jetstream.ErrNoMessages) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *JetStream) DeadLetter(ctx context.Context, msg Message, failure error, attempts int) error {
	if s.cfg.DeadLetterSubject == "" {
		return errors.New("no dead-letter subject configured")
	}

	out := nats.NewMsg(s.cfg.DeadLetterSubject)
	out.Data = msg.Raw()
	out.Header.Set(HeaderDeadLetterID, uuid.NewString())
	out.Header.Set(HeaderOriginalID, msg.ID())
	out.Header.Set(HeaderAttempts, strconv.Itoa(attempts))
	if failure != nil {
		out.Header.Set(HeaderFailure, failure.Error())
	}

	if _, err := s.js.PublishMsg(ctx, out); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

type jsMessage struct {
	msg jetstream.Msg
}

func (m *jsMessage) ID() string {
	meta, err := m.msg.Metadata()
	if err != nil {
		return m.msg.Subject()
	}
	return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
}

func (m *jsMessage) Fields() (map[string]string, error) {
	fields := make(map[string]string)
	if err := json.Unmarshal(m.msg.Data(), &fields); err != nil {
		return nil, fmt.Errorf("decode message fields: %w", err)
	}
	return fields, nil
}

func (m *jsMessage) Ack(ctx context.Context) error {
	return m.msg.DoubleAck(ctx)
}

func (m *jsMessage) Term(_ context.Context) error {
	return m.msg.Term()
}

func (m *jsMessage) InProgress() error {
	return m.msg.InProgress()
}

func (m *jsMessage) Raw() []byte {
	return m.msg.Data()
}

// EncodeFields builds a message body from a report, in the field-set format
// Read expects.
func EncodeFields(r models.Report) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{PayloadField: string(payload)})
}
