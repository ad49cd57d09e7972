package forwarder

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"heartbeatmonitor/models"
)

// Publisher appends reports to the stream on behalf of producers.
type Publisher struct {
	js      jetstream.JetStream
	subject string
}

// Publisher shares the stream's JetStream context.
func (s *JetStream) Publisher() *Publisher {
	return &Publisher{js: s.js, subject: s.cfg.Subject}
}

// Publish stores one report and returns its stream sequence.
func (p *Publisher) Publish(ctx context.Context, report models.Report) (uint64, error) {
	body, err := EncodeFields(report)
	if err != nil {
		return 0, fmt.Errorf("encode report: %w", err)
	}
	ack, err := p.js.Publish(ctx, p.subject, body)
	if err != nil {
		return 0, &models.ConnectivityError{Op: "publish", Err: err}
	}
	return ack.Sequence, nil
}
