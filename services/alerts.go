package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"heartbeatmonitor/models"
)

// Notifier is told about every window that closes in ALERT. It runs after
// the close has committed, so a failure never reopens the window.
type Notifier interface {
	WindowAlert(ctx context.Context, window models.MonitoringWindow) error
}

type NopNotifier struct{}

func (NopNotifier) WindowAlert(context.Context, models.MonitoringWindow) error { return nil }

// MultiNotifier fans an alert out to every channel and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) WindowAlert(ctx context.Context, window models.MonitoringWindow) error {
	var errs []error
	for _, n := range m {
		if err := n.WindowAlert(ctx, window); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EmailNotifier sends alert mail through SendGrid.
type EmailNotifier struct {
	to     string
	send   func(*mail.SGMailV3) (int, error)
	logger *slog.Logger
}

func NewEmailNotifier(apiKey, alertEmail string, logger *slog.Logger) *EmailNotifier {
	client := sendgrid.NewSendClient(apiKey)
	return &EmailNotifier{
		to: alertEmail,
		send: func(m *mail.SGMailV3) (int, error) {
			resp, err := client.Send(m)
			if err != nil {
				return 0, err
			}
			return resp.StatusCode, nil
		},
		logger: logger,
	}
}

func (n *EmailNotifier) WindowAlert(_ context.Context, w models.MonitoringWindow) error {
	subject, body := alertEmailContent(w)

	from := mail.NewEmail("Heartbeat Monitor", n.to)
	to := mail.NewEmail("Admin", n.to)
	message := mail.NewSingleEmail(from, subject, to, body, body)

	status, err := n.send(message)
	if err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	if status >= 400 {
		return fmt.Errorf("send alert email: sendgrid status %d", status)
	}
	n.logger.Info("alert email sent", "windowID", w.WindowID, "status", status)
	return nil
}

func alertEmailContent(w models.MonitoringWindow) (string, string) {
	subject := fmt.Sprintf("[CRITICAL] %s missed %d heartbeat(s)", w.ServiceName, w.MissingReports)

	closedAt := "unknown"
	if w.ClosedAt != nil {
		closedAt = w.ClosedAt.Format(time.RFC3339)
	}

	body := fmt.Sprintf(`Service: %s

The service did not report every expected heartbeat in its monitoring window.

WINDOW:
ID: %s
From: %s
To: %s
Closed: %s

COUNTS:
Expected: %d
Received: %d (including %d missing placeholders)
Errors: %d
Missing: %d

This usually means:
- The service was down or restarting
- The reporting path (stream or forwarder) was interrupted
- The service clock drifted outside the window`,
		w.ServiceName,
		w.WindowID,
		w.WindowFrom.Format(time.RFC3339),
		w.WindowTo.Format(time.RFC3339),
		closedAt,
		w.ExpectedReports,
		w.ReceivedReports,
		w.MissingReports,
		w.ErrorReports,
		w.MissingReports,
	)
	return subject, body
}
