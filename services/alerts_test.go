package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartbeatmonitor/logging"
	"heartbeatmonitor/models"
)

func alertWindow() models.MonitoringWindow {
	closedAt := baseTime.Add(95 * time.Second)
	return models.MonitoringWindow{
		WindowID:        "w-alert",
		ServiceName:     "payments-1",
		WindowFrom:      baseTime,
		WindowTo:        baseTime.Add(95 * time.Second),
		Status:          models.WindowAlert,
		ExpectedReports: 10,
		ReceivedReports: 10,
		ErrorReports:    3,
		MissingReports:  2,
		ClosedAt:        &closedAt,
	}
}

func TestSlackNotifier(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewSlackNotifier(srv.URL).WindowAlert(context.Background(), alertWindow())
	require.NoError(t, err)
	assert.Contains(t, got["text"], "payments-1")
	assert.Contains(t, got["text"], "Missing: 2 of 10")
}

func TestSlackNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSlackNotifier(srv.URL).WindowAlert(context.Background(), alertWindow())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestEmailNotifier(t *testing.T) {
	var sent *mail.SGMailV3
	n := &EmailNotifier{
		to: "ops@example.com",
		send: func(m *mail.SGMailV3) (int, error) {
			sent = m
			return http.StatusAccepted, nil
		},
		logger: logging.Discard(),
	}

	require.NoError(t, n.WindowAlert(context.Background(), alertWindow()))
	require.NotNil(t, sent)
	assert.Equal(t, "[CRITICAL] payments-1 missed 2 heartbeat(s)", sent.Subject)
	require.Len(t, sent.Personalizations, 1)
	assert.Equal(t, "ops@example.com", sent.Personalizations[0].To[0].Address)

	n.send = func(*mail.SGMailV3) (int, error) { return http.StatusUnauthorized, nil }
	assert.Error(t, n.WindowAlert(context.Background(), alertWindow()))
}

func TestAlertEmailContent(t *testing.T) {
	_, body := alertEmailContent(alertWindow())
	assert.Contains(t, body, "ID: w-alert")
	assert.Contains(t, body, "Expected: 10")
	assert.Contains(t, body, "Missing: 2")
	assert.Contains(t, body, "Closed: 2024-05-01T12:01:35Z")
}

type funcNotifier func(context.Context, models.MonitoringWindow) error

func (f funcNotifier) WindowAlert(ctx context.Context, w models.MonitoringWindow) error {
	return f(ctx, w)
}

func TestMultiNotifierCallsEveryChannel(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	m := MultiNotifier{
		funcNotifier(func(context.Context, models.MonitoringWindow) error { calls++; return boom }),
		funcNotifier(func(context.Context, models.MonitoringWindow) error { calls++; return nil }),
	}

	err := m.WindowAlert(context.Background(), alertWindow())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)

	assert.NoError(t, MultiNotifier{}.WindowAlert(context.Background(), alertWindow()))
}
