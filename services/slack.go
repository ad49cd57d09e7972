package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"heartbeatmonitor/models"
)

// SlackNotifier posts alerts to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *SlackNotifier) WindowAlert(ctx context.Context, w models.MonitoringWindow) error {
	payload := map[string]string{
		"text": fmt.Sprintf("🚨 Heartbeat Alert\n\nService: %s\nWindow: %s\nPeriod: %s → %s\n\nMissing: %d of %d expected\nErrors: %d",
			w.ServiceName,
			w.WindowID,
			w.WindowFrom.Format(time.RFC3339),
			w.WindowTo.Format(time.RFC3339),
			w.MissingReports,
			w.ExpectedReports,
			w.ErrorReports,
		),
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(jsonPayload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack api error: status %d", resp.StatusCode)
	}
	return nil
}
