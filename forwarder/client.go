package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"heartbeatmonitor/middleware"
	"heartbeatmonitor/models"
)

// Submitter delivers one canonical report to the monitor.
type Submitter interface {
	Submit(ctx context.Context, report models.Report) error
}

// IngestClient posts reports to the monitor's ingest endpoint.
type IngestClient struct {
	url      string
	http     *http.Client
	secret   []byte
	consumer string
	tokenTTL time.Duration
	now      func() time.Time
}

// ClientOption configures an IngestClient.
type ClientOption func(*IngestClient)

// WithServiceToken signs every request with a bearer token for consumer.
func WithServiceToken(secret, consumer string, ttl time.Duration) ClientOption {
	return func(c *IngestClient) {
		c.secret = []byte(secret)
		c.consumer = consumer
		c.tokenTTL = ttl
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *IngestClient) {
		c.http = h
	}
}

func NewIngestClient(url string, timeout time.Duration, opts ...ClientOption) *IngestClient {
	c := &IngestClient{
		url:      url,
		http:     &http.Client{Timeout: timeout},
		tokenTTL: 5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit returns nil on any 2xx response. A 400, 413 or 422 is a permanent
// ValidationError; every other failure is a TransientDeliveryError.
func (c *IngestClient) Submit(ctx context.Context, report models.Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return &models.ValidationError{Reason: fmt.Sprintf("encode report: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(c.secret) > 0 {
		token, err := middleware.IssueServiceToken(c.secret, c.consumer, c.tokenTTL, c.now())
		if err != nil {
			return fmt.Errorf("sign ingest request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &models.TransientDeliveryError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(detail))
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return &models.ValidationError{Reason: fmt.Sprintf("monitor rejected report (%d): %s", resp.StatusCode, msg)}
	}
	return &models.TransientDeliveryError{
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("monitor responded %s: %s", resp.Status, msg),
	}
}
