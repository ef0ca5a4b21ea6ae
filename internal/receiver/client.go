// Package receiver is a thin HTTP client for the webhook receiver's public
// surface: the per-endpoint ingestion path and the health check.
package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Class is the outcome classification for a single ingestion request.
type Class int

const (
	// Accepted means the receiver returned 200.
	Accepted Class = iota
	// Rejected means the receiver returned 429 (quota exhausted).
	Rejected
	// Errored covers every other status, transport failure, or timeout.
	Errored
)

func (c Class) String() string {
	switch c {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "errored"
	}
}

// Client wraps the receiver HTTP API.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// New creates a receiver client. timeout caps a single request end to end;
// the dispatcher relies on it to bound worst-case pool drain time.
func New(url string, timeout time.Duration) *Client {
	return &Client{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Health calls GET /health and checks the JSON status sentinel.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("health decode: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("health status %q", health.Status)
	}
	return nil
}

// Send POSTs one event to /w/{slug}/hook and classifies the response.
// Latency is measured from request initiation to full response consumption
// regardless of outcome.
func (c *Client) Send(ctx context.Context, slug string, payload []byte) (Class, time.Duration) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/w/"+slug+"/hook", bytes.NewReader(payload))
	if err != nil {
		return Errored, time.Since(start)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Errored, time.Since(start)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	lat := time.Since(start)

	switch resp.StatusCode {
	case http.StatusOK:
		return Accepted, lat
	case http.StatusTooManyRequests:
		return Rejected, lat
	default:
		return Errored, lat
	}
}
