// Package store is the client for the durable store's remote load-test
// functions: seeding, batch verification, usage verification, and cleanup.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls named remote functions over the store's HTTP run API.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// New creates a store client. The generous timeout covers the slowest
// remote function (cleanup deletes every seeded record).
func New(url string) *Client {
	return &Client{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// SeededUser is one test user as returned by seed/list-existing: its store
// identifier, login email, and the slugs and ids of its endpoints.
type SeededUser struct {
	UserID      string   `json:"userId"`
	Email       string   `json:"email"`
	Slugs       []string `json:"slugs"`
	EndpointIDs []string `json:"endpointIds"`
}

// Seed creates users test users, each with endpointsPerUser endpoints, sets
// every user's request limit, and resets usage counters to zero so no
// accepted counts leak across runs. The returned list is the authoritative
// population; callers must verify against it, not against the requested
// counts.
func (c *Client) Seed(ctx context.Context, users, endpointsPerUser, limit int) ([]SeededUser, error) {
	var out struct {
		Users []SeededUser `json:"users"`
	}
	args := map[string]any{
		"users":            users,
		"endpointsPerUser": endpointsPerUser,
		"requestLimit":     limit,
	}
	if err := c.run(ctx, "loadTest:seed", args, &out); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	if len(out.Users) == 0 {
		return nil, fmt.Errorf("seed returned no users")
	}
	return out.Users, nil
}

// ListExisting reads previously seeded users without mutating anything,
// for runs that reuse existing data.
func (c *Client) ListExisting(ctx context.Context) ([]SeededUser, error) {
	var out struct {
		Users []SeededUser `json:"users"`
	}
	if err := c.run(ctx, "loadTest:listTestData", nil, &out); err != nil {
		return nil, fmt.Errorf("list existing: %w", err)
	}
	return out.Users, nil
}

// EndpointCount is the persisted request count for one endpoint.
type EndpointCount struct {
	RequestCount int `json:"requestCount"`
}

// VerifyBatch returns the persisted accepted count per slug.
func (c *Client) VerifyBatch(ctx context.Context, slugs []string) (map[string]EndpointCount, error) {
	out := make(map[string]EndpointCount)
	args := map[string]any{"slugs": slugs}
	if err := c.run(ctx, "loadTest:verifyBatch", args, &out); err != nil {
		return nil, fmt.Errorf("verify batch: %w", err)
	}
	return out, nil
}

// UserUsage is a user's persisted usage counter and configured limit.
type UserUsage struct {
	RequestsUsed int `json:"requestsUsed"`
	RequestLimit int `json:"requestLimit"`
}

// VerifyUsage returns the persisted usage per user email.
func (c *Client) VerifyUsage(ctx context.Context, emails []string) (map[string]UserUsage, error) {
	out := make(map[string]UserUsage)
	args := map[string]any{"emails": emails}
	if err := c.run(ctx, "loadTest:verifyUsage", args, &out); err != nil {
		return nil, fmt.Errorf("verify usage: %w", err)
	}
	return out, nil
}

// CleanupResult reports what the cleanup function deleted.
type CleanupResult struct {
	RequestsDeleted int `json:"requestsDeleted"`
	EntitiesDeleted int `json:"entitiesDeleted"`
}

// Cleanup deletes all seeded records.
func (c *Client) Cleanup(ctx context.Context) (CleanupResult, error) {
	var out CleanupResult
	if err := c.run(ctx, "loadTest:cleanup", nil, &out); err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup: %w", err)
	}
	return out, nil
}

// run invokes one named function via POST /api/run/{module}/{fn} and
// decodes the returned value.
func (c *Client) run(ctx context.Context, fn string, args any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(map[string]any{
		"args":   args,
		"format": "json",
	})
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	path := "/api/run/" + strings.ReplaceAll(fn, ":", "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("run %s: %w", fn, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("run %s read: %w", fn, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("run %s status %d: %s", fn, resp.StatusCode, truncate(data, 500))
	}

	var envelope struct {
		Status       string          `json:"status"`
		Value        json.RawMessage `json:"value"`
		ErrorMessage string          `json:"errorMessage"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("run %s decode: %w", fn, err)
	}
	if envelope.Status != "success" {
		return fmt.Errorf("run %s failed: %s", fn, envelope.ErrorMessage)
	}
	if out == nil || len(envelope.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Value, out); err != nil {
		return fmt.Errorf("run %s decode value: %w", fn, err)
	}
	return nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
