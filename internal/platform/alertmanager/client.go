// Package alertmanager provides a client for Alertmanager's v2 silence API.
//
// Silencing creates one catch-all silence tagged with a rollmaint creator
// marker; restoring expires every active silence carrying the marker.
// Alertmanager expires silences on its own at endsAt, which is the
// dead-man's switch when this process never reaches cleanup.
package alertmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rollmaint/rollmaint/internal/util/retry"
)

// CreatedBy marks silences owned by rollmaint.
const CreatedBy = "rollmaint"

// Client talks to the Alertmanager v2 API.
type Client struct {
	baseURL    string
	name       string
	httpClient *http.Client
}

// NewClient creates an Alertmanager client. name is the backend's display
// name in logs and failure reports.
func NewClient(name, baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		name:       name,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements the alerting backend contract.
func (c *Client) Name() string {
	return c.name
}

type matcher struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	IsRegex bool   `json:"isRegex"`
}

type silence struct {
	ID        string    `json:"id,omitempty"`
	Matchers  []matcher `json:"matchers"`
	StartsAt  time.Time `json:"startsAt"`
	EndsAt    time.Time `json:"endsAt"`
	CreatedBy string    `json:"createdBy"`
	Comment   string    `json:"comment"`
	Status    *struct {
		State string `json:"state"`
	} `json:"status,omitempty"`
}

// Silence creates or refreshes the catch-all silence for the given duration.
// Posting an existing silence's ID updates it in place, so repeated calls
// extend the window rather than stacking silences.
func (c *Client) Silence(ctx context.Context, duration time.Duration) error {
	now := time.Now().UTC()
	s := silence{
		Matchers:  []matcher{{Name: "alertname", Value: ".+", IsRegex: true}},
		StartsAt:  now,
		EndsAt:    now.Add(duration),
		CreatedBy: CreatedBy,
		Comment:   "planned cluster maintenance",
	}

	active, err := c.ownedSilences(ctx)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		s.ID = active[0].ID
		s.StartsAt = active[0].StartsAt
	}

	if err := c.post(ctx, "/api/v2/silences", s, nil); err != nil {
		return fmt.Errorf("create silence: %w", err)
	}
	return nil
}

// Restore expires every active rollmaint-owned silence. Calling it when none
// exist is a no-op.
func (c *Client) Restore(ctx context.Context) error {
	active, err := c.ownedSilences(ctx)
	if err != nil {
		return err
	}

	for _, s := range active {
		if err := c.delete(ctx, "/api/v2/silence/"+url.PathEscape(s.ID)); err != nil {
			return fmt.Errorf("expire silence %s: %w", s.ID, err)
		}
	}
	return nil
}

func (c *Client) ownedSilences(ctx context.Context) ([]silence, error) {
	var all []silence
	if err := c.get(ctx, "/api/v2/silences", &all); err != nil {
		return nil, fmt.Errorf("list silences: %w", err)
	}

	var owned []silence
	for _, s := range all {
		if s.CreatedBy != CreatedBy {
			continue
		}
		if s.Status != nil && s.Status.State != "active" && s.Status.State != "pending" {
			continue
		}
		owned = append(owned, s)
	}
	return owned, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.request(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.request(ctx, http.MethodPost, path, in, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.request(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) request(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("alertmanager API error (status %d): %s", resp.StatusCode, string(data))
		// 4xx means bad auth or a bad request; repeating it cannot
		// succeed.
		if resp.StatusCode < 500 {
			return retry.Fatal(err)
		}
		return err
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
