// Package uptimekuma provides a client for Uptime Kuma maintenance windows.
//
// Silencing creates one manual maintenance window covering every monitor
// group and status page; restoring deletes every window carrying the
// rollmaint title marker. The window end time doubles as a dead-man's
// switch: Kuma resumes alerting on its own when it passes.
package uptimekuma

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rollmaint/rollmaint/internal/util/retry"
)

// WindowTitle marks maintenance windows owned by rollmaint. Restore deletes
// by title, so runs clean up windows left behind by crashed predecessors.
const WindowTitle = "rollmaint maintenance window"

// Client talks to the Uptime Kuma HTTP API.
type Client struct {
	baseURL    string
	username   string
	password   string
	name       string
	httpClient *http.Client

	token string
}

// NewClient creates an Uptime Kuma client. name is the backend's display
// name in logs and failure reports.
func NewClient(name, baseURL, username, password string) *Client {
	return &Client{
		baseURL:    baseURL,
		username:   username,
		password:   password,
		name:       name,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements the alerting backend contract.
func (c *Client) Name() string {
	return c.name
}

type monitor struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

type statusPage struct {
	ID int `json:"id"`
}

type maintenance struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Active   bool   `json:"active"`
	Strategy string `json:"strategy"`
	EndDate  string `json:"endDate,omitempty"`
}

// Silence opens (or refreshes) a maintenance window for the given duration.
func (c *Client) Silence(ctx context.Context, duration time.Duration) error {
	if err := c.login(ctx); err != nil {
		return err
	}

	end := time.Now().Add(duration).UTC().Format("2006-01-02 15:04:05")

	existing, err := c.ownedWindows(ctx)
	if err != nil {
		return err
	}

	// Already silenced: extend the existing window instead of stacking a
	// second one.
	if len(existing) > 0 {
		for _, m := range existing {
			m.EndDate = end
			m.Active = true
			if err := c.patch(ctx, fmt.Sprintf("/api/maintenance/%d", m.ID), m, nil); err != nil {
				return fmt.Errorf("refresh maintenance %d: %w", m.ID, err)
			}
		}
		return nil
	}

	created := maintenance{
		Title:    WindowTitle,
		Strategy: "manual",
		Active:   true,
		EndDate:  end,
	}
	var result struct {
		MaintenanceID int `json:"maintenanceID"`
	}
	if err := c.post(ctx, "/api/maintenance", created, &result); err != nil {
		return fmt.Errorf("create maintenance: %w", err)
	}
	if result.MaintenanceID == 0 {
		return fmt.Errorf("maintenance window was not created")
	}

	if err := c.attachTargets(ctx, result.MaintenanceID); err != nil {
		return err
	}

	return nil
}

// Restore deletes every rollmaint-owned maintenance window. Calling it when
// none exist is a no-op.
func (c *Client) Restore(ctx context.Context) error {
	if err := c.login(ctx); err != nil {
		return err
	}

	windows, err := c.ownedWindows(ctx)
	if err != nil {
		return err
	}

	for _, m := range windows {
		if err := c.delete(ctx, fmt.Sprintf("/api/maintenance/%d", m.ID)); err != nil {
			return fmt.Errorf("delete maintenance %d: %w", m.ID, err)
		}
	}
	return nil
}

// attachTargets associates the window with every monitor group and status
// page; monitors inside a group inherit its maintenance state.
func (c *Client) attachTargets(ctx context.Context, maintenanceID int) error {
	var monitors []monitor
	if err := c.get(ctx, "/api/monitors", &monitors); err != nil {
		return fmt.Errorf("list monitors: %w", err)
	}

	var groups []map[string]int
	for _, m := range monitors {
		if m.Type == "group" {
			groups = append(groups, map[string]int{"id": m.ID})
		}
	}
	if len(groups) > 0 {
		path := fmt.Sprintf("/api/maintenance/%d/monitor", maintenanceID)
		if err := c.post(ctx, path, groups, nil); err != nil {
			return fmt.Errorf("attach monitors: %w", err)
		}
	}

	var pages []statusPage
	if err := c.get(ctx, "/api/status-pages", &pages); err != nil {
		return fmt.Errorf("list status pages: %w", err)
	}
	if len(pages) > 0 {
		var ids []map[string]int
		for _, p := range pages {
			ids = append(ids, map[string]int{"id": p.ID})
		}
		path := fmt.Sprintf("/api/maintenance/%d/status-page", maintenanceID)
		if err := c.post(ctx, path, ids, nil); err != nil {
			return fmt.Errorf("attach status pages: %w", err)
		}
	}

	return nil
}

func (c *Client) ownedWindows(ctx context.Context) ([]maintenance, error) {
	var all []maintenance
	if err := c.get(ctx, "/api/maintenance", &all); err != nil {
		return nil, fmt.Errorf("list maintenance windows: %w", err)
	}

	var owned []maintenance
	for _, m := range all {
		if m.Title == WindowTitle {
			owned = append(owned, m)
		}
	}
	return owned, nil
}

func (c *Client) login(ctx context.Context) error {
	if c.token != "" {
		return nil
	}

	payload := map[string]string{"username": c.username, "password": c.password}
	var result struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "/api/login", payload, &result); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if result.Token == "" {
		return fmt.Errorf("login: no token returned")
	}
	c.token = result.Token
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.request(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.request(ctx, http.MethodPost, path, in, out)
}

func (c *Client) patch(ctx context.Context, path string, in, out any) error {
	return c.request(ctx, http.MethodPatch, path, in, out)
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

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
		err := fmt.Errorf("uptime-kuma API error (status %d): %s", resp.StatusCode, string(data))
		// 4xx means bad credentials or a bad request; repeating it
		// cannot succeed.
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
