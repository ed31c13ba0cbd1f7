package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const taskPollInterval = 5 * time.Second

// RealClient talks to the Proxmox VE HTTP API using an API token.
type RealClient struct {
	baseURL      string
	tokenID      string
	token        string
	httpClient   *http.Client
	pollInterval time.Duration
}

// NewRealClient creates a Proxmox API client. endpoint is the API root, e.g.
// "https://pve1.lab:8006". insecure skips TLS verification for the
// self-signed certificates a stock Proxmox install ships with.
func NewRealClient(endpoint, tokenID, tokenSecret string, insecure bool) *RealClient {
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}

	return &RealClient{
		baseURL: strings.TrimSuffix(endpoint, "/") + "/api2/json",
		tokenID: tokenID,
		token:   tokenSecret,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
		pollInterval: taskPollInterval,
	}
}

// NodeStatus implements API.
func (c *RealClient) NodeStatus(ctx context.Context, node string) (*NodeStatus, error) {
	var status NodeStatus
	if err := c.get(ctx, fmt.Sprintf("/nodes/%s/status", node), &status); err != nil {
		return nil, fmt.Errorf("node %s status: %w", node, err)
	}
	return &status, nil
}

// ClusterStatus implements API.
func (c *RealClient) ClusterStatus(ctx context.Context) ([]ClusterMember, error) {
	var members []ClusterMember
	if err := c.get(ctx, "/cluster/status", &members); err != nil {
		return nil, fmt.Errorf("cluster status: %w", err)
	}
	return members, nil
}

// MigrateGuest implements API.
func (c *RealClient) MigrateGuest(ctx context.Context, node string, vmid int, target string) (string, error) {
	form := url.Values{}
	form.Set("target", target)
	form.Set("online", "1")

	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/migrate", node, vmid)
	if err := c.post(ctx, path, form, &upid); err != nil {
		return "", fmt.Errorf("migrate vm %d from %s to %s: %w", vmid, node, target, err)
	}
	return upid, nil
}

type taskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

// WaitForTask implements API.
func (c *RealClient) WaitForTask(ctx context.Context, node, upid string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", node, url.PathEscape(upid))

	for {
		var status taskStatus
		err := c.get(ctx, path, &status)
		if err == nil && status.Status == "stopped" {
			if status.ExitStatus != "OK" {
				return fmt.Errorf("task %s failed: %s", upid, status.ExitStatus)
			}
			return nil
		}
		// Transient query errors are tolerated while the deadline allows;
		// the task keeps running server-side regardless.

		if time.Now().After(deadline) {
			return fmt.Errorf("task %s did not finish within %v", upid, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// PowerCommand implements API.
func (c *RealClient) PowerCommand(ctx context.Context, node, command string) error {
	if command != CommandReboot && command != CommandShutdown {
		return fmt.Errorf("unsupported power command %q", command)
	}

	form := url.Values{}
	form.Set("command", command)
	if err := c.post(ctx, fmt.Sprintf("/nodes/%s/status", node), form, nil); err != nil {
		return fmt.Errorf("%s node %s: %w", command, node, err)
	}
	return nil
}

// WakeOnLAN implements API.
func (c *RealClient) WakeOnLAN(ctx context.Context, node string) error {
	if err := c.post(ctx, fmt.Sprintf("/nodes/%s/wakeonlan", node), url.Values{}, nil); err != nil {
		return fmt.Errorf("wake node %s: %w", node, err)
	}
	return nil
}

// SetCephFlag implements API.
func (c *RealClient) SetCephFlag(ctx context.Context, flag string) error {
	return c.putCephFlag(ctx, flag, 1)
}

// ClearCephFlag implements API.
func (c *RealClient) ClearCephFlag(ctx context.Context, flag string) error {
	return c.putCephFlag(ctx, flag, 0)
}

func (c *RealClient) putCephFlag(ctx context.Context, flag string, value int) error {
	form := url.Values{}
	form.Set("value", strconv.Itoa(value))

	req, err := c.newRequest(ctx, http.MethodPut, "/cluster/ceph/flags/"+flag,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("set ceph flag %s=%d: %w", flag, value, err)
	}
	return nil
}

// CephFlags implements API.
func (c *RealClient) CephFlags(ctx context.Context) ([]CephFlag, error) {
	var flags []CephFlag
	if err := c.get(ctx, "/cluster/ceph/flags", &flags); err != nil {
		return nil, fmt.Errorf("ceph flags: %w", err)
	}
	return flags, nil
}

type cephStatus struct {
	Health struct {
		Status string `json:"status"`
	} `json:"health"`
}

// CephHealth implements API.
func (c *RealClient) CephHealth(ctx context.Context) (string, error) {
	var status cephStatus
	if err := c.get(ctx, "/cluster/ceph/status", &status); err != nil {
		return "", fmt.Errorf("ceph status: %w", err)
	}
	return status.Health.Status, nil
}

func (c *RealClient) get(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *RealClient) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *RealClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.tokenID, c.token))
	return req, nil
}

// do executes the request and unmarshals the "data" envelope every Proxmox
// response carries into out.
func (c *RealClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("parse response: %w (status %d)", err, resp.StatusCode)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("empty response data (status %d)", resp.StatusCode)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("parse response data: %w", err)
	}

	return nil
}
