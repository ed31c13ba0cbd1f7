// Package sshexec executes commands on stateful service hosts via SSH.
//
// It is used to toggle application-level maintenance flag files next to the
// services that co-locate with the storage cluster, the same way the
// operator would by hand. Flag semantics stay deliberately dumb: a file
// exists or it does not, and both operations verify the result.
//
// Host key verification is disabled by default, matching a trusted
// single-operator LAN; set HostKeyCallback for anything else.
package sshexec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rollmaint/rollmaint/internal/util/retry"
)

const (
	defaultPort        = 22
	defaultDialTimeout = 10 * time.Second
	defaultMaxRetries  = 3
	defaultRetryDelay  = 2 * time.Second
	defaultMaxDelay    = 10 * time.Second
)

// Config holds SSH client configuration for one host.
type Config struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte

	// DialTimeout is the timeout for establishing the TCP connection.
	DialTimeout time.Duration

	// MaxRetries is the maximum number of connection retry attempts.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts.
	RetryDelay time.Duration

	// HostKeyCallback handles host key verification. If nil,
	// ssh.InsecureIgnoreHostKey() is used.
	HostKeyCallback ssh.HostKeyCallback
}

// Client executes commands on a remote host. The private key is parsed once
// at construction; connections are established per Execute call.
type Client struct {
	config *Config
	signer ssh.Signer
}

// NewClient creates a new SSH client and validates the private key.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("config host cannot be empty")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("config user cannot be empty")
	}
	if len(cfg.PrivateKey) == 0 {
		return nil, fmt.Errorf("config private key cannot be empty")
	}

	configCopy := *cfg
	if configCopy.Port == 0 {
		configCopy.Port = defaultPort
	}
	if configCopy.DialTimeout == 0 {
		configCopy.DialTimeout = defaultDialTimeout
	}
	if configCopy.MaxRetries == 0 {
		configCopy.MaxRetries = defaultMaxRetries
	}
	if configCopy.RetryDelay == 0 {
		configCopy.RetryDelay = defaultRetryDelay
	}
	if configCopy.HostKeyCallback == nil {
		configCopy.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // trusted LAN default
	}

	signer, err := ssh.ParsePrivateKey(configCopy.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &Client{
		config: &configCopy,
		signer: signer,
	}, nil
}

// Host returns the configured host.
func (c *Client) Host() string {
	return c.config.Host
}

// Execute runs a command on the remote host. Returns combined stdout+stderr
// output and any execution error.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = client.Close() }()

	return c.runCommand(client, command)
}

// TouchFlag creates the maintenance flag file and verifies it exists.
func (c *Client) TouchFlag(ctx context.Context, path string) error {
	cmd := fmt.Sprintf("touch %s && test -f %s", shellQuote(path), shellQuote(path))
	if _, err := c.Execute(ctx, cmd); err != nil {
		return fmt.Errorf("set flag %s on %s: %w", path, c.config.Host, err)
	}
	return nil
}

// RemoveFlag removes the maintenance flag file and verifies it is gone.
// Removing an absent flag succeeds.
func (c *Client) RemoveFlag(ctx context.Context, path string) error {
	cmd := fmt.Sprintf("rm -f %s && test ! -e %s", shellQuote(path), shellQuote(path))
	if _, err := c.Execute(ctx, cmd); err != nil {
		return fmt.Errorf("clear flag %s on %s: %w", path, c.config.Host, err)
	}
	return nil
}

// FlagExists reports whether the maintenance flag file is present.
func (c *Client) FlagExists(ctx context.Context, path string) (bool, error) {
	out, err := c.Execute(ctx, fmt.Sprintf("test -f %s && echo yes || echo no", shellQuote(path)))
	if err != nil {
		return false, fmt.Errorf("check flag %s on %s: %w", path, c.config.Host, err)
	}
	return strings.TrimSpace(out) == "yes", nil
}

// connect establishes the SSH connection with retry.
func (c *Client) connect(ctx context.Context) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User: c.config.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(c.signer),
		},
		HostKeyCallback: c.config.HostKeyCallback,
		Timeout:         c.config.DialTimeout,
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	var client *ssh.Client

	err := retry.WithExponentialBackoff(ctx, func() error {
		var dialErr error
		client, dialErr = ssh.Dial("tcp", addr, config)
		if dialErr != nil && strings.Contains(dialErr.Error(), "unable to authenticate") {
			// Rejected key. x/crypto/ssh has no typed error for this,
			// and retrying a bad credential cannot succeed.
			return retry.Fatal(dialErr)
		}
		return dialErr
	},
		retry.WithMaxRetries(c.config.MaxRetries),
		retry.WithInitialDelay(c.config.RetryDelay),
		retry.WithMaxDelay(defaultMaxDelay),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to establish SSH connection to %s: %w", addr, err)
	}

	return client, nil
}

func (c *Client) runCommand(client *ssh.Client, command string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create SSH session on %s: %w", c.config.Host, err)
	}
	defer func() { _ = session.Close() }()

	output, err := session.CombinedOutput(command)
	if err != nil {
		return string(output), fmt.Errorf("command failed on %s: %w (output: %s)",
			c.config.Host, err, strings.TrimSpace(string(output)))
	}

	return string(output), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
