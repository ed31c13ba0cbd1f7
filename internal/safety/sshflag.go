package safety

import (
	"context"

	"github.com/rollmaint/rollmaint/internal/platform/sshexec"
)

// SSHAppFlag toggles a maintenance flag file on a remote host over SSH.
// Stateful services watch for the file and pause background work while it
// exists.
type SSHAppFlag struct {
	service string
	path    string
	client  *sshexec.Client
}

// NewSSHAppFlag creates a flag for the given service backed by the SSH
// client.
func NewSSHAppFlag(service, path string, client *sshexec.Client) *SSHAppFlag {
	return &SSHAppFlag{service: service, path: path, client: client}
}

func (f *SSHAppFlag) Service() string {
	return f.service
}

// Set creates the flag file. A flag left behind by an earlier run of the
// same maintenance is kept as-is. TouchFlag verifies the file exists
// before returning.
func (f *SSHAppFlag) Set(ctx context.Context) error {
	if exists, err := f.client.FlagExists(ctx, f.path); err == nil && exists {
		return nil
	}
	return f.client.TouchFlag(ctx, f.path)
}

// Clear removes the flag file. Removing an absent file succeeds.
func (f *SSHAppFlag) Clear(ctx context.Context) error {
	return f.client.RemoveFlag(ctx, f.path)
}
