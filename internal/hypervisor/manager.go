// Package hypervisor manages the Proxmox side of a pair upgrade: migrating
// guests off a host, restarting it, and confirming it rejoined the cluster.
package hypervisor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/rollmaint/rollmaint/internal/config"
	"github.com/rollmaint/rollmaint/internal/logging"
	"github.com/rollmaint/rollmaint/internal/platform/proxmox"
	"github.com/rollmaint/rollmaint/internal/util/async"
)

// HostRejoinFailure means a restarted host did not come back online within
// the rejoin window. This is the worst mid-run failure: the host may need
// hands-on recovery, so the run never proceeds past it.
type HostRejoinFailure struct {
	Host    string
	Timeout time.Duration
}

func (e *HostRejoinFailure) Error() string {
	return fmt.Sprintf("host %s did not rejoin the cluster within %s", e.Host, e.Timeout)
}

// HostStopFailure means a host that was issued a power command never left
// the cluster view, so the restart cannot be confirmed to have started.
type HostStopFailure struct {
	Host    string
	Timeout time.Duration
}

func (e *HostStopFailure) Error() string {
	return fmt.Sprintf("host %s was still online %s after the power command", e.Host, e.Timeout)
}

// Manager drives hypervisor hosts through migrate, restart, and rejoin.
type Manager struct {
	pve          proxmox.API
	concurrency  int
	pollInterval time.Duration
	log          zerolog.Logger
}

// NewManager creates a hypervisor manager. concurrency bounds parallel
// guest migrations within one host.
func NewManager(pve proxmox.API, concurrency int) *Manager {
	return &Manager{
		pve:          pve,
		concurrency:  concurrency,
		pollInterval: 10 * time.Second,
		log:          logging.WithComponent("hypervisor"),
	}
}

// MigrateGuests live-migrates the given guests from host to target. All
// migrations run to completion even when some fail; any failure means the
// host still carries guests and must not be restarted.
func (m *Manager) MigrateGuests(ctx context.Context, host string, guests []int, target string, timeout time.Duration) error {
	if len(guests) == 0 {
		return nil
	}

	tasks := make([]async.Task, 0, len(guests))
	for _, vmid := range guests {
		tasks = append(tasks, async.Task{
			Name: "guest " + strconv.Itoa(vmid),
			Func: func(ctx context.Context) error {
				upid, err := m.pve.MigrateGuest(ctx, host, vmid, target)
				if proxmox.IsNotFound(err) {
					// Guest already moved or removed, typically by an
					// earlier attempt of the same pair.
					m.log.Warn().Str("host", host).Int("vmid", vmid).Msg("guest not on host, skipping migration")
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to start migration: %w", err)
				}
				m.log.Info().Str("host", host).Int("vmid", vmid).Str("target", target).Str("upid", upid).Msg("guest migration started")
				if err := m.pve.WaitForTask(ctx, host, upid, timeout); err != nil {
					return fmt.Errorf("migration task %s: %w", upid, err)
				}
				m.log.Info().Str("host", host).Int("vmid", vmid).Msg("guest migrated")
				return nil
			},
		})
	}

	if err := async.RunBounded(ctx, m.concurrency, tasks); err != nil {
		return fmt.Errorf("guest migration from %s: %w", host, err)
	}
	return nil
}

// ShutdownHost issues the power command for the pair's reboot mode. The
// call only acknowledges the command; rejoin is confirmed separately.
func (m *Manager) ShutdownHost(ctx context.Context, host, mode string) error {
	command := proxmox.CommandReboot
	if mode == config.RebootModeShutdown {
		command = proxmox.CommandShutdown
	}
	if err := m.pve.PowerCommand(ctx, host, command); err != nil {
		return fmt.Errorf("failed to %s host %s: %w", command, host, err)
	}
	m.log.Info().Str("host", host).Str("command", command).Msg("host power command issued")
	return nil
}

// WaitForHostDown polls until the host drops out of the cluster view after
// a power command. PowerCommand only acknowledges; without observing the
// host go down, a rejoin check could pass against the not-yet-restarted
// host and wake-on-LAN could fire while it is still powering off. A fast
// reboot that completes between polls is detected by the uptime counter
// resetting below its first observed value.
func (m *Manager) WaitForHostDown(ctx context.Context, host string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	baseline := int64(-1)

	for {
		members, err := m.pve.ClusterStatus(ctx)
		if err == nil {
			online := false
			for _, member := range members {
				if member.Type == "node" && member.Name == host && member.Online == 1 {
					online = true
					break
				}
			}
			if !online {
				m.log.Info().Str("host", host).Msg("host left the cluster view")
				return nil
			}
			if status, err := m.pve.NodeStatus(ctx, host); err == nil {
				if baseline >= 0 && status.Uptime < baseline {
					m.log.Info().Str("host", host).Int64("uptime", status.Uptime).Msg("host uptime reset, restart observed")
					return nil
				}
				if baseline < 0 {
					baseline = status.Uptime
				}
			}
		}

		if time.Now().After(deadline) {
			return &HostStopFailure{Host: host, Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// StartupHost powers a host back on. Reboot mode hosts come back on their
// own; shutdown mode hosts are woken over the network by another cluster
// member. Callers must have observed the host down first, or the wake
// packet races the shutdown.
func (m *Manager) StartupHost(ctx context.Context, host, mode string) error {
	if mode != config.RebootModeShutdown {
		return nil
	}
	if err := m.pve.WakeOnLAN(ctx, host); err != nil {
		return fmt.Errorf("failed to wake host %s: %w", host, err)
	}
	m.log.Info().Str("host", host).Msg("wake-on-LAN sent")
	return nil
}

// ValidateRejoined polls until the host reports online in the cluster view
// and answers status queries itself, or the timeout passes.
func (m *Manager) ValidateRejoined(ctx context.Context, host string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if m.hostOnline(ctx, host) {
			m.log.Info().Str("host", host).Msg("host rejoined the cluster")
			return nil
		}

		if time.Now().After(deadline) {
			return &HostRejoinFailure{Host: host, Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

func (m *Manager) hostOnline(ctx context.Context, host string) bool {
	members, err := m.pve.ClusterStatus(ctx)
	if err != nil {
		return false
	}
	inCluster := false
	for _, member := range members {
		if member.Type == "node" && member.Name == host && member.Online == 1 {
			inCluster = true
			break
		}
	}
	if !inCluster {
		return false
	}

	// Quorum can report a node online moments before its API responds, so
	// require a direct status answer as well.
	status, err := m.pve.NodeStatus(ctx, host)
	if err != nil {
		return false
	}
	return status.Uptime > 0
}
