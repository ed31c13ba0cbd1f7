// Package proxmox provides a minimal Proxmox VE API client covering the
// operations rollmaint needs: guest migration, host power control, cluster
// membership, and Ceph maintenance flags.
package proxmox

import (
	"context"
	"time"
)

// Power commands accepted by the node status endpoint.
const (
	CommandReboot   = "reboot"
	CommandShutdown = "shutdown"
)

// NodeStatus is the subset of a node's status rollmaint inspects.
type NodeStatus struct {
	Uptime int64 `json:"uptime"`
}

// ClusterMember is one entry from the cluster status endpoint.
type ClusterMember struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Online int    `json:"online"`
}

// CephFlag is one OSD flag with its current state.
type CephFlag struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// API is the Proxmox VE surface consumed by rollmaint. Implemented by
// RealClient for production and by testify mocks in tests.
type API interface {
	// NodeStatus returns the status of a cluster node. A node that is down
	// or rebooting returns an error.
	NodeStatus(ctx context.Context, node string) (*NodeStatus, error)

	// ClusterStatus returns the membership view of the cluster.
	ClusterStatus(ctx context.Context) ([]ClusterMember, error)

	// MigrateGuest starts a live migration of a VM to the target node and
	// returns the task UPID.
	MigrateGuest(ctx context.Context, node string, vmid int, target string) (string, error)

	// WaitForTask polls a task until it stops or the timeout elapses. A task
	// that stopped with a non-OK exit status is an error.
	WaitForTask(ctx context.Context, node, upid string, timeout time.Duration) error

	// PowerCommand issues a reboot or shutdown against a node.
	PowerCommand(ctx context.Context, node, command string) error

	// WakeOnLAN asks another cluster member to send a wake-on-LAN packet
	// to a powered-down node.
	WakeOnLAN(ctx context.Context, node string) error

	// SetCephFlag raises an OSD flag (e.g. noout) cluster-wide.
	SetCephFlag(ctx context.Context, flag string) error

	// ClearCephFlag clears an OSD flag.
	ClearCephFlag(ctx context.Context, flag string) error

	// CephFlags returns all OSD flags with their current state.
	CephFlags(ctx context.Context) ([]CephFlag, error)

	// CephHealth returns the Ceph health status string (e.g. HEALTH_OK).
	CephHealth(ctx context.Context) (string, error)
}
