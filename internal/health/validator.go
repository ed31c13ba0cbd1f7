// Package health queries cluster and per-node health signals and reduces
// them to pass/fail reports with reasons.
//
// A backend that cannot be reached is a different situation from a backend
// reporting degradation: the former means we are flying blind and is always
// abort-worthy, the latter is advisory and left to the caller's policy.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rollmaint/rollmaint/internal/logging"
	"github.com/rollmaint/rollmaint/internal/platform/proxmox"
)

// Report is the outcome of a health check.
type Report struct {
	Healthy bool
	Reasons []string
}

// UnreachableError means a health backend could not be queried at all.
type UnreachableError struct {
	Backend string
	Err     error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("health backend %s unreachable: %v", e.Backend, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// KubeHealth is the Kubernetes surface the validator reads.
type KubeHealth interface {
	NodesReady(ctx context.Context) ([]string, error)
	NodeReady(ctx context.Context, name string) (bool, []string, error)
}

// HypervisorHealth is the Proxmox surface the validator reads.
type HypervisorHealth interface {
	ClusterStatus(ctx context.Context) ([]proxmox.ClusterMember, error)
	CephHealth(ctx context.Context) (string, error)
}

// Validator aggregates health signals from the orchestration layer, the
// hypervisor cluster, and the storage cluster. All checks are read-only and
// safe to repeat.
type Validator struct {
	kube    KubeHealth
	pve     HypervisorHealth
	timeout time.Duration
	log     zerolog.Logger
}

// NewValidator creates a health validator. timeout bounds each individual
// backend query.
func NewValidator(kube KubeHealth, pve HypervisorHealth, timeout time.Duration) *Validator {
	return &Validator{
		kube:    kube,
		pve:     pve,
		timeout: timeout,
		log:     logging.WithComponent("health"),
	}
}

// CheckClusterHealth validates the whole cluster: every hypervisor online,
// Ceph healthy, every Kubernetes node ready and schedulable. The returned
// error is non-nil only for an *UnreachableError.
func (v *Validator) CheckClusterHealth(ctx context.Context) (*Report, error) {
	var reasons []string

	members, err := query(ctx, v, "proxmox", func(ctx context.Context) ([]proxmox.ClusterMember, error) {
		return v.pve.ClusterStatus(ctx)
	})
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		if member.Type == "node" && member.Online != 1 {
			reasons = append(reasons, fmt.Sprintf("hypervisor %s is offline", member.Name))
		}
	}

	cephStatus, err := query(ctx, v, "ceph", func(ctx context.Context) (string, error) {
		return v.pve.CephHealth(ctx)
	})
	if err != nil {
		return nil, err
	}
	if cephStatus != "HEALTH_OK" {
		reasons = append(reasons, fmt.Sprintf("ceph reports %s", cephStatus))
	}

	nodeReasons, err := query(ctx, v, "kubernetes", func(ctx context.Context) ([]string, error) {
		return v.kube.NodesReady(ctx)
	})
	if err != nil {
		return nil, err
	}
	reasons = append(reasons, nodeReasons...)

	report := &Report{Healthy: len(reasons) == 0, Reasons: reasons}
	v.log.Debug().Bool("healthy", report.Healthy).Strs("reasons", reasons).Msg("cluster health checked")
	return report, nil
}

// CheckNodeHealth validates a single Kubernetes node.
func (v *Validator) CheckNodeHealth(ctx context.Context, nodeID string) (*Report, error) {
	type nodeResult struct {
		ready   bool
		reasons []string
	}

	result, err := query(ctx, v, "kubernetes", func(ctx context.Context) (nodeResult, error) {
		ready, reasons, err := v.kube.NodeReady(ctx, nodeID)
		return nodeResult{ready: ready, reasons: reasons}, err
	})
	if err != nil {
		return nil, err
	}

	return &Report{Healthy: result.ready, Reasons: result.reasons}, nil
}

// query runs one backend call under the validator's timeout and wraps any
// failure as unreachable.
func query[T any](ctx context.Context, v *Validator, backend string, fn func(context.Context) (T, error)) (T, error) {
	queryCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result, err := fn(queryCtx)
	if err != nil {
		var zero T
		return zero, &UnreachableError{Backend: backend, Err: err}
	}
	return result, nil
}
