// Package nodes manages the Kubernetes side of a pair upgrade: cordoning,
// draining workloads off a node, and restoring schedulability afterwards.
package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/rollmaint/rollmaint/internal/logging"
)

// DrainTimeout means a node still had evictable pods when the drain
// deadline passed. The node stays cordoned; re-running the drain resumes
// the eviction loop where it left off.
type DrainTimeout struct {
	Node      string
	Remaining []string
	Elapsed   time.Duration
}

func (e *DrainTimeout) Error() string {
	return fmt.Sprintf("drain of node %s timed out after %s with %d pod(s) remaining", e.Node, e.Elapsed.Round(time.Second), len(e.Remaining))
}

// NodeAPI is the Kubernetes surface the manager drives.
type NodeAPI interface {
	CordonNode(ctx context.Context, name string) error
	UncordonNode(ctx context.Context, name string) error
	EvictablePods(ctx context.Context, nodeName string) ([]corev1.Pod, error)
	EvictPod(ctx context.Context, pod corev1.Pod) error
}

// Manager drains and restores Kubernetes nodes.
type Manager struct {
	api          NodeAPI
	pollInterval time.Duration
	log          zerolog.Logger
}

// NewManager creates a node manager.
func NewManager(api NodeAPI) *Manager {
	return &Manager{
		api:          api,
		pollInterval: 5 * time.Second,
		log:          logging.WithComponent("nodes"),
	}
}

// Drain cordons the node and evicts every evictable pod, honouring
// PodDisruptionBudgets. Cordoning stays in place no matter how the drain
// ends. Returns *DrainTimeout when pods remain at the deadline.
func (m *Manager) Drain(ctx context.Context, nodeID string, timeout time.Duration) error {
	if err := m.api.CordonNode(ctx, nodeID); err != nil {
		return fmt.Errorf("failed to cordon node %s: %w", nodeID, err)
	}
	m.log.Info().Str("node", nodeID).Msg("node cordoned")

	deadline := time.Now().Add(timeout)
	start := time.Now()

	for {
		pods, err := m.api.EvictablePods(ctx, nodeID)
		if err != nil {
			return fmt.Errorf("failed to list pods on node %s: %w", nodeID, err)
		}
		if len(pods) == 0 {
			m.log.Info().Str("node", nodeID).Dur("elapsed", time.Since(start)).Msg("node drained")
			return nil
		}

		if time.Now().After(deadline) {
			remaining := make([]string, 0, len(pods))
			for _, pod := range pods {
				remaining = append(remaining, pod.Namespace+"/"+pod.Name)
			}
			return &DrainTimeout{Node: nodeID, Remaining: remaining, Elapsed: time.Since(start)}
		}

		for _, pod := range pods {
			if err := m.api.EvictPod(ctx, pod); err != nil {
				if apierrors.IsNotFound(err) {
					continue
				}
				// A 429 means a PodDisruptionBudget is holding the pod
				// back; keep polling until the budget allows it.
				if apierrors.IsTooManyRequests(err) {
					m.log.Debug().Str("node", nodeID).Str("pod", pod.Name).Msg("eviction blocked by disruption budget")
					continue
				}
				return fmt.Errorf("failed to evict pod %s/%s: %w", pod.Namespace, pod.Name, err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// Uncordon restores schedulability. Uncordoning an already schedulable
// node succeeds.
func (m *Manager) Uncordon(ctx context.Context, nodeID string) error {
	if err := m.api.UncordonNode(ctx, nodeID); err != nil {
		return fmt.Errorf("failed to uncordon node %s: %w", nodeID, err)
	}
	m.log.Info().Str("node", nodeID).Msg("node uncordoned")
	return nil
}
