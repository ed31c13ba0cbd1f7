package k8s

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
)

// NodeReady reports whether the node's Ready condition is true, with the
// reasons it is not.
func (c *Client) NodeReady(ctx context.Context, name string) (bool, []string, error) {
	node, err := c.GetNode(ctx, name)
	if err != nil {
		return false, nil, err
	}

	ready, reasons := nodeConditionReasons(node)
	return ready, reasons, nil
}

// NodesReady checks every node in the cluster and returns the degradation
// reasons for any node that is not ready or still cordoned.
func (c *Client) NodesReady(ctx context.Context) ([]string, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	var reasons []string
	for _, node := range nodes {
		if node.Spec.Unschedulable {
			reasons = append(reasons, fmt.Sprintf("node %s is cordoned", node.Name))
		}
		if ready, nodeReasons := nodeConditionReasons(&node); !ready {
			reasons = append(reasons, nodeReasons...)
		}
	}
	return reasons, nil
}

func nodeConditionReasons(node *corev1.Node) (bool, []string) {
	var reasons []string
	ready := false

	for _, cond := range node.Status.Conditions {
		switch cond.Type {
		case corev1.NodeReady:
			if cond.Status == corev1.ConditionTrue {
				ready = true
			} else {
				reasons = append(reasons, fmt.Sprintf("node %s not ready: %s", node.Name, cond.Reason))
			}
		case corev1.NodeMemoryPressure, corev1.NodeDiskPressure, corev1.NodePIDPressure:
			if cond.Status == corev1.ConditionTrue {
				reasons = append(reasons, fmt.Sprintf("node %s has %s", node.Name, cond.Type))
			}
		}
	}

	if !ready && len(reasons) == 0 {
		reasons = append(reasons, fmt.Sprintf("node %s has no Ready condition", node.Name))
	}

	return ready, reasons
}
