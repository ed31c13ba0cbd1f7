package k8s

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// EvictablePods lists the pods on a node that stand in the way of taking it
// down. DaemonSet pods (they come back on uncordon and tolerate the cordon
// taint anyway), mirror pods (managed by the kubelet directly), and pods
// that already ran to completion are excluded.
func (c *Client) EvictablePods(ctx context.Context, nodeName string) ([]corev1.Pod, error) {
	podList, err := c.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + nodeName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods on node %s: %w", nodeName, err)
	}

	var evictable []corev1.Pod
	for _, pod := range podList.Items {
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		if isMirrorPod(&pod) || isDaemonSetPod(&pod) {
			continue
		}
		evictable = append(evictable, pod)
	}

	return evictable, nil
}

// EvictPod asks the API server to evict a pod, honoring PodDisruptionBudgets.
// A 429 means a budget is currently blocking the eviction; callers poll and
// retry until their drain deadline.
func (c *Client) EvictPod(ctx context.Context, pod corev1.Pod) error {
	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pod.Name,
			Namespace: pod.Namespace,
		},
	}

	err := c.clientset.PolicyV1().Evictions(pod.Namespace).Evict(ctx, eviction)
	if err != nil {
		return fmt.Errorf("failed to evict pod %s/%s: %w", pod.Namespace, pod.Name, err)
	}
	return nil
}

func isMirrorPod(pod *corev1.Pod) bool {
	_, ok := pod.Annotations[corev1.MirrorPodAnnotationKey]
	return ok
}

func isDaemonSetPod(pod *corev1.Pod) bool {
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" && ref.Controller != nil && *ref.Controller {
			return true
		}
	}
	return false
}
