package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rollmaint/rollmaint/internal/platform/proxmox"
)

type mockKube struct {
	mock.Mock
}

func (m *mockKube) NodesReady(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockKube) NodeReady(ctx context.Context, name string) (bool, []string, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Get(1).([]string), args.Error(2)
}

type mockPVE struct {
	mock.Mock
}

func (m *mockPVE) ClusterStatus(ctx context.Context) ([]proxmox.ClusterMember, error) {
	args := m.Called(ctx)
	return args.Get(0).([]proxmox.ClusterMember), args.Error(1)
}

func (m *mockPVE) CephHealth(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func healthyMembers() []proxmox.ClusterMember {
	return []proxmox.ClusterMember{
		{Type: "cluster", Name: "pve"},
		{Type: "node", Name: "pve1", Online: 1},
		{Type: "node", Name: "pve2", Online: 1},
	}
}

func TestCheckClusterHealth_AllHealthy(t *testing.T) {
	kube := new(mockKube)
	pve := new(mockPVE)
	pve.On("ClusterStatus", mock.Anything).Return(healthyMembers(), nil)
	pve.On("CephHealth", mock.Anything).Return("HEALTH_OK", nil)
	kube.On("NodesReady", mock.Anything).Return([]string{}, nil)

	v := NewValidator(kube, pve, 5*time.Second)
	report, err := v.CheckClusterHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Empty(t, report.Reasons)
}

func TestCheckClusterHealth_CollectsReasons(t *testing.T) {
	kube := new(mockKube)
	pve := new(mockPVE)
	pve.On("ClusterStatus", mock.Anything).Return([]proxmox.ClusterMember{
		{Type: "node", Name: "pve1", Online: 1},
		{Type: "node", Name: "pve2", Online: 0},
	}, nil)
	pve.On("CephHealth", mock.Anything).Return("HEALTH_WARN", nil)
	kube.On("NodesReady", mock.Anything).Return([]string{"node k8s-2 is not Ready"}, nil)

	v := NewValidator(kube, pve, 5*time.Second)
	report, err := v.CheckClusterHealth(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	require.Len(t, report.Reasons, 3)

	joined := strings.Join(report.Reasons, "; ")
	assert.Contains(t, joined, "pve2 is offline")
	assert.Contains(t, joined, "ceph reports HEALTH_WARN")
	assert.Contains(t, joined, "k8s-2 is not Ready")
}

func TestCheckClusterHealth_UnreachableBackend(t *testing.T) {
	kube := new(mockKube)
	pve := new(mockPVE)
	pve.On("ClusterStatus", mock.Anything).Return([]proxmox.ClusterMember(nil), errors.New("connection refused"))

	v := NewValidator(kube, pve, 5*time.Second)
	report, err := v.CheckClusterHealth(context.Background())
	assert.Nil(t, report)

	var unreachable *UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "proxmox", unreachable.Backend)

	// The Kubernetes API must not be queried once a backend is unreachable.
	kube.AssertNotCalled(t, "NodesReady", mock.Anything)
}

func TestCheckClusterHealth_KubernetesUnreachable(t *testing.T) {
	kube := new(mockKube)
	pve := new(mockPVE)
	pve.On("ClusterStatus", mock.Anything).Return(healthyMembers(), nil)
	pve.On("CephHealth", mock.Anything).Return("HEALTH_OK", nil)
	kube.On("NodesReady", mock.Anything).Return([]string(nil), errors.New("i/o timeout"))

	v := NewValidator(kube, pve, 5*time.Second)
	_, err := v.CheckClusterHealth(context.Background())

	var unreachable *UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "kubernetes", unreachable.Backend)
}

func TestCheckNodeHealth(t *testing.T) {
	kube := new(mockKube)
	pve := new(mockPVE)
	kube.On("NodeReady", mock.Anything, "k8s-1").Return(true, []string{}, nil)
	kube.On("NodeReady", mock.Anything, "k8s-2").Return(false, []string{"node k8s-2 is not Ready"}, nil)

	v := NewValidator(kube, pve, 5*time.Second)

	report, err := v.CheckNodeHealth(context.Background(), "k8s-1")
	require.NoError(t, err)
	assert.True(t, report.Healthy)

	report, err = v.CheckNodeHealth(context.Background(), "k8s-2")
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Contains(t, report.Reasons[0], "not Ready")
}

func TestCheckNodeHealth_Unreachable(t *testing.T) {
	kube := new(mockKube)
	pve := new(mockPVE)
	kube.On("NodeReady", mock.Anything, "k8s-1").Return(false, []string(nil), errors.New("EOF"))

	v := NewValidator(kube, pve, 5*time.Second)
	_, err := v.CheckNodeHealth(context.Background(), "k8s-1")

	var unreachable *UnreachableError
	require.ErrorAs(t, err, &unreachable)
}
