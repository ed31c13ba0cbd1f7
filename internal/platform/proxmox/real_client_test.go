package proxmox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *RealClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewRealClient(server.URL, "rollmaint@pve!ci", "secret", false)
	client.pollInterval = time.Millisecond
	return client
}

func TestRealClient_Auth(t *testing.T) {
	var gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"data":{"uptime":1234}}`))
	})

	_, err := client.NodeStatus(context.Background(), "pve1")
	require.NoError(t, err)
	assert.Equal(t, "PVEAPIToken=rollmaint@pve!ci=secret", gotAuth)
}

func TestNodeStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api2/json/nodes/pve1/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"uptime":98765}}`))
	})

	status, err := client.NodeStatus(context.Background(), "pve1")
	require.NoError(t, err)
	assert.Equal(t, int64(98765), status.Uptime)
}

func TestClusterStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api2/json/cluster/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[
			{"type":"cluster","name":"lab"},
			{"type":"node","name":"pve1","online":1},
			{"type":"node","name":"pve2","online":0}
		]}`))
	})

	members, err := client.ClusterStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "pve2", members[2].Name)
	assert.Equal(t, 0, members[2].Online)
}

func TestMigrateGuest(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api2/json/nodes/pve1/qemu/101/migrate", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "pve2", r.PostForm.Get("target"))
		assert.Equal(t, "1", r.PostForm.Get("online"))
		_, _ = w.Write([]byte(`{"data":"UPID:pve1:0001:migrate:101:"}`))
	})

	upid, err := client.MigrateGuest(context.Background(), "pve1", 101, "pve2")
	require.NoError(t, err)
	assert.Equal(t, "UPID:pve1:0001:migrate:101:", upid)
}

func TestWaitForTask_Succeeds(t *testing.T) {
	polls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 2 {
			_, _ = w.Write([]byte(`{"data":{"status":"running"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"status":"stopped","exitstatus":"OK"}}`))
	})

	err := client.WaitForTask(context.Background(), "pve1", "UPID:x", time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, polls, 2)
}

func TestWaitForTask_FailedTask(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"status":"stopped","exitstatus":"migration aborted"}}`))
	})

	err := client.WaitForTask(context.Background(), "pve1", "UPID:x", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration aborted")
}

func TestPowerCommand(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api2/json/nodes/pve1/status", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "reboot", r.PostForm.Get("command"))
		_, _ = w.Write([]byte(`{"data":null}`))
	})

	require.NoError(t, client.PowerCommand(context.Background(), "pve1", CommandReboot))
}

func TestPowerCommand_Unsupported(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for invalid command")
	})

	err := client.PowerCommand(context.Background(), "pve1", "hibernate")
	assert.Error(t, err)
}

func TestCephFlags_RoundTrip(t *testing.T) {
	var setPath, setBody string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			setPath = r.URL.Path
			require.NoError(t, r.ParseForm())
			setBody = r.PostForm.Get("value")
			_, _ = w.Write([]byte(`{"data":null}`))
		default:
			_, _ = w.Write([]byte(`{"data":[{"name":"noout","value":1},{"name":"norebalance","value":0}]}`))
		}
	})

	require.NoError(t, client.SetCephFlag(context.Background(), "noout"))
	assert.Equal(t, "/api2/json/cluster/ceph/flags/noout", setPath)
	assert.Equal(t, "1", setBody)

	flags, err := client.CephFlags(context.Background())
	require.NoError(t, err)
	require.Len(t, flags, 2)
	assert.Equal(t, "noout", flags[0].Name)
	assert.Equal(t, 1, flags[0].Value)
}

func TestCephHealth(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"health":{"status":"HEALTH_WARN"}}}`))
	})

	health, err := client.CephHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "HEALTH_WARN", health)
}

func TestDo_APIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`permission denied`))
	})

	_, err := client.NodeStatus(context.Background(), "pve1")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.False(t, IsTransient(err))
}

func TestErrors_Classification(t *testing.T) {
	assert.True(t, IsNotFound(&APIError{StatusCode: 404}))
	assert.False(t, IsNotFound(&APIError{StatusCode: 500}))
	assert.True(t, IsTransient(&APIError{StatusCode: 502}))
	assert.False(t, IsTransient(&APIError{StatusCode: 400}))
	assert.False(t, IsTransient(nil))
}
