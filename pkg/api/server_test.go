package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/distributor/pkg/distributor"
	"github.com/cuemby/distributor/pkg/manager"
	"github.com/cuemby/distributor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "test-dd",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	require.NoError(t, mgr.Bootstrap())
	for i := 0; i < 50; i++ {
		if mgr.IsLeader() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.True(t, mgr.IsLeader(), "manager failed to become leader")
	return mgr
}

func newTestServer(t *testing.T) (*httptest.Server, *manager.Manager) {
	t.Helper()
	mgr := newTestManager(t)
	dist := distributor.New(mgr, types.DefaultKnobs())
	s := NewServer(mgr, dist, types.DefaultKnobs())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.dispatcher.Run(ctx)

	ts := httptest.NewServer(s.mux)
	t.Cleanup(ts.Close)
	return ts, mgr
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestHandleHaltDisablesDistributor(t *testing.T) {
	ts, mgr := newTestServer(t)
	require.NoError(t, mgr.SaveMode(types.ModeEnabled))

	resp := postJSON(t, ts, "/control/halt", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	mode, err := mgr.GetMode()
	require.NoError(t, err)
	assert.Equal(t, types.ModeDisabled, mode)
}

func TestHandleHaltRejectsGet(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/control/halt")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleControlMetricsReportsCounts(t *testing.T) {
	ts, mgr := newTestServer(t)
	require.NoError(t, mgr.PutShard(&types.Shard{Range: types.KeyRange{Begin: []byte("a"), End: []byte("z")}}))

	resp, err := http.Get(ts.URL + "/control/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got controlMetrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 1, got.ShardCount)
	assert.Equal(t, 0, got.MovesInFlight)
	assert.True(t, got.IsLeader)
}

func TestHandleSnapshotDedupesByUID(t *testing.T) {
	ts, _ := newTestServer(t)

	first := postJSON(t, ts, "/control/snapshot", snapshotRequest{UID: "req-1"})
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)
	var firstBody map[string]string
	require.NoError(t, json.NewDecoder(first.Body).Decode(&firstBody))

	second := postJSON(t, ts, "/control/snapshot", snapshotRequest{UID: "req-1"})
	defer second.Body.Close()
	require.Equal(t, http.StatusOK, second.StatusCode)
	var secondBody map[string]string
	require.NoError(t, json.NewDecoder(second.Body).Decode(&secondBody))

	assert.Equal(t, firstBody["status"], secondBody["status"])
}

func TestHandleExclusionCheckUnsafeWithOneTeamRemaining(t *testing.T) {
	ts, mgr := newTestServer(t)
	require.NoError(t, mgr.PutShard(&types.Shard{
		Range:   types.KeyRange{Begin: []byte("a"), End: []byte("m")},
		Primary: types.Team{Servers: []types.StorageServerID{"s1"}},
	}))
	require.NoError(t, mgr.PutShard(&types.Shard{
		Range:   types.KeyRange{Begin: []byte("m"), End: []byte("z")},
		Primary: types.Team{Servers: []types.StorageServerID{"s2"}},
	}))

	resp := postJSON(t, ts, "/control/exclusion-check", exclusionCheckRequest{Servers: []string{"s2"}})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply exclusionCheckReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.False(t, reply.Safe, "only one distinct healthy team remains")
}

func TestHandleExclusionCheckSafeWithTwoTeamsRemaining(t *testing.T) {
	ts, mgr := newTestServer(t)
	require.NoError(t, mgr.PutShard(&types.Shard{
		Range:   types.KeyRange{Begin: []byte("a"), End: []byte("m")},
		Primary: types.Team{Servers: []types.StorageServerID{"s1"}},
	}))
	require.NoError(t, mgr.PutShard(&types.Shard{
		Range:   types.KeyRange{Begin: []byte("m"), End: []byte("z")},
		Primary: types.Team{Servers: []types.StorageServerID{"s2"}},
	}))

	resp := postJSON(t, ts, "/control/exclusion-check", exclusionCheckRequest{Servers: []string{"s3"}})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply exclusionCheckReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.True(t, reply.Safe)
}

func TestHandleAuditTriggerAndCancel(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts, "/control/audit", triggerAuditRequest{
		Type: string(types.AuditReplicaConsistency),
		End:  []byte{0xff},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply triggerAuditReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	require.NotEmpty(t, reply.AuditID)

	cancelResp := postJSON(t, ts, "/control/audit", triggerAuditRequest{
		Type:   string(types.AuditReplicaConsistency),
		ID:     reply.AuditID,
		Cancel: true,
	})
	defer cancelResp.Body.Close()
	assert.Equal(t, http.StatusOK, cancelResp.StatusCode)
}

func TestHandleTenantsOverQuotaReturnsEmptyList(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/control/tenants-over-quota")
	require.NoError(t, err)
	defer resp.Body.Close()

	var overQuota []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&overQuota))
	assert.Empty(t, overQuota)
}

func TestHandleJoinRejectsMissingFields(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts, "/internal/join", joinRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
