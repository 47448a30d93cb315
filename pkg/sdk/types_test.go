package sdk

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPoolStatsMatchesServerWireShape guards against reintroducing json tags
// on PoolStats/PoolSnapshot: the server marshals pool.Stats directly with no
// tags, so the field names here must match Go's default (capitalized) JSON
// encoding exactly.
func TestPoolStatsMatchesServerWireShape(t *testing.T) {
	wire := `{"Normal":{"PoolSize":4,"BusyCount":1,"IdleCount":3,"QueueLength":0,"ActiveTemporary":0,"MaxQueueSize":100,"Pressure":0},"Generator":{"PoolSize":1,"BusyCount":0,"IdleCount":1,"QueueLength":0,"ActiveTemporary":0,"MaxQueueSize":100,"Pressure":0}}`

	var stats PoolStats
	require.NoError(t, json.Unmarshal([]byte(wire), &stats))
	assert.Equal(t, 4, stats.Normal.PoolSize)
	assert.Equal(t, 1, stats.Normal.BusyCount)
	assert.Equal(t, 1, stats.Generator.PoolSize)
}

func TestMetricsSnapshotMatchesServerWireShape(t *testing.T) {
	wire := `{"TasksExecuted":10,"TasksFailed":1,"Retries":2,"AffinityHits":5,"AffinityMisses":1,"TemporaryWorkersCreated":0,"ActiveTemporaryWorkers":0,"CoalescedCount":3,"UniqueCount":7,"TakenAt":"2026-01-01T00:00:00Z"}`

	var snap MetricsSnapshot
	require.NoError(t, json.Unmarshal([]byte(wire), &snap))
	assert.EqualValues(t, 10, snap.TasksExecuted)
	assert.EqualValues(t, 3, snap.CoalescedCount)
}

func TestExecuteRequestOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(ExecuteRequest{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}
