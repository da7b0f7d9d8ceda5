package storage

import (
	"testing"
	"time"

	"github.com/cuemby/formicaio/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleNode(id string, port int) *types.Node {
	now := time.Now()
	return &types.Node{
		NodeID:      id,
		CreatedAt:   now,
		StatusAt:    now,
		Port:        port,
		MetricsPort: port + 1,
		NodeIP:      "127.0.0.1",
		Status:      types.StatusCreating,
		Backend:     types.BackendNative,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.migrate())
	require.NoError(t, s.migrate())

	var count int
	row := s.db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE version = '0001_init.sql'`)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}

func TestUpsertAndGetNode(t *testing.T) {
	s := newTestStore(t)
	n := sampleNode("node-a", 5000)
	require.NoError(t, s.UpsertNode(n))

	got, err := s.GetNode("node-a")
	require.NoError(t, err)
	require.Equal(t, types.StatusCreating, got.Status)
	require.Equal(t, "127.0.0.1", got.NodeIP)

	n.Status = types.StatusActive
	require.NoError(t, s.UpsertNode(n))
	got, err = s.GetNode("node-a")
	require.NoError(t, err)
	require.Equal(t, types.StatusActive, got.Status)
}

func TestGetNodeNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetNode("missing")
	require.Error(t, err)
}

func TestUpsertNodeConflictOnPort(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertNode(sampleNode("node-a", 5000)))
	err := s.UpsertNode(sampleNode("node-b", 5000))
	require.Error(t, err)
}

// TestLegacyStatusLockedReinterpretedAsRestarting covers DESIGN.md Open
// Question decision 1: a persisted Active+locked row is reported as
// Restarting, never as bare Active or Stopped.
func TestLegacyStatusLockedReinterpretedAsRestarting(t *testing.T) {
	s := newTestStore(t)
	n := sampleNode("node-a", 5000)
	n.Status = types.StatusActive
	n.IsStatusLocked = true
	require.NoError(t, s.UpsertNode(n))

	got, err := s.GetNode("node-a")
	require.NoError(t, err)
	require.Equal(t, types.StatusRestarting, got.Status)
}

func TestUnknownLegacyStatusDemotedToInactive(t *testing.T) {
	s := newTestStore(t)
	n := sampleNode("node-a", 5000)
	require.NoError(t, s.UpsertNode(n))

	// simulate a pre-migration value this schema has never produced
	_, err := s.db.Exec(`UPDATE nodes SET status = 'Starting' WHERE node_id = ?`, n.NodeID)
	require.NoError(t, err)

	got, err := s.GetNode("node-a")
	require.NoError(t, err)
	require.Equal(t, types.StatusInactive, got.Status)
	require.Equal(t, types.InactiveStopped, got.InactiveReason)
}

func TestMetricRetentionByCount(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertNode(sampleNode("node-a", 5000)))

	base := nowMs()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendMetric(types.MetricSample{
			NodeID: "node-a", TimeMs: base + int64(i), Key: "records", Value: "1",
		}))
	}
	require.NoError(t, s.TrimMetrics("node-a", 0, 3))

	samples, err := s.QueryMetrics("node-a", 0)
	require.NoError(t, err)
	require.Len(t, samples, 3)
}

func TestMetricRetentionByAge(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertNode(sampleNode("node-a", 5000)))

	old := nowMs() - 1000*3600
	require.NoError(t, s.AppendMetric(types.MetricSample{NodeID: "node-a", TimeMs: old, Key: "records", Value: "1"}))
	require.NoError(t, s.AppendMetric(types.MetricSample{NodeID: "node-a", TimeMs: nowMs(), Key: "records", Value: "2"}))

	require.NoError(t, s.TrimMetrics("node-a", 60, 0))

	samples, err := s.QueryMetrics("node-a", 0)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, "2", samples[0].Value)
}

// TestEarningsDedupOnReorg covers DESIGN.md Open Question decision 3: a
// re-reported earning for a block already recorded must not double-count.
func TestEarningsDedupOnReorg(t *testing.T) {
	s := newTestStore(t)
	addr := "0xabc"
	require.NoError(t, s.AppendEarning(types.Earning{Address: addr, Amount: "100", BlockNumber: 10, TimeMs: nowMs()}))
	require.NoError(t, s.AppendEarning(types.Earning{Address: addr, Amount: "100", BlockNumber: 10, TimeMs: nowMs()}))

	es, err := s.ListEarnings(addr)
	require.NoError(t, err)
	require.Len(t, es, 1)
}

func TestSettingsDefaultsAndUpdate(t *testing.T) {
	s := newTestStore(t)
	set, err := s.GetSettings()
	require.NoError(t, err)
	require.Equal(t, 5, set.NodesMetricsPollingFreqSecs)

	set.NodesAutoUpgrade = true
	set.UIPageSize = 25
	require.NoError(t, s.UpdateSettings(set))

	got, err := s.GetSettings()
	require.NoError(t, err)
	require.True(t, got.NodesAutoUpgrade)
	require.Equal(t, 25, got.UIPageSize)
}

func TestAgentEventsOrderedNewestFirst(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendAgentEvent(types.AgentEvent{TimeMs: nowMs(), Kind: "tick", Message: "x"}))
	}
	events, err := s.ListAgentEvents(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Greater(t, events[0].ID, events[1].ID)
}

func TestDeleteNodeRemovesMetrics(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertNode(sampleNode("node-a", 5000)))
	require.NoError(t, s.AppendMetric(types.MetricSample{NodeID: "node-a", TimeMs: nowMs(), Key: "records", Value: "1"}))

	require.NoError(t, s.DeleteNode("node-a"))
	_, err := s.GetNode("node-a")
	require.Error(t, err)

	samples, err := s.QueryMetrics("node-a", 0)
	require.NoError(t, err)
	require.Len(t, samples, 0)
}
