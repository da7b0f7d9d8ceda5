package fleet

import (
	"testing"
	"time"

	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) (*State, storage.Store) {
	t.Helper()
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s, err := New(store)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, store
}

func TestCreateTransitionsToCreating(t *testing.T) {
	s, _ := newTestState(t)
	n := &types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001, NodeIP: "127.0.0.1"}
	require.NoError(t, s.Create(n))

	got, err := s.Get("node-a")
	require.NoError(t, err)
	require.Equal(t, types.StatusCreating, got.Status)
}

func TestTryLockRefusesWhenAlreadyLocked(t *testing.T) {
	s, _ := newTestState(t)
	require.NoError(t, s.Create(&types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001}))

	require.NoError(t, s.TryLock("node-a"))
	err := s.TryLock("node-a")
	require.Error(t, err)
}

func TestUnlockAppliesFinalStatus(t *testing.T) {
	s, _ := newTestState(t)
	require.NoError(t, s.Create(&types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001}))
	require.NoError(t, s.TryLock("node-a"))

	require.NoError(t, s.Unlock("node-a", types.StatusInactive, types.InactiveStopped, "stopped by user"))

	got, err := s.Get("node-a")
	require.NoError(t, err)
	require.False(t, got.IsStatusLocked)
	require.Equal(t, types.StatusInactive, got.Status)
	require.Equal(t, types.InactiveStopped, got.InactiveReason)
}

func TestMarkActiveClearsUnknown(t *testing.T) {
	s, _ := newTestState(t)
	require.NoError(t, s.Create(&types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001}))
	require.NoError(t, s.MarkUnknown("node-a"))
	require.NoError(t, s.MarkActive("node-a", 123, "", ""))

	got, err := s.Get("node-a")
	require.NoError(t, err)
	require.Equal(t, types.StatusActive, got.Status)
	require.False(t, got.IsStatusUnknown)
	require.Equal(t, 123, got.PID)
}

func TestApplyMetricsUpdatesFieldsAndClearsUnknown(t *testing.T) {
	s, _ := newTestState(t)
	require.NoError(t, s.Create(&types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001}))
	require.NoError(t, s.MarkUnknown("node-a"))

	require.NoError(t, s.ApplyMetrics("node-a", map[string]string{
		"records":         "42",
		"connected_peers": "7",
		"cpu_usage":       "3.5",
	}))

	got, err := s.Get("node-a")
	require.NoError(t, err)
	require.Equal(t, "42", got.Records)
	require.Equal(t, "7", got.ConnectedPeers)
	require.InDelta(t, 3.5, got.CPUUsage, 0.0001)
	require.False(t, got.IsStatusUnknown)
}

func TestRemoveDeletesRecord(t *testing.T) {
	s, _ := newTestState(t)
	require.NoError(t, s.Create(&types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001}))
	require.NoError(t, s.Remove("node-a"))

	_, err := s.Get("node-a")
	require.Error(t, err)
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s, _ := newTestState(t)
	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	require.NoError(t, s.Create(&types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001}))

	select {
	case c := <-sub:
		require.Equal(t, ChangeCreated, c.Kind)
		require.Equal(t, "node-a", c.NodeID)
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
}
