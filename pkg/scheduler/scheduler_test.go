package scheduler

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/formicaio/pkg/backend"
	"github.com/cuemby/formicaio/pkg/fleet"
	"github.com/cuemby/formicaio/pkg/metricsfetch"
	"github.com/cuemby/formicaio/pkg/statssink"
	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

// fakeBackend is a minimal backend.Backend test double: callers set
// aliveFn/startErr to script a scenario, everything else is a no-op.
type fakeBackend struct {
	aliveFn     func(nodeID string) bool
	startCalled int
	startErr    error
}

func (f *fakeBackend) Provision(ctx context.Context, spec types.NodeSpec, nodeID string) error { return nil }
func (f *fakeBackend) Start(ctx context.Context, node *types.Node) (int, string, error) {
	f.startCalled++
	if f.startErr != nil {
		return 0, "", f.startErr
	}
	return 999, "", nil
}
func (f *fakeBackend) Stop(ctx context.Context, node *types.Node, grace int) error { return nil }
func (f *fakeBackend) Destroy(ctx context.Context, node *types.Node) error         { return nil }
func (f *fakeBackend) IsAlive(ctx context.Context, node *types.Node) (bool, error) {
	if f.aliveFn != nil {
		return f.aliveFn(node.NodeID), nil
	}
	return true, nil
}
func (f *fakeBackend) Logs(ctx context.Context, node *types.Node, follow bool) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}
func (f *fakeBackend) ResourceUsage(ctx context.Context, node *types.Node) (backend.ResourceUsage, error) {
	return backend.ResourceUsage{}, nil
}
func (f *fakeBackend) Upgrade(ctx context.Context, node *types.Node, version string) (int, string, error) {
	return 999, "", nil
}
func (f *fakeBackend) Close() error                                                        { return nil }

type fakeSink struct {
	pushed []statssink.Summary
}

func (f *fakeSink) Push(s statssink.Summary) error {
	f.pushed = append(f.pushed, s)
	return nil
}

func newTestScheduler(t *testing.T, be backend.Backend) (*Scheduler, *fleet.State, storage.Store) {
	t.Helper()
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs, err := fleet.New(store)
	require.NoError(t, err)
	t.Cleanup(fs.Close)

	s := New(fs, store, be, metricsfetch.New(), nil, statssink.NoopSink{}, t.TempDir())
	return s, fs, store
}

func TestReconcileMarksActiveWhenBackendAliveButFleetThinksInactive(t *testing.T) {
	be := &fakeBackend{aliveFn: func(string) bool { return true }}
	s, fs, _ := newTestScheduler(t, be)

	require.NoError(t, fs.Create(&types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001}))
	require.NoError(t, fs.Unlock("node-a", types.StatusInactive, types.InactiveStopped, "test setup"))

	s.reconcile(context.Background())

	got, err := fs.Get("node-a")
	require.NoError(t, err)
	require.Equal(t, types.StatusActive, got.Status)
}

func TestReconcileMarksInactiveWhenBackendDead(t *testing.T) {
	be := &fakeBackend{aliveFn: func(string) bool { return false }}
	s, fs, _ := newTestScheduler(t, be)

	require.NoError(t, fs.Create(&types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001}))
	require.NoError(t, fs.MarkActive("node-a", 123, "", ""))

	s.reconcile(context.Background())

	got, err := fs.Get("node-a")
	require.NoError(t, err)
	require.Equal(t, types.StatusInactive, got.Status)
	require.Equal(t, types.InactiveExited, got.InactiveReason)
}

func TestReconcileSkipsLockedNodes(t *testing.T) {
	be := &fakeBackend{aliveFn: func(string) bool { return false }}
	s, fs, _ := newTestScheduler(t, be)

	require.NoError(t, fs.Create(&types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001}))
	require.NoError(t, fs.MarkActive("node-a", 123, "", ""))
	require.NoError(t, fs.TryLock("node-a"))

	s.reconcile(context.Background())

	got, err := fs.Get("node-a")
	require.NoError(t, err)
	require.Equal(t, types.StatusActive, got.Status)
}

func TestLCDRefreshOnceSkippedWhenDisabled(t *testing.T) {
	sink := &fakeSink{}
	be := &fakeBackend{}
	s, fs, store := newTestScheduler(t, be)
	s.statsSink = sink

	require.NoError(t, fs.Create(&types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001}))

	set, err := store.GetSettings()
	require.NoError(t, err)
	require.False(t, set.LCDEnabled)

	s.lcdRefreshOnce()
	require.Empty(t, sink.pushed)
}

func TestLCDRefreshOncePushesSummaryWhenEnabled(t *testing.T) {
	sink := &fakeSink{}
	be := &fakeBackend{}
	s, fs, store := newTestScheduler(t, be)
	s.statsSink = sink

	require.NoError(t, fs.Create(&types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001}))
	require.NoError(t, fs.MarkActive("node-a", 1, "", ""))

	set, err := store.GetSettings()
	require.NoError(t, err)
	set.LCDEnabled = true
	require.NoError(t, store.UpdateSettings(set))

	s.lcdRefreshOnce()
	require.Len(t, sink.pushed, 1)
	require.Equal(t, 1, sink.pushed[0].TotalNodes)
	require.Equal(t, 1, sink.pushed[0].ActiveNodes)
}

func TestAgentCycleRestartsUnknownActiveNodes(t *testing.T) {
	be := &fakeBackend{}
	s, fs, store := newTestScheduler(t, be)

	require.NoError(t, fs.Create(&types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001}))
	require.NoError(t, fs.MarkActive("node-a", 1, "", ""))
	require.NoError(t, fs.MarkUnknown("node-a"))

	s.agentCycleOnce()

	require.Equal(t, 1, be.startCalled)
	events, err := store.ListAgentEvents(10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestAgentCycleNoActionWhenHealthy(t *testing.T) {
	be := &fakeBackend{}
	s, fs, store := newTestScheduler(t, be)

	require.NoError(t, fs.Create(&types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001}))
	require.NoError(t, fs.MarkActive("node-a", 1, "", ""))

	s.agentCycleOnce()

	require.Equal(t, 0, be.startCalled)
	events, err := store.ListAgentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestDiskUsageOnceSkipsContainerBackedNodes(t *testing.T) {
	be := &fakeBackend{}
	s, fs, store := newTestScheduler(t, be)

	n := &types.Node{NodeID: "node-a", Port: 5000, MetricsPort: 5001, Backend: types.BackendContainer}
	require.NoError(t, fs.Create(n))
	require.NoError(t, fs.MarkActive("node-a", 0, "container-1", ""))

	s.diskUsageOnce()

	got, err := store.GetNode("node-a")
	require.NoError(t, err)
	require.Equal(t, uint64(0), got.DiskUsage)
}
