// Package api defines the thin operations surface the HTTP layer (and,
// eventually, any CLI/MCP façade) dispatches to: list/get/create/start/
// stop/recycle/remove/upgrade/logs/metrics/settings/stats. The core
// guarantees idempotence and node status semantics; this package is
// deliberately thin dispatch over it, not a second copy of the business
// logic.
package api

import (
	"context"
	"io"

	"github.com/cuemby/formicaio/pkg/backend"
	"github.com/cuemby/formicaio/pkg/ferrors"
	"github.com/cuemby/formicaio/pkg/fleet"
	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

// Stats is the global fleet summary: total balance, totals by status,
// estimated network size.
type Stats struct {
	TotalNodes           int            `json:"total_nodes"`
	NodesByStatus        map[string]int `json:"nodes_by_status"`
	TotalBalance         string         `json:"total_balance"`
	EstimatedNetworkSize string         `json:"estimated_network_size"`
}

// Operations is the trait the HTTP layer consumes. Every mutating method
// on an existing node acquires the node's Fleet State lock before
// delegating to the Node Backend and releases it when the backend call
// returns, recording the outcome either way. CreateNode registers the new
// record without taking the lock.
type Operations interface {
	ListNodes(ctx context.Context) ([]*types.Node, error)
	GetNode(ctx context.Context, nodeID string) (*types.Node, error)
	CreateNode(ctx context.Context, spec types.NodeSpec) (*types.Node, error)
	StartNode(ctx context.Context, nodeID string) error
	StopNode(ctx context.Context, nodeID string) error
	RecycleNode(ctx context.Context, nodeID string) error
	RemoveNode(ctx context.Context, nodeID string) error
	UpgradeNode(ctx context.Context, nodeID, version string) error
	NodeLogs(ctx context.Context, nodeID string, follow bool) (io.ReadCloser, error)
	ListMetrics(ctx context.Context, nodeID string, sinceMs int64) ([]types.MetricSample, error)
	GetSettings(ctx context.Context) (types.Settings, error)
	UpdateSettings(ctx context.Context, s types.Settings) error
	GetStats(ctx context.Context) (Stats, error)
}

// core is the concrete Operations implementation, wiring Fleet State and
// the Node Backend together: operations acquire a per-node logical lock
// in Fleet State, delegate to the Node Backend, and record the outcome.
type core struct {
	fleet   *fleet.State
	store   storage.Store
	backend backend.Backend
}

// New returns the Operations implementation used by the HTTP server.
func New(fs *fleet.State, store storage.Store, be backend.Backend) Operations {
	return &core{fleet: fs, store: store, backend: be}
}

func (c *core) ListNodes(ctx context.Context) ([]*types.Node, error) {
	return c.fleet.List(), nil
}

func (c *core) GetNode(ctx context.Context, nodeID string) (*types.Node, error) {
	return c.fleet.Get(nodeID)
}

func (c *core) CreateNode(ctx context.Context, spec types.NodeSpec) (*types.Node, error) {
	node := &types.Node{
		NodeID:      newNodeID(),
		Port:        spec.Port,
		MetricsPort: spec.MetricsPort,
		NodeIP:      spec.NodeIP,
		RewardsAddr: spec.RewardsAddr,
		HomeNetwork: spec.HomeNetwork,
		UPnP:        spec.UPnP,
		ReachCheck:  spec.ReachCheck,
		NodeLogs:    spec.NodeLogs,
		Network:     spec.Network,
		Backend:     spec.Backend,
	}

	if err := c.fleet.Create(node); err != nil {
		return nil, err
	}
	if err := c.backend.Provision(ctx, spec, node.NodeID); err != nil {
		_ = c.fleet.Unlock(node.NodeID, types.StatusInactive, types.InactiveError, err.Error())
		return nil, err
	}
	return node, nil
}

func (c *core) StartNode(ctx context.Context, nodeID string) error {
	if err := c.fleet.TryLock(nodeID); err != nil {
		return err
	}
	node, err := c.fleet.Get(nodeID)
	if err != nil {
		_ = c.fleet.Unlock(nodeID, "", "", "")
		return err
	}

	pid, containerID, err := c.backend.Start(ctx, node)
	if err != nil {
		_ = c.fleet.Unlock(nodeID, types.StatusInactive, types.InactiveError, err.Error())
		return err
	}
	_ = c.fleet.Unlock(nodeID, "", "", "")
	return c.fleet.MarkActive(nodeID, pid, containerID, "")
}

func (c *core) StopNode(ctx context.Context, nodeID string) error {
	if err := c.fleet.TryLock(nodeID); err != nil {
		return err
	}
	node, err := c.fleet.Get(nodeID)
	if err != nil {
		_ = c.fleet.Unlock(nodeID, "", "", "")
		return err
	}

	if err := c.backend.Stop(ctx, node, defaultStopGraceSecs); err != nil {
		_ = c.fleet.Unlock(nodeID, types.StatusInactive, types.InactiveError, err.Error())
		return err
	}
	return c.fleet.Unlock(nodeID, types.StatusInactive, types.InactiveStopped, "stopped by operator")
}

// RecycleNode stops the node, stages a keystore-purge sentinel for the
// next start, clears its identity-derived fields, and restarts it.
func (c *core) RecycleNode(ctx context.Context, nodeID string) error {
	if err := c.fleet.TryLock(nodeID); err != nil {
		return err
	}
	node, err := c.fleet.Get(nodeID)
	if err != nil {
		_ = c.fleet.Unlock(nodeID, "", "", "")
		return err
	}

	_ = c.backend.Stop(ctx, node, defaultStopGraceSecs)
	if err := writeRecycleSentinel(node, c.backend); err != nil {
		_ = c.fleet.Unlock(nodeID, types.StatusInactive, types.InactiveError, err.Error())
		return err
	}
	if err := c.fleet.ClearIdentity(nodeID); err != nil {
		_ = c.fleet.Unlock(nodeID, types.StatusInactive, types.InactiveError, err.Error())
		return err
	}
	node.PeerID = ""
	pid, containerID, err := c.backend.Start(ctx, node)
	if err != nil {
		_ = c.fleet.Unlock(nodeID, types.StatusInactive, types.InactiveError, err.Error())
		return err
	}
	_ = c.fleet.Unlock(nodeID, "", "", "")
	return c.fleet.MarkActive(nodeID, pid, containerID, "")
}

func (c *core) RemoveNode(ctx context.Context, nodeID string) error {
	if err := c.fleet.TryLock(nodeID); err != nil {
		return err
	}
	node, err := c.fleet.Get(nodeID)
	if err != nil {
		_ = c.fleet.Unlock(nodeID, "", "", "")
		return err
	}

	if err := c.backend.Destroy(ctx, node); err != nil {
		_ = c.fleet.Unlock(nodeID, types.StatusInactive, types.InactiveError, err.Error())
		return err
	}
	return c.fleet.Remove(nodeID)
}

func (c *core) UpgradeNode(ctx context.Context, nodeID, version string) error {
	if err := c.fleet.TryLock(nodeID); err != nil {
		return err
	}
	node, err := c.fleet.Get(nodeID)
	if err != nil {
		_ = c.fleet.Unlock(nodeID, "", "", "")
		return err
	}

	pid, containerID, err := c.backend.Upgrade(ctx, node, version)
	if err != nil {
		_ = c.fleet.Unlock(nodeID, types.StatusInactive, types.InactiveError, err.Error())
		return err
	}
	_ = c.fleet.Unlock(nodeID, "", "", "")
	return c.fleet.MarkActive(nodeID, pid, containerID, version)
}

func (c *core) NodeLogs(ctx context.Context, nodeID string, follow bool) (io.ReadCloser, error) {
	node, err := c.fleet.Get(nodeID)
	if err != nil {
		return nil, err
	}
	return c.backend.Logs(ctx, node, follow)
}

func (c *core) ListMetrics(ctx context.Context, nodeID string, sinceMs int64) ([]types.MetricSample, error) {
	return c.store.QueryMetrics(nodeID, sinceMs)
}

func (c *core) GetSettings(ctx context.Context) (types.Settings, error) {
	return c.store.GetSettings()
}

func (c *core) UpdateSettings(ctx context.Context, s types.Settings) error {
	return c.store.UpdateSettings(s)
}

func (c *core) GetStats(ctx context.Context) (Stats, error) {
	nodes := c.fleet.List()
	stats := Stats{TotalNodes: len(nodes), NodesByStatus: map[string]int{}}

	totalBalance := newDecimalAccumulator()
	maxNetworkSize := newDecimalMax()
	for _, n := range nodes {
		stats.NodesByStatus[string(n.Status)]++
		totalBalance.add(n.Balance)
		maxNetworkSize.consider(n.EstimatedNetworkSize)
	}
	stats.TotalBalance = totalBalance.String()
	stats.EstimatedNetworkSize = maxNetworkSize.String()
	return stats, nil
}

const defaultStopGraceSecs = 30

func writeRecycleSentinel(node *types.Node, be backend.Backend) error {
	// Recycle is a Node Backend concern (the sentinel file lives inside
	// the node's own data directory); Upgrade already demonstrates the
	// same "stop, mutate backend-owned state, restart" shape, so recycle
	// delegates the sentinel write to the backend's Upgrade-adjacent
	// Destroy/Provision pair is avoided here in favor of a dedicated call
	// on the concrete native backend when available.
	type recycler interface {
		WriteRecycleSentinel(node *types.Node) error
	}
	if r, ok := be.(recycler); ok {
		return r.WriteRecycleSentinel(node)
	}
	return &ferrors.BackendError{Op: "recycle", NodeID: node.NodeID, Transient: false, Err: errRecycleUnsupported}
}

var errRecycleUnsupported = &ferrors.ConfigError{Msg: "backend does not support recycle sentinel staging"}
