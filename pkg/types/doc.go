/*
Package types defines the core data structures shared across formicaio.

This package contains the fundamental types that represent formicaio's
domain model: the supervised node record, its status machine, the
time-series observations collected about it, and the process-wide
settings singleton. These types are used by every other package for
state management, persistence, and the HTTP surface.

# Core Types

Node Identity and Lifecycle:
  - Node: a supervised P2P storage node's durable identity plus its last
    known observation (peer id, binary version, status, metrics).
  - Status: Creating, Active, Restarting, Inactive, Removing.
  - InactiveReason: Stopped, Exited, Error — qualifies Status Inactive.
  - Backend: Native or Container — which Node Backend variant runs a node.

Creation:
  - NodeSpec: the fields a caller supplies to create a new node (port,
    metrics port, rewards address, network selector, backend choice).

Observations:
  - MetricSample: one (node, timestamp, key, value) row appended to the
    metrics time series (peer counts, resource usage, record counts).
  - Earning: one observed balance increment for a rewards address.
  - AgentEvent: one entry in the autonomous agent's audit trail.

Configuration:
  - Settings: the tunable singleton covering polling frequencies,
    auto-upgrade, the balance oracle's RPC endpoint, LCD output, and
    metrics retention bounds. DefaultSettings returns its zero-config
    defaults.

# Usage

Creating a node record from a NodeSpec:

	spec := types.NodeSpec{
		Port:        12000,
		MetricsPort: 13000,
		RewardsAddr: "0xabc...",
		Network:     "evm-arbitrum-one",
		Backend:     types.BackendNative,
	}

	node := &types.Node{
		NodeID:  newNodeID(),
		Port:    spec.Port,
		Network: spec.Network,
		Backend: spec.Backend,
		Status:  types.StatusCreating,
	}

Recording a metrics scrape:

	sample := types.MetricSample{
		NodeID: node.NodeID,
		TimeMs: time.Now().UnixMilli(),
		Key:    "connected_peers",
		Value:  "42",
	}
*/
package types
