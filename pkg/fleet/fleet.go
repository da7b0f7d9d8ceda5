// Package fleet holds the process-wide, mutex-guarded Fleet State: the
// authoritative in-memory node map, its status state machine, and the
// is_status_locked/is_status_unknown qualifiers.
package fleet

import (
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/formicaio/pkg/ferrors"
	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

// entry is a node record plus transient, non-persisted bookkeeping.
type entry struct {
	node          *types.Node
	pendingAction bool
}

// State is the mutex-guarded node map. Create writes the new record to the
// Store before adding it to the map; every other mutation updates the
// in-memory entry first and then writes it to the Store, returning the
// Store's error without rolling the in-memory change back.
type State struct {
	mu     sync.RWMutex
	nodes  map[string]*entry
	store  storage.Store
	broker *Broker
}

// New loads every persisted node into memory and starts the broker.
func New(store storage.Store) (*State, error) {
	nodes, err := store.ListNodes()
	if err != nil {
		return nil, err
	}
	s := &State{
		nodes:  make(map[string]*entry, len(nodes)),
		store:  store,
		broker: NewBroker(),
	}
	for _, n := range nodes {
		s.nodes[n.NodeID] = &entry{node: n}
	}
	s.broker.Start()
	return s, nil
}

func (s *State) Subscribe() Subscriber    { return s.broker.Subscribe() }
func (s *State) Unsubscribe(sub Subscriber) { s.broker.Unsubscribe(sub) }
func (s *State) Close()                   { s.broker.Stop() }

// Get returns a copy of the node's last known state.
func (s *State) Get(nodeID string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.nodes[nodeID]
	if !ok {
		return nil, &ferrors.NotFoundError{NodeID: nodeID}
	}
	copyNode := *e.node
	return &copyNode, nil
}

// List returns a copy of every node's last known state.
func (s *State) List() []*types.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Node, 0, len(s.nodes))
	for _, e := range s.nodes {
		copyNode := *e.node
		out = append(out, &copyNode)
	}
	return out
}

// Create registers a brand-new node record, persists it, and transitions
// it to Creating.
func (s *State) Create(node *types.Node) error {
	node.Status = types.StatusCreating
	node.CreatedAt = time.Now()
	node.StatusAt = node.CreatedAt

	if err := s.store.UpsertNode(node); err != nil {
		return err
	}

	s.mu.Lock()
	s.nodes[node.NodeID] = &entry{node: node}
	s.mu.Unlock()

	s.broker.Publish(Change{Kind: ChangeCreated, NodeID: node.NodeID})
	return nil
}

// TryLock marks the node as having a mutating operation in flight,
// refusing if one is already locked.
func (s *State) TryLock(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.nodes[nodeID]
	if !ok {
		return &ferrors.NotFoundError{NodeID: nodeID}
	}
	if e.node.IsStatusLocked {
		return &ferrors.ConflictError{Msg: "node " + nodeID + " already has an operation in flight"}
	}
	e.node.IsStatusLocked = true
	e.pendingAction = true
	return s.store.UpsertNode(e.node)
}

// Unlock clears the in-flight flag and applies a terminal status the
// operation has decided on (the zero value "" leaves status untouched).
func (s *State) Unlock(nodeID string, final types.Status, reason types.InactiveReason, info string) error {
	s.mu.Lock()
	e, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return &ferrors.NotFoundError{NodeID: nodeID}
	}
	e.node.IsStatusLocked = false
	e.pendingAction = false
	if final != "" {
		e.node.Status = final
		e.node.InactiveReason = reason
		e.node.StatusInfo = info
		e.node.StatusAt = time.Now()
	}
	node := *e.node
	s.mu.Unlock()

	if err := s.store.UpsertNode(&node); err != nil {
		return err
	}
	s.broker.Publish(Change{Kind: ChangeStatusChanged, NodeID: nodeID})
	return nil
}

// MarkActive transitions to Active on a successful start (or restart,
// recycle, upgrade) and clears is_status_unknown. binVersion is the
// binary/image version now running; pass "" to leave it unchanged.
func (s *State) MarkActive(nodeID string, pid int, containerID, binVersion string) error {
	s.mu.Lock()
	e, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return &ferrors.NotFoundError{NodeID: nodeID}
	}
	e.node.Status = types.StatusActive
	e.node.StatusAt = time.Now()
	e.node.IsStatusUnknown = false
	e.node.PID = pid
	if containerID != "" {
		e.node.ContainerID = containerID
	}
	if binVersion != "" {
		e.node.BinVersion = binVersion
	}
	node := *e.node
	s.mu.Unlock()

	if err := s.store.UpsertNode(&node); err != nil {
		return err
	}
	s.broker.Publish(Change{Kind: ChangeStatusChanged, NodeID: nodeID})
	return nil
}

// ClearIdentity wipes the peer id and every identity-derived counter,
// used by recycle once the keystore purge has been staged: the node will
// re-announce a fresh peer id and rebuild its counters from zero on next
// scrape.
func (s *State) ClearIdentity(nodeID string) error {
	s.mu.Lock()
	e, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return &ferrors.NotFoundError{NodeID: nodeID}
	}
	e.node.PeerID = ""
	e.node.Records = ""
	e.node.RelevantRecords = ""
	e.node.ConnectedPeers = ""
	e.node.ConnectedRelayClients = ""
	e.node.KBucketsPeers = ""
	e.node.ShunnedCount = ""
	e.node.EstimatedNetworkSize = ""
	node := *e.node
	s.mu.Unlock()

	if err := s.store.UpsertNode(&node); err != nil {
		return err
	}
	s.broker.Publish(Change{Kind: ChangeStatusChanged, NodeID: nodeID})
	return nil
}

// ApplyMetrics updates a node's latest-known metric fields — values are
// written to Fleet State as the latest-only view, separately from
// whatever time series the caller appends to the Store — and clears
// is_status_unknown on success.
func (s *State) ApplyMetrics(nodeID string, values map[string]string) error {
	s.mu.Lock()
	e, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return &ferrors.NotFoundError{NodeID: nodeID}
	}
	applyMetricFields(e.node, values)
	e.node.IsStatusUnknown = false
	node := *e.node
	s.mu.Unlock()

	if err := s.store.UpsertNode(&node); err != nil {
		return err
	}
	s.broker.Publish(Change{Kind: ChangeMetricsUpdated, NodeID: nodeID})
	return nil
}

func applyMetricFields(n *types.Node, values map[string]string) {
	for key, v := range values {
		switch key {
		case "mem_used":
			n.MemUsed = parseUint(v)
		case "cpu_usage":
			n.CPUUsage = parseFloat(v)
		case "records":
			n.Records = v
		case "relevant_records":
			n.RelevantRecords = v
		case "connected_peers":
			n.ConnectedPeers = v
		case "connected_relay_clients":
			n.ConnectedRelayClients = v
		case "kbuckets_peers":
			n.KBucketsPeers = v
		case "shunned_count":
			n.ShunnedCount = v
		case "estimated_network_size":
			n.EstimatedNetworkSize = v
		case "reward_wallet_balance":
			n.Rewards = v
		case "balance":
			n.Balance = v
		case "disk_usage":
			n.DiskUsage = parseUint(v)
		}
	}
}

// MarkUnknown flags a node's last observation as failed or disagreeing
// with the backend, leaving prior values intact.
func (s *State) MarkUnknown(nodeID string) error {
	s.mu.Lock()
	e, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return &ferrors.NotFoundError{NodeID: nodeID}
	}
	e.node.IsStatusUnknown = true
	node := *e.node
	s.mu.Unlock()

	return s.store.UpsertNode(&node)
}

// Remove transitions to Removing, then, once the caller confirms the
// backend has destroyed resources, deletes the record entirely.
func (s *State) Remove(nodeID string) error {
	s.mu.Lock()
	e, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return &ferrors.NotFoundError{NodeID: nodeID}
	}
	e.node.Status = types.StatusRemoving
	e.node.StatusAt = time.Now()
	node := *e.node
	s.mu.Unlock()

	if err := s.store.UpsertNode(&node); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.nodes, nodeID)
	s.mu.Unlock()

	if err := s.store.DeleteNode(nodeID); err != nil {
		return err
	}
	s.broker.Publish(Change{Kind: ChangeRemoved, NodeID: nodeID})
	return nil
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
