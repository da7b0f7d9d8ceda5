// Package types holds the data shapes shared across formicaio's packages:
// the node record, its status machine, metric/earnings history rows, and
// the settings singleton.
package types

import "time"

// Status is a node's lifecycle state.
type Status string

const (
	StatusCreating   Status = "Creating"
	StatusActive     Status = "Active"
	StatusRestarting Status = "Restarting"
	StatusInactive   Status = "Inactive"
	StatusRemoving   Status = "Removing"
)

// InactiveReason qualifies a StatusInactive node.
type InactiveReason string

const (
	InactiveStopped InactiveReason = "Stopped"
	InactiveExited  InactiveReason = "Exited"
	InactiveError   InactiveReason = "Error"
)

// Backend selects which Node Backend variant provisions a node.
type Backend string

const (
	BackendNative    Backend = "native"
	BackendContainer Backend = "container"
)

// Node is the durable identity plus last known observation for one
// supervised P2P storage node.
type Node struct {
	NodeID    string
	PID       int // 0 when not running in native mode
	CreatedAt time.Time
	StatusAt  time.Time // status_changed_at

	PeerID     string
	BinVersion string

	Port        int
	MetricsPort int
	NodeIP      string
	RewardsAddr string
	HomeNetwork bool
	UPnP        bool
	ReachCheck  bool // reachability_check
	NodeLogs    bool
	Network     string // e.g. "evm-arbitrum-one"

	Rewards string // decimal string
	Balance string // decimal string

	Records               string
	RelevantRecords       string
	ConnectedPeers        string
	ConnectedRelayClients string
	KBucketsPeers         string
	ShunnedCount          string
	EstimatedNetworkSize  string

	MemUsed  uint64
	CPUUsage float64

	IPs       string // comma-joined observed bind addresses
	DiskUsage uint64

	Status          Status
	InactiveReason  InactiveReason
	StatusInfo      string // short user-visible explanation
	IsStatusLocked  bool
	IsStatusUnknown bool

	Backend Backend

	// ContainerID is set only when Backend == BackendContainer.
	ContainerID string
}

// DataDir returns the per-node data directory under root; the scheduler's
// disk-usage task measures it.
func (n *Node) DataDir(root string) string {
	return root + "/" + n.NodeID
}

// MetricSample is one (node, timestamp, key, value) observation appended
// to the metrics time series.
type MetricSample struct {
	NodeID string
	TimeMs int64
	Key    string
	Value  string
}

// Earning records one observed balance increment for a rewards address.
type Earning struct {
	Address     string
	Amount      string // decimal string, always >= 0
	BlockNumber uint64
	TimeMs      int64
}

// AgentEvent is one entry in the autonomous agent's audit trail.
type AgentEvent struct {
	ID      int64
	TimeMs  int64
	Kind    string
	NodeID  string
	Message string
	Payload string // JSON-encoded, may be empty
}

// Settings is the process-wide tunable singleton.
type Settings struct {
	NodesAutoUpgrade          bool
	NodesAutoUpgradeDelaySecs int

	NodeBinVersionPollingFreqSecs int
	RewardsBalancesFreqSecs      int
	NodesMetricsPollingFreqSecs  int
	DisksUsageCheckFreqSecs      int
	AutonomousCheckIntervalSecs  int

	L2RPCURL          string
	TokenContractAddr string

	LCDEnabled bool
	LCDDevice  string
	LCDAddr    string

	UIPageSize int
	UIListMode string

	MetricsMaxAgeSecs int
	MetricsMaxCount   int
}

// DefaultSettings returns the values a fresh boot starts with before any
// settings row has been customized.
func DefaultSettings() Settings {
	return Settings{
		NodesAutoUpgrade:              false,
		NodesAutoUpgradeDelaySecs:     10,
		NodeBinVersionPollingFreqSecs: 3600,
		RewardsBalancesFreqSecs:       300,
		NodesMetricsPollingFreqSecs:   5,
		DisksUsageCheckFreqSecs:       60,
		AutonomousCheckIntervalSecs:   0,
		L2RPCURL:                      "",
		TokenContractAddr:             "",
		LCDEnabled:                    false,
		LCDDevice:                     "/dev/i2c-1",
		LCDAddr:                       "0x27",
		UIPageSize:                    10,
		UIListMode:                    "cards",
		MetricsMaxAgeSecs:             7 * 24 * 3600,
		MetricsMaxCount:               5000,
	}
}

// NodeSpec is the creation request for a new node.
type NodeSpec struct {
	Port        int
	MetricsPort int
	NodeIP      string
	RewardsAddr string
	HomeNetwork bool
	UPnP        bool
	ReachCheck  bool
	NodeLogs    bool
	Network     string
	Backend     Backend
}
