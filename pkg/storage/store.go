package storage

import "github.com/cuemby/formicaio/pkg/types"

// Store is formicaio's persistence contract. Every write is
// transactional; reads may be snapshot-consistent.
type Store interface {
	UpsertNode(node *types.Node) error
	DeleteNode(nodeID string) error
	GetNode(nodeID string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)

	AppendMetric(sample types.MetricSample) error
	TrimMetrics(nodeID string, maxAge int, maxCount int) error
	QueryMetrics(nodeID string, sinceMs int64) ([]types.MetricSample, error)

	AppendEarning(e types.Earning) error
	ListEarnings(address string) ([]types.Earning, error)

	GetSettings() (types.Settings, error)
	UpdateSettings(s types.Settings) error

	AppendAgentEvent(e types.AgentEvent) error
	ListAgentEvents(limit int) ([]types.AgentEvent, error)

	Close() error
}
