// Package backend defines the polymorphic Node Backend capability set: a
// uniform operation set implemented by the native (os/exec) and container
// (containerd) variants. Exactly one backend instance exists per fleet; it
// is the sole owner of "the process/container exists" truth.
package backend

import (
	"context"
	"io"

	"github.com/cuemby/formicaio/pkg/types"
)

// Backend is satisfied by both pkg/backend/native and
// pkg/backend/container. All operations are keyed by node id and must be
// safe to call concurrently for distinct ids.
type Backend interface {
	// Provision creates whatever resources the node needs before it can
	// run (data directory, or container+mounts+env+ports) without
	// starting it.
	Provision(ctx context.Context, spec types.NodeSpec, nodeID string) error

	// Start spawns the process/container and returns the observed PID
	// (native) or container id (container). Honors a pending recycle
	// sentinel by purging the keystore first.
	Start(ctx context.Context, node *types.Node) (pid int, containerID string, err error)

	// Stop requests termination, escalating to a forced kill after
	// grace elapses.
	Stop(ctx context.Context, node *types.Node, grace int) error

	// Destroy stops (if running) and removes all backing resources.
	// Idempotent: a missing resource is treated as success.
	Destroy(ctx context.Context, node *types.Node) error

	// IsAlive reports whether the backend still considers the node
	// running, independent of what Fleet State currently believes.
	IsAlive(ctx context.Context, node *types.Node) (bool, error)

	// Logs returns a reader over the node's log output. If follow is
	// true the reader blocks for new output until ctx is canceled.
	Logs(ctx context.Context, node *types.Node, follow bool) (io.ReadCloser, error)

	// ResourceUsage reports current CPU/memory consumption.
	ResourceUsage(ctx context.Context, node *types.Node) (ResourceUsage, error)

	// Upgrade swaps the binary/image reference to version then restarts
	// the node, returning the new PID (native) or container id
	// (container) of the restarted instance.
	Upgrade(ctx context.Context, node *types.Node, version string) (pid int, containerID string, err error)

	// Close releases any held runtime connection.
	Close() error
}

// ResourceUsage is the normalized result of resource_usage across both
// backend variants.
type ResourceUsage struct {
	CPUPercent float64
	MemBytes   uint64
}

// RecycleSentinel is the name of the file signaling "purge keystore on
// next start" inside a node's data directory.
const RecycleSentinel = "secret-key-recycle"
