// Package container implements the containerd-backed Node Backend
// variant: each node runs as one container, one task, in a dedicated
// containerd namespace.
package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	statsv1 "github.com/containerd/cgroups/stats/v1"
	statsv2 "github.com/containerd/cgroups/v2/stats"
	"github.com/containerd/containerd"
	containerdtypes "github.com/containerd/containerd/api/types"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/typeurl/v2"

	"github.com/cuemby/formicaio/pkg/backend"
	"github.com/cuemby/formicaio/pkg/ferrors"
	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/types"
)

// Namespace isolates formicaio's containers from any other containerd
// tenant on the host (DOCKER_SOCKET_PATH notwithstanding, the engine
// behind it is containerd).
const Namespace = "formicaio"

// Backend provisions and supervises nodes as containerd containers.
type Backend struct {
	client    *containerd.Client
	namespace string
	image     string // "<name>:<tag>", shared by every node; Upgrade replaces the tag
	logsDir   string
}

// New connects to containerd over socketPath and prepares to run
// image:tag containers. Task logs are captured under
// rootDir/container-logs/<node_id>.log.
func New(socketPath, imageName, imageTag, rootDir string) (*Backend, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, &ferrors.BackendError{Op: "connect containerd", Transient: true, Err: err}
	}
	logsDir := filepath.Join(rootDir, "container-logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, &ferrors.BackendError{Op: "create container log dir", Transient: false, Err: err}
	}
	return &Backend{client: client, namespace: Namespace, image: imageName + ":" + imageTag, logsDir: logsDir}, nil
}

func (b *Backend) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, b.namespace)
}

// logPath is where the task's stdout/stderr is captured, mirroring the
// native backend's per-node log file layout.
func (b *Backend) logPath(nodeID string) string {
	return filepath.Join(b.logsDir, nodeID+".log")
}

// Provision pulls the node image so Start does not pay the pull cost.
func (b *Backend) Provision(ctx context.Context, _ types.NodeSpec, nodeID string) error {
	ctx = b.ctx(ctx)
	if _, err := b.client.Pull(ctx, b.image, containerd.WithPullUnpack); err != nil {
		return &ferrors.BackendError{Op: "provision: pull " + b.image, NodeID: nodeID, Transient: true, Err: err}
	}
	return nil
}

func envFor(node *types.Node) []string {
	env := []string{
		fmt.Sprintf("PORT=%d", node.Port),
		fmt.Sprintf("METRICS_PORT=%d", node.MetricsPort),
		fmt.Sprintf("REWARDS_ADDRESS=%s", node.RewardsAddr),
		fmt.Sprintf("NETWORK=%s", node.Network),
	}
	if node.HomeNetwork {
		env = append(env, "HOME_NETWORK=1")
	}
	if node.UPnP {
		env = append(env, "UPNP=1")
	}
	return env
}

// Start creates (or reuses) the node's container and starts its task,
// returning the task PID as an informational value and the container id
// as the durable handle.
func (b *Backend) Start(rawCtx context.Context, node *types.Node) (int, string, error) {
	ctx := b.ctx(rawCtx)
	containerID := "formicaio-" + node.NodeID

	image, err := b.client.GetImage(ctx, b.image)
	if err != nil {
		return 0, "", &ferrors.BackendError{Op: "start: get image", NodeID: node.NodeID, Transient: true, Err: err}
	}

	ctr, err := b.client.LoadContainer(ctx, containerID)
	if err != nil {
		opts := []oci.SpecOpts{
			oci.WithImageConfig(image),
			oci.WithEnv(envFor(node)),
		}
		ctr, err = b.client.NewContainer(
			ctx, containerID,
			containerd.WithImage(image),
			containerd.WithNewSnapshot(containerID+"-snapshot", image),
			containerd.WithNewSpec(opts...),
		)
		if err != nil {
			return 0, "", &ferrors.BackendError{Op: "start: create container", NodeID: node.NodeID, Transient: true, Err: err}
		}
	}

	task, err := ctr.NewTask(ctx, cio.LogFile(b.logPath(node.NodeID)))
	if err != nil {
		return 0, "", &ferrors.BackendError{Op: "start: create task", NodeID: node.NodeID, Transient: true, Err: err}
	}
	if err := task.Start(ctx); err != nil {
		return 0, "", &ferrors.BackendError{Op: "start: start task", NodeID: node.NodeID, Transient: true, Err: err}
	}

	return int(task.Pid()), containerID, nil
}

// Stop sends SIGTERM to the task, waits up to grace seconds, then
// escalates to SIGKILL.
func (b *Backend) Stop(rawCtx context.Context, node *types.Node, grace int) error {
	ctx := b.ctx(rawCtx)
	if node.ContainerID == "" {
		return nil
	}
	ctr, err := b.client.LoadContainer(ctx, node.ContainerID)
	if err != nil {
		return nil
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil // no task: already stopped
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Duration(grace)*time.Second)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return &ferrors.BackendError{Op: "stop: sigterm", NodeID: node.NodeID, Transient: true, Err: err}
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return &ferrors.BackendError{Op: "stop: wait", NodeID: node.NodeID, Transient: true, Err: err}
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return &ferrors.BackendError{Op: "stop: sigkill", NodeID: node.NodeID, Transient: true, Err: err}
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		log.WithNodeID(node.NodeID).Debug().Err(err).Msg("task delete after stop failed")
	}
	return nil
}

// Destroy stops the task, then removes the container and its snapshot.
// Best-effort idempotent: a missing container is success.
func (b *Backend) Destroy(ctx context.Context, node *types.Node) error {
	if err := b.Stop(ctx, node, 10); err != nil {
		log.WithNodeID(node.NodeID).Warn().Err(err).Msg("stop before destroy failed, continuing")
	}
	if node.ContainerID == "" {
		return nil
	}
	ctr, err := b.client.LoadContainer(b.ctx(ctx), node.ContainerID)
	if err != nil {
		return nil
	}
	if err := ctr.Delete(b.ctx(ctx), containerd.WithSnapshotCleanup); err != nil {
		return &ferrors.BackendError{Op: "destroy", NodeID: node.NodeID, Transient: false, Err: err}
	}
	return nil
}

func (b *Backend) IsAlive(rawCtx context.Context, node *types.Node) (bool, error) {
	if node.ContainerID == "" {
		return false, nil
	}
	ctx := b.ctx(rawCtx)
	ctr, err := b.client.LoadContainer(ctx, node.ContainerID)
	if err != nil {
		return false, nil
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return false, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false, &ferrors.ObservationError{Source: "is_alive", NodeID: node.NodeID, Err: err}
	}
	return status.Status == containerd.Running, nil
}

// Logs opens the task's captured stdout/stderr file, written by the
// cio.LogFile handler attached at task creation. follow tails new writes
// the same way the native backend's followReader does.
func (b *Backend) Logs(ctx context.Context, node *types.Node, follow bool) (io.ReadCloser, error) {
	path := b.logPath(node.NodeID)
	f, err := os.Open(path)
	if err != nil {
		return nil, &ferrors.BackendError{Op: "logs", NodeID: node.NodeID, Transient: false, Err: err}
	}
	if !follow {
		return f, nil
	}
	return &followReader{f: f, ctx: ctx}, nil
}

// ResourceUsage queries the task's cgroup metrics endpoint and decodes the
// typeurl.Any payload, which is either a v1 (cgroups.Metrics) or v2
// (cgroupsv2 stats) protobuf message depending on the host's cgroup mode.
func (b *Backend) ResourceUsage(rawCtx context.Context, node *types.Node) (backend.ResourceUsage, error) {
	if node.ContainerID == "" {
		return backend.ResourceUsage{}, nil
	}
	ctx := b.ctx(rawCtx)
	ctr, err := b.client.LoadContainer(ctx, node.ContainerID)
	if err != nil {
		return backend.ResourceUsage{}, &ferrors.ObservationError{Source: "resource_usage", NodeID: node.NodeID, Err: err}
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return backend.ResourceUsage{}, &ferrors.ObservationError{Source: "resource_usage", NodeID: node.NodeID, Err: err}
	}
	metric, err := task.Metrics(ctx)
	if err != nil {
		return backend.ResourceUsage{}, &ferrors.ObservationError{Source: "resource_usage", NodeID: node.NodeID, Err: err}
	}
	return decodeMetrics(metric)
}

func decodeMetrics(metric *containerdtypes.Metric) (backend.ResourceUsage, error) {
	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return backend.ResourceUsage{}, err
	}
	switch v := data.(type) {
	case *statsv1.Metrics:
		if v.CPU == nil || v.Memory == nil {
			return backend.ResourceUsage{}, nil
		}
		cpuPercent := float64(0)
		if v.CPU.Usage != nil {
			cpuPercent = float64(v.CPU.Usage.Total) / float64(time.Second) * 100
		}
		memBytes := uint64(0)
		if v.Memory.Usage != nil {
			memBytes = v.Memory.Usage.Usage
		}
		return backend.ResourceUsage{CPUPercent: cpuPercent, MemBytes: memBytes}, nil
	case *statsv2.Metrics:
		if v.CPU == nil || v.Memory == nil {
			return backend.ResourceUsage{}, nil
		}
		cpuPercent := float64(v.CPU.UsageUsec) / float64(time.Second/time.Microsecond) * 100
		return backend.ResourceUsage{CPUPercent: cpuPercent, MemBytes: v.Memory.Usage}, nil
	default:
		return backend.ResourceUsage{}, fmt.Errorf("unrecognized cgroup metrics type %T", v)
	}
}

// Upgrade repoints the image tag, recreates the container, and restarts
// it, returning the new container's task PID and container id.
func (b *Backend) Upgrade(ctx context.Context, node *types.Node, versionTag string) (int, string, error) {
	if err := b.Destroy(ctx, node); err != nil {
		return 0, "", err
	}
	name := b.image[:indexOfColon(b.image)]
	b.image = name + ":" + versionTag
	if err := b.Provision(ctx, types.NodeSpec{}, node.NodeID); err != nil {
		return 0, "", err
	}
	node.ContainerID = ""
	pid, cid, err := b.Start(ctx, node)
	if err != nil {
		return 0, "", err
	}
	node.PID = pid
	node.ContainerID = cid
	return pid, cid, nil
}

func indexOfColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return len(s)
}

func (b *Backend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}
