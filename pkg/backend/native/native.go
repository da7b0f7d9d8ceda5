// Package native implements the os/exec-based Node Backend variant: each
// node is a plain OS process under $NODE_MGR_ROOT_DIR/<node_id>/.
package native

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/cuemby/formicaio/pkg/backend"
	"github.com/cuemby/formicaio/pkg/ferrors"
	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/types"
)

// Backend provisions and supervises nodes as plain OS processes. Binaries
// are resolved per-version under releasesDir/<version>/<binName>, the
// layout pkg/release stages downloads into, so distinct nodes can run
// distinct versions side by side.
type Backend struct {
	rootDir     string
	releasesDir string
	binName     string
}

// New returns a native Backend rooted at rootDir, resolving binaries named
// binName from releasesDir/<version>/.
func New(rootDir, releasesDir, binName string) *Backend {
	return &Backend{rootDir: rootDir, releasesDir: releasesDir, binName: binName}
}

func (b *Backend) dataDir(nodeID string) string {
	return filepath.Join(b.rootDir, nodeID)
}

func (b *Backend) binPath(version string) string {
	return filepath.Join(b.releasesDir, version, b.binName)
}

func (b *Backend) Provision(_ context.Context, _ types.NodeSpec, nodeID string) error {
	dir := b.dataDir(nodeID)
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return &ferrors.BackendError{Op: "provision", NodeID: nodeID, Transient: false, Err: err}
	}
	if err := os.MkdirAll(filepath.Join(dir, "bootstrap_cache"), 0o755); err != nil {
		return &ferrors.BackendError{Op: "provision", NodeID: nodeID, Transient: false, Err: err}
	}
	return nil
}

// Start purges the keystore if a recycle sentinel is present, assembles
// argv from the node record, then spawns the binary, sending its
// stdout/stderr to the node's log file when node_logs is set.
func (b *Backend) Start(ctx context.Context, node *types.Node) (int, string, error) {
	dir := b.dataDir(node.NodeID)
	if err := b.applyPendingRecycle(dir); err != nil {
		return 0, "", &ferrors.BackendError{Op: "start: recycle", NodeID: node.NodeID, Transient: false, Err: err}
	}

	args := buildArgs(node, dir)
	cmd := exec.Command(b.binPath(node.BinVersion), args...)

	logFile, err := os.OpenFile(filepath.Join(dir, "logs", "node.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, "", &ferrors.BackendError{Op: "start: open log", NodeID: node.NodeID, Transient: true, Err: err}
	}
	defer logFile.Close()

	if node.NodeLogs {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	// detach so the daemon's own context cancellation does not kill the node
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, "", &ferrors.BackendError{Op: "start: spawn", NodeID: node.NodeID, Transient: true, Err: err}
	}

	pid := cmd.Process.Pid
	go func() {
		if err := cmd.Wait(); err != nil {
			log.WithNodeID(node.NodeID).Debug().Err(err).Msg("native process exited")
		}
	}()

	return pid, "", nil
}

func buildArgs(node *types.Node, dataDir string) []string {
	args := []string{
		"--port", itoa(node.Port),
		"--metrics-port", itoa(node.MetricsPort),
		"--root-dir", dataDir,
		"--bootstrap-cache-dir", filepath.Join(dataDir, "bootstrap_cache"),
	}
	if node.HomeNetwork {
		args = append(args, "--home-network")
	}
	if node.UPnP {
		args = append(args, "--upnp")
	}
	if !node.NodeLogs {
		args = append(args, "--no-log")
	}
	if node.NodeIP != "" {
		args = append(args, "--ip", node.NodeIP)
	}
	if node.RewardsAddr != "" {
		args = append(args, "--rewards-address", node.RewardsAddr)
	}
	if node.Network != "" {
		args = append(args, "--network", node.Network)
	}
	return args
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

// WriteRecycleSentinel stages the recycle sentinel so the next Start
// purges the keystore before relaunching.
// Exposed as an optional capability (via a type assertion in pkg/api)
// rather than added to the Backend interface, since the container backend
// has no equivalent staged-file mechanism.
func (b *Backend) WriteRecycleSentinel(node *types.Node) error {
	dir := b.dataDir(node.NodeID)
	return os.WriteFile(filepath.Join(dir, backend.RecycleSentinel), nil, 0o644)
}

// applyPendingRecycle purges the keystore directory when the recycle
// sentinel is present, then removes the sentinel.
func (b *Backend) applyPendingRecycle(dataDir string) error {
	sentinel := filepath.Join(dataDir, backend.RecycleSentinel)
	if _, err := os.Stat(sentinel); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(dataDir, "keystore")); err != nil {
		return err
	}
	return os.Remove(sentinel)
}

// Stop sends SIGTERM, then escalates to SIGKILL after grace seconds, the
// same two-stage shutdown the containerd backend uses for tasks, built on
// os.Process.Signal since there is no runtime underneath a native process.
func (b *Backend) Stop(ctx context.Context, node *types.Node, grace int) error {
	if node.PID == 0 {
		return nil
	}
	proc, err := os.FindProcess(node.PID)
	if err != nil {
		return nil // no such process: already stopped
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return nil // ESRCH etc: already gone
	}

	done := make(chan struct{})
	go func() {
		for {
			if !pidAlive(node.PID) {
				close(done)
				return
			}
			time.Sleep(200 * time.Millisecond)
		}
	}()

	stopCtx, cancel := context.WithTimeout(ctx, time.Duration(grace)*time.Second)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-stopCtx.Done():
		if err := proc.Signal(syscall.SIGKILL); err != nil {
			return &ferrors.BackendError{Op: "stop: force kill", NodeID: node.NodeID, Transient: true, Err: err}
		}
		return nil
	}
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Destroy stops the node then removes its data directory. Best-effort
// idempotent: a missing directory is success.
func (b *Backend) Destroy(ctx context.Context, node *types.Node) error {
	if err := b.Stop(ctx, node, 10); err != nil {
		log.WithNodeID(node.NodeID).Warn().Err(err).Msg("stop before destroy failed, continuing")
	}
	dir := b.dataDir(node.NodeID)
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return &ferrors.BackendError{Op: "destroy", NodeID: node.NodeID, Transient: false, Err: err}
	}
	return nil
}

func (b *Backend) IsAlive(_ context.Context, node *types.Node) (bool, error) {
	if node.PID == 0 {
		return false, nil
	}
	return pidAlive(node.PID), nil
}

// Logs tails the node's log file, following new writes when follow is
// true via a small polling reader.
func (b *Backend) Logs(ctx context.Context, node *types.Node, follow bool) (io.ReadCloser, error) {
	path := filepath.Join(b.dataDir(node.NodeID), "logs", "node.log")
	f, err := os.Open(path)
	if err != nil {
		return nil, &ferrors.BackendError{Op: "logs", NodeID: node.NodeID, Transient: false, Err: err}
	}
	if !follow {
		return f, nil
	}
	return &followReader{f: f, ctx: ctx}, nil
}

type followReader struct {
	f   *os.File
	ctx context.Context
	r   *bufio.Reader
}

func (fr *followReader) Read(p []byte) (int, error) {
	if fr.r == nil {
		fr.r = bufio.NewReader(fr.f)
	}
	for {
		n, err := fr.r.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		select {
		case <-fr.ctx.Done():
			return 0, fr.ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (fr *followReader) Close() error { return fr.f.Close() }

// ResourceUsage reads process CPU/memory via gopsutil's per-platform
// process inspection.
func (b *Backend) ResourceUsage(_ context.Context, node *types.Node) (backend.ResourceUsage, error) {
	if node.PID == 0 {
		return backend.ResourceUsage{}, nil
	}
	proc, err := process.NewProcess(int32(node.PID))
	if err != nil {
		return backend.ResourceUsage{}, &ferrors.ObservationError{Source: "resource_usage", NodeID: node.NodeID, Err: err}
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		return backend.ResourceUsage{}, &ferrors.ObservationError{Source: "resource_usage", NodeID: node.NodeID, Err: err}
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return backend.ResourceUsage{}, &ferrors.ObservationError{Source: "resource_usage", NodeID: node.NodeID, Err: err}
	}
	return backend.ResourceUsage{CPUPercent: cpu, MemBytes: mem.RSS}, nil
}

// Upgrade stops the node, points it at the new version's staged binary
// (pkg/release stages downloads under releasesDir/<version>/), then
// starts it again, returning the freshly spawned PID.
func (b *Backend) Upgrade(ctx context.Context, node *types.Node, version string) (int, string, error) {
	if _, err := os.Stat(b.binPath(version)); err != nil {
		return 0, "", &ferrors.BackendError{Op: "upgrade: missing staged binary", NodeID: node.NodeID, Transient: true, Err: err}
	}
	if err := b.Stop(ctx, node, 10); err != nil {
		return 0, "", err
	}
	node.BinVersion = version
	pid, containerID, err := b.Start(ctx, node)
	if err != nil {
		return 0, "", err
	}
	node.PID = pid
	return pid, containerID, nil
}

func (b *Backend) Close() error { return nil }
