package native

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/formicaio/pkg/backend"
	"github.com/cuemby/formicaio/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestBuildArgsIncludesOptionalFlags(t *testing.T) {
	n := &types.Node{
		Port: 5000, MetricsPort: 5001, HomeNetwork: true, UPnP: true,
		NodeLogs: false, NodeIP: "127.0.0.1", RewardsAddr: "0xabc", Network: "evm-arbitrum-one",
	}
	args := buildArgs(n, "/data/node-a")

	require.Contains(t, args, "--home-network")
	require.Contains(t, args, "--upnp")
	require.Contains(t, args, "--no-log")
	require.Contains(t, args, "--ip")
	require.Contains(t, args, "127.0.0.1")
	require.Contains(t, args, "--rewards-address")
	require.Contains(t, args, "0xabc")
	require.Contains(t, args, "--network")
	require.Contains(t, args, "evm-arbitrum-one")
}

func TestBuildArgsOmitsOptionalFlagsByDefault(t *testing.T) {
	n := &types.Node{Port: 5000, MetricsPort: 5001, NodeLogs: true}
	args := buildArgs(n, "/data/node-a")

	require.NotContains(t, args, "--home-network")
	require.NotContains(t, args, "--upnp")
	require.NotContains(t, args, "--no-log")
}

func TestApplyPendingRecyclePurgesKeystore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "keystore"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keystore", "key.bin"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, backend.RecycleSentinel), nil, 0o644))

	b := New(dir, dir, "node-bin")
	require.NoError(t, b.applyPendingRecycle(dir))

	_, err := os.Stat(filepath.Join(dir, "keystore"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, backend.RecycleSentinel))
	require.True(t, os.IsNotExist(err))
}

func TestApplyPendingRecycleNoopWithoutSentinel(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, dir, "node-bin")
	require.NoError(t, b.applyPendingRecycle(dir))
}

func TestIsAliveFalseForZeroPID(t *testing.T) {
	b := New(t.TempDir(), t.TempDir(), "node-bin")
	alive, err := b.IsAlive(nil, &types.Node{NodeID: "node-a", PID: 0})
	require.NoError(t, err)
	require.False(t, alive)
}
