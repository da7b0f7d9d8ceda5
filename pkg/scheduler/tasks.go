package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/formicaio/pkg/release"
	"github.com/cuemby/formicaio/pkg/statssink"
	"github.com/cuemby/formicaio/pkg/types"
)

// diskUsageOnce refreshes each native-backed node's data-directory size.
// Nodes whose Backend is anything other than native are skipped, and their
// disk usage is not measured.
func (s *Scheduler) diskUsageOnce() {
	for _, n := range s.fleet.List() {
		if n.Backend != types.BackendNative {
			continue
		}
		if n.Status != types.StatusActive && n.Status != types.StatusRestarting {
			continue
		}
		size, err := dirSize(n.DataDir(s.rootDir))
		if err != nil {
			s.logger.Debug().Str("node_id", n.NodeID).Err(err).Msg("disk usage: stat failed")
			continue
		}
		if err := s.fleet.ApplyMetrics(n.NodeID, map[string]string{"disk_usage": strconv.FormatUint(size, 10)}); err != nil {
			s.logger.Debug().Str("node_id", n.NodeID).Err(err).Msg("disk usage: fleet update failed")
		}
	}
}

func dirSize(root string) (uint64, error) {
	var total uint64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total, err
}

// autoUpgradeOnce drains any nodes whose bin_version lags the latest
// staged release, one at a time with the configured inter-node delay.
// Gated on settings.NodesAutoUpgrade.
func (s *Scheduler) autoUpgradeOnce(ctx context.Context) {
	set := s.settings()
	if !set.NodesAutoUpgrade || s.releases == nil {
		return
	}

	latest, err := s.releases.Latest(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("auto-upgrade: catalog unavailable")
		return
	}

	for _, n := range s.fleet.List() {
		if n.IsStatusLocked || n.Status != types.StatusActive {
			continue
		}
		if !s.releasesIsNewer(n.BinVersion, latest.LatestVersion) {
			continue
		}
		if err := s.releases.EnsureStaged(ctx, latest.LatestVersion, latest.DownloadURL); err != nil {
			s.logger.Warn().Str("node_id", n.NodeID).Err(err).Msg("auto-upgrade: staging failed")
			continue
		}
		if err := s.fleet.TryLock(n.NodeID); err != nil {
			continue
		}
		pid, containerID, err := s.backend.Upgrade(ctx, n, latest.LatestVersion)
		if err != nil {
			_ = s.fleet.Unlock(n.NodeID, types.StatusInactive, types.InactiveError, err.Error())
			s.logger.Warn().Str("node_id", n.NodeID).Err(err).Msg("auto-upgrade: upgrade failed")
			continue
		}
		UpgradesAppliedTotal.Inc()
		_ = s.fleet.Unlock(n.NodeID, "", "", "")
		_ = s.fleet.MarkActive(n.NodeID, pid, containerID, latest.LatestVersion)

		select {
		case <-time.After(time.Duration(set.NodesAutoUpgradeDelaySecs) * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) releasesIsNewer(current, candidate string) bool {
	if current == "" {
		return candidate != ""
	}
	return release.IsNewer(current, candidate)
}

// lcdRefreshOnce pushes a fleet-wide summary to the configured stats
// sink, a no-op unless settings.LCDEnabled.
func (s *Scheduler) lcdRefreshOnce() {
	set := s.settings()
	if !set.LCDEnabled || s.statsSink == nil {
		return
	}

	nodes := s.fleet.List()
	summary := statssink.Summary{TotalNodes: len(nodes)}
	for _, n := range nodes {
		switch n.Status {
		case types.StatusActive, types.StatusRestarting:
			summary.ActiveNodes++
		case types.StatusInactive:
			summary.InactiveNodes++
		}
	}
	if err := s.statsSink.Push(summary); err != nil {
		s.logger.Debug().Err(err).Msg("lcd refresh: push failed")
	}
}

// agentCycleOnce runs one bounded iteration of the autonomous agent: a
// fixed tool subset over the current fleet, with each outcome recorded to
// the agent_events audit trail. The decision logic
// itself is a placeholder rule rather than a model call, but it still
// exercises the same listNodes/restartNode/recordNote tool surface a real
// agent loop would use.
func (s *Scheduler) agentCycleOnce() {
	nodes := s.listNodesTool()

	var unhealthy []*types.Node
	for _, n := range nodes {
		if n.IsStatusUnknown && n.Status == types.StatusActive {
			unhealthy = append(unhealthy, n)
		}
	}
	if len(unhealthy) == 0 {
		s.recordNoteTool("", "agent cycle: fleet healthy, no action taken")
		return
	}

	for _, n := range unhealthy {
		if err := s.restartNodeTool(n.NodeID); err != nil {
			s.recordNoteTool(n.NodeID, "agent cycle: restart attempt failed: "+err.Error())
			continue
		}
		s.recordNoteTool(n.NodeID, "agent cycle: restarted node reporting unknown status while marked Active")
	}
}

func (s *Scheduler) listNodesTool() []*types.Node { return s.fleet.List() }

func (s *Scheduler) restartNodeTool(nodeID string) error {
	node, err := s.fleet.Get(nodeID)
	if err != nil {
		return err
	}
	if err := s.fleet.TryLock(nodeID); err != nil {
		return err
	}
	ctx := context.Background()
	_ = s.backend.Stop(ctx, node, 10)
	pid, containerID, err := s.backend.Start(ctx, node)
	if err != nil {
		_ = s.fleet.Unlock(nodeID, types.StatusInactive, types.InactiveError, err.Error())
		return err
	}
	_ = s.fleet.Unlock(nodeID, "", "", "")
	return s.fleet.MarkActive(nodeID, pid, containerID, "")
}

func (s *Scheduler) recordNoteTool(nodeID, message string) {
	payload, _ := json.Marshal(map[string]string{"source": "agent_cycle"})
	_ = s.store.AppendAgentEvent(types.AgentEvent{
		TimeMs:  time.Now().UnixMilli(),
		Kind:    "note",
		NodeID:  nodeID,
		Message: message,
		Payload: string(payload),
	})
}
