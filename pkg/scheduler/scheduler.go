// Package scheduler runs formicaio's long-lived background tasks: one
// independently cancellable goroutine per task, each on its own ticker
// sourced from the settings singleton, re-read at the start of every
// tick.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/formicaio/pkg/backend"
	"github.com/cuemby/formicaio/pkg/fleet"
	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/metricsfetch"
	"github.com/cuemby/formicaio/pkg/oracle"
	"github.com/cuemby/formicaio/pkg/release"
	"github.com/cuemby/formicaio/pkg/statssink"
	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

// Scheduler owns formicaio's eight long-lived background tasks.
type Scheduler struct {
	fleet     *fleet.State
	store     storage.Store
	backend   backend.Backend
	fetcher   *metricsfetch.Fetcher
	releases  *release.Provider
	statsSink statssink.Sink
	rootDir   string
	logger    zerolog.Logger

	oracleFactory func(rpcURL, tokenAddr string) (*oracle.Client, error)

	// agentUnattended gates the agent-cycle task independently of the
	// settings-driven interval: the CLI's --mcp flag is the only thing
	// that may flip this (cmd/formicaiod), since an MCP façade is the
	// only supervisor that is expected to watch the agent's actions.
	agentUnattended bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// SetAgentUnattended toggles whether the agent-cycle task is allowed to
// run at all, independent of its settings-driven interval. Call before
// Start.
func (s *Scheduler) SetAgentUnattended(enabled bool) {
	s.agentUnattended = enabled
}

// New returns a Scheduler wired to its dependencies. statsSink may be
// statssink.NoopSink{} when LCD output is disabled. rootDir is the native
// backend's per-node data root (config.Config.NodeMgrRootDir), used only
// to compute disk usage.
func New(st *fleet.State, store storage.Store, be backend.Backend, fetcher *metricsfetch.Fetcher, releases *release.Provider, sink statssink.Sink, rootDir string) *Scheduler {
	return &Scheduler{
		fleet:         st,
		store:         store,
		backend:       be,
		fetcher:       fetcher,
		releases:      releases,
		statsSink:     sink,
		rootDir:       rootDir,
		logger:        log.WithComponent("scheduler"),
		oracleFactory: oracle.New,
	}
}

// Start launches every task goroutine on a context derived from ctx; Stop
// cancels that context and waits for the tasks to return.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	tasks := []struct {
		name string
		run  func(context.Context)
	}{
		{"metrics_poll", s.runMetricsPoll},
		{"version_check", s.runVersionCheck},
		{"balance_poll", s.runBalancePoll},
		{"disk_usage", s.runDiskUsage},
		{"reconciliation", s.runReconciliation},
		{"auto_upgrade", s.runAutoUpgrade},
		{"lcd_refresh", s.runLCDRefresh},
		{"agent_cycle", s.runAgentCycle},
	}

	for _, t := range tasks {
		s.wg.Add(1)
		go func(name string, run func(context.Context)) {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("panic", r).Str("task", name).Msg("scheduler task panicked, not restarted")
				}
			}()
			run(ctx)
		}(t.name, t.run)
	}
}

// Stop cancels every task and waits for them to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) settings() types.Settings {
	set, err := s.store.GetSettings()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read settings, using defaults")
		return types.DefaultSettings()
	}
	return set
}

// tick runs fn immediately, then re-reads periodSecs from settings before
// each subsequent wait, so a settings change takes effect at the start of
// the next cycle.
func tick(ctx context.Context, periodSecs func() int, fn func(context.Context)) {
	for {
		fn(ctx)
		period := periodSecs()
		if period <= 0 {
			period = 60
		}
		select {
		case <-time.After(time.Duration(period) * time.Second):
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) runMetricsPoll(ctx context.Context) {
	tick(ctx, func() int { return s.settings().NodesMetricsPollingFreqSecs }, func(ctx context.Context) {
		s.metricsPollOnce(ctx)
	})
}

func (s *Scheduler) metricsPollOnce(ctx context.Context) {
	timer := NewTimer()
	defer timer.ObserveDuration(MetricsScrapeDuration)

	var active []*types.Node
	for _, n := range s.fleet.List() {
		if n.Status == types.StatusActive {
			active = append(active, n)
		}
	}
	if len(active) == 0 {
		return
	}

	nowMs := time.Now().UnixMilli()
	for _, r := range s.fetcher.ScrapeAll(ctx, active) {
		if r.Err != nil {
			MetricsScrapeFailuresTotal.Inc()
			s.logger.Debug().Str("node_id", r.NodeID).Err(r.Err).Msg("metrics scrape failed")
			_ = s.fleet.MarkUnknown(r.NodeID)
			continue
		}
		values := make(map[string]string, len(r.Samples))
		for _, sample := range r.Samples {
			values[sample.Key] = sample.Value
			_ = s.store.AppendMetric(types.MetricSample{NodeID: r.NodeID, TimeMs: nowMs, Key: sample.Key, Value: sample.Value})
		}
		_ = s.fleet.ApplyMetrics(r.NodeID, values)

		set := s.settings()
		_ = s.store.TrimMetrics(r.NodeID, set.MetricsMaxAgeSecs, set.MetricsMaxCount)
	}
}

func (s *Scheduler) runVersionCheck(ctx context.Context) {
	tick(ctx, func() int { return s.settings().NodeBinVersionPollingFreqSecs }, func(ctx context.Context) {
		if s.releases == nil {
			return
		}
		if _, err := s.releases.Latest(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("version check: catalog fetch failed")
		}
	})
}

func (s *Scheduler) runBalancePoll(ctx context.Context) {
	tick(ctx, func() int { return s.settings().RewardsBalancesFreqSecs }, func(ctx context.Context) {
		s.balancePollOnce(ctx)
	})
}

func (s *Scheduler) balancePollOnce(ctx context.Context) {
	timer := NewTimer()
	defer timer.ObserveDuration(BalancePollDuration)

	set := s.settings()
	if set.L2RPCURL == "" || set.TokenContractAddr == "" {
		return
	}

	client, err := s.oracleFactory(set.L2RPCURL, set.TokenContractAddr)
	if err != nil {
		s.logger.Debug().Err(err).Msg("balance poll: misconfigured oracle")
		return
	}

	addrToNodeIDs := map[string][]string{}
	for _, n := range s.fleet.List() {
		if n.RewardsAddr == "" {
			continue
		}
		addrToNodeIDs[n.RewardsAddr] = append(addrToNodeIDs[n.RewardsAddr], n.NodeID)
	}
	if len(addrToNodeIDs) == 0 {
		return
	}

	oracle.Poll(ctx, client, s.fleet, s.store, addrToNodeIDs, time.Now().UnixMilli())
}

func (s *Scheduler) runDiskUsage(ctx context.Context) {
	tick(ctx, func() int { return s.settings().DisksUsageCheckFreqSecs }, func(ctx context.Context) {
		s.diskUsageOnce()
	})
}

func (s *Scheduler) runReconciliation(ctx context.Context) {
	tick(ctx, func() int {
		period := s.settings().NodesMetricsPollingFreqSecs
		if period <= 0 || period > 30 {
			period = 30
		}
		return period
	}, func(ctx context.Context) {
		s.reconcile(ctx)
	})
}

func (s *Scheduler) runAutoUpgrade(ctx context.Context) {
	tick(ctx, func() int { return 30 }, func(ctx context.Context) {
		s.autoUpgradeOnce(ctx)
	})
}

func (s *Scheduler) runLCDRefresh(ctx context.Context) {
	tick(ctx, func() int { return 1 }, func(ctx context.Context) {
		s.lcdRefreshOnce()
	})
}

func (s *Scheduler) runAgentCycle(ctx context.Context) {
	for {
		set := s.settings()
		if !s.agentUnattended || set.AutonomousCheckIntervalSecs <= 0 {
			select {
			case <-time.After(10 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		s.agentCycleOnce()
		select {
		case <-time.After(time.Duration(set.AutonomousCheckIntervalSecs) * time.Second):
		case <-ctx.Done():
			return
		}
	}
}
