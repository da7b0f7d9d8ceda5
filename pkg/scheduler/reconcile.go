package scheduler

import (
	"context"

	"github.com/cuemby/formicaio/pkg/types"
)

// reconcile compares Fleet State to backend truth: the backend is the
// sole owner of "the process/container exists" truth; on disagreement the
// backend wins and the node is marked is_status_unknown until the next
// successful observation.
func (s *Scheduler) reconcile(ctx context.Context) {
	timer := NewTimer()
	defer timer.ObserveDuration(ReconciliationDuration)

	for _, node := range s.fleet.List() {
		if node.Status == types.StatusCreating || node.Status == types.StatusRemoving || node.IsStatusLocked {
			continue // transient states: nothing to reconcile against yet
		}

		alive, err := s.backend.IsAlive(ctx, node)
		if err != nil {
			s.logger.Warn().Str("node_id", node.NodeID).Err(err).Msg("reconcile: is_alive check failed")
			_ = s.fleet.MarkUnknown(node.NodeID)
			continue
		}

		believedActive := node.Status == types.StatusActive || node.Status == types.StatusRestarting
		if alive == believedActive {
			continue
		}

		ReconciliationCorrectionsTotal.Inc()
		s.logger.Info().Str("node_id", node.NodeID).Bool("backend_alive", alive).
			Str("fleet_status", string(node.Status)).Msg("reconcile: correcting Fleet State to match backend")

		if alive {
			_ = s.fleet.MarkActive(node.NodeID, node.PID, node.ContainerID, "")
		} else {
			_ = s.fleet.Unlock(node.NodeID, types.StatusInactive, types.InactiveExited, "backend reports not running")
		}
		_ = s.fleet.MarkUnknown(node.NodeID)
	}
}
