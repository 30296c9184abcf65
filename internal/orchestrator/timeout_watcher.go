package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/model"
)

// SweepTimeouts interrupts every running task older than the task timeout.
// Only the sweep that wins the transition terminates the session, so a task
// is terminated at most once.
func (o *Orchestrator) SweepTimeouts(ctx context.Context) {
	if o.Phase() == PhaseShuttingDown {
		return
	}
	limit := time.Duration(o.cfg.Limits.TaskTimeoutMs) * time.Millisecond
	if limit <= 0 {
		return
	}
	now := o.now()
	for _, t := range o.registry.ListByStatus(model.StatusRunning) {
		if ctx.Err() != nil {
			return
		}
		if t.StartedAt == nil || now.Sub(*t.StartedAt) <= limit {
			continue
		}
		elapsed := now.Sub(*t.StartedAt).Round(time.Second)
		updated, err := o.registry.Transition(t.ID, model.StatusInterrupted, func(t *model.Task) {
			t.Reason = model.ReasonTimeout
			t.Error = fmt.Sprintf("task exceeded timeout of %s (ran %s)", limit, elapsed)
		})
		if err != nil {
			o.logger.Debug("timeout_transition_skipped", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		o.logger.Warn("task_timed_out", zap.String("task_id", t.ID), zap.Duration("elapsed", elapsed))
		o.settle(updated)
		if updated.Session != nil {
			o.terminateAsync(t.ID, *updated.Session)
		}
	}
}
