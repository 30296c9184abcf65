package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/model"
)

// RecoveryReport summarises what Start reconciled from the snapshot.
type RecoveryReport struct {
	Found       bool
	Tasks       int
	Interrupted []string
	Cancelled   []string
	Requeued    []string // terminal, un-notified tasks whose delivery was missing and not dead-lettered
}

// Start loads the snapshot, reconciles tasks left behind by a previous
// process and starts the background loops. A corrupt snapshot aborts start.
func (o *Orchestrator) Start(ctx context.Context) (RecoveryReport, error) {
	o.updatePhase(func(s *phaseState) { s.stage = lifecycleRecovering })

	report, err := o.recover()
	if err != nil {
		return report, err
	}

	if o.tokens != nil {
		o.tokens.Start()
	}
	o.timeouts.Start()
	if o.heartbeat != nil {
		o.heartbeat.Start()
	}
	o.webhooks.Start()

	o.updatePhase(func(s *phaseState) {
		if s.stage == lifecycleRecovering {
			s.stage = lifecycleServing
		}
	})
	o.logger.Info("orchestrator_ready",
		zap.Int("tasks", report.Tasks),
		zap.Int("interrupted", len(report.Interrupted)),
		zap.Int("cancelled", len(report.Cancelled)),
		zap.Int("requeued", len(report.Requeued)),
		zap.Int("capacity", o.cfg.Limits.Capacity))
	return report, nil
}

func (o *Orchestrator) recover() (RecoveryReport, error) {
	st, found, err := o.store.Load()
	if err != nil {
		o.logger.Error("state_load_failed", zap.String("path", o.store.Path()), zap.Error(err))
		return RecoveryReport{}, err
	}
	report := RecoveryReport{Found: found, Tasks: len(st.Tasks)}

	o.registry.Restore(st.Tasks)
	if o.tokens != nil {
		o.tokens.Restore(st.CachedToken)
	}
	o.webhooks.Restore(st.PendingDeliveries)

	for _, t := range o.registry.List() {
		switch {
		case t.Status == model.StatusRunning:
			updated, err := o.registry.Transition(t.ID, model.StatusInterrupted, func(t *model.Task) {
				t.Reason = model.ReasonRecoveredStale
				t.Error = "conductor restarted while the task was running"
			})
			if err != nil {
				return report, fmt.Errorf("interrupt stale task %s: %w", t.ID, err)
			}
			o.enqueue(updated)
			report.Interrupted = append(report.Interrupted, t.ID)
		case t.Status == model.StatusQueued:
			updated, err := o.registry.Transition(t.ID, model.StatusCancelled, func(t *model.Task) {
				t.Reason = model.ReasonRecoveredUnstarted
				t.Error = "conductor restarted before the task started"
			})
			if err != nil {
				return report, fmt.Errorf("cancel unstarted task %s: %w", t.ID, err)
			}
			o.enqueue(updated)
			report.Cancelled = append(report.Cancelled, t.ID)
		case model.IsTerminal(t.Status) && !t.Notified && !t.DeadLettered && !o.webhooks.Has(t.ID, t.Status):
			o.enqueue(t)
			report.Requeued = append(report.Requeued, t.ID)
		}
	}

	if err := o.store.Flush(); err != nil {
		return report, fmt.Errorf("persist recovered state: %w", err)
	}
	for _, id := range report.Interrupted {
		o.logger.Warn("task_recovered_interrupted", zap.String("task_id", id))
	}
	return report, nil
}

func (o *Orchestrator) enqueue(t model.Task) {
	if _, err := o.webhooks.Enqueue(t); err != nil {
		o.logger.Error("enqueue_delivery_failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}
