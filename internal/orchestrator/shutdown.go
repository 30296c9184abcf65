package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/model"
)

// Shutdown stops admissions and timers, gives active tasks the grace period,
// interrupts survivors, flushes deliveries and persists the final snapshot.
// It is idempotent; ctx bounds the whole sequence.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.shutdown.Do(func() {
		var prior lifecycle
		o.admitMu.Lock()
		o.updatePhase(func(s *phaseState) {
			prior = s.stage
			s.stage = lifecycleShuttingDown
		})
		o.admitMu.Unlock()
		o.logger.Info("shutdown_started")
		if prior != lifecycleServing {
			// never recovered: the snapshot on disk is left untouched
			o.runCancel()
			o.logger.Info("shutdown_complete", zap.Int("delivered", 0))
			return
		}

		o.timeouts.Stop()
		if o.heartbeat != nil {
			o.heartbeat.Stop()
		}
		if o.tokens != nil {
			o.tokens.Stop()
		}
		o.webhooks.Stop()

		o.waitForActive(ctx, time.Duration(o.cfg.Daemon.GracePeriodSec)*time.Second)
		o.interruptSurvivors(ctx)
		o.runCancel()
		o.waitWorkers(ctx)

		flushTimeout := time.Duration(o.cfg.Daemon.DeliveryFlushTimeoutSec) * time.Second
		if flushTimeout <= 0 {
			flushTimeout = 5 * time.Second
		}
		flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
		delivered := o.webhooks.Flush(flushCtx)
		cancel()

		if err := o.store.Flush(); err != nil {
			o.logger.Error("final_persist_failed", zap.Error(err))
		}
		o.logger.Info("shutdown_complete", zap.Int("delivered", delivered))
	})
}

func (o *Orchestrator) waitForActive(ctx context.Context, grace time.Duration) {
	if o.registry.ActiveCount() == 0 || grace <= 0 {
		return
	}
	o.logger.Info("waiting_for_active_tasks",
		zap.Int("active", o.registry.ActiveCount()),
		zap.Duration("grace", grace))

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-poll.C:
			if o.registry.ActiveCount() == 0 {
				return
			}
		}
	}
}

func (o *Orchestrator) interruptSurvivors(ctx context.Context) {
	for _, t := range o.registry.List() {
		var (
			updated model.Task
			err     error
		)
		switch t.Status {
		case model.StatusRunning:
			updated, err = o.registry.Transition(t.ID, model.StatusInterrupted, func(t *model.Task) {
				t.Reason = model.ReasonShutdown
				t.Error = "conductor shut down before the task finished"
			})
		case model.StatusQueued:
			updated, err = o.registry.Transition(t.ID, model.StatusCancelled, func(t *model.Task) {
				t.Reason = model.ReasonShutdown
				t.Error = "conductor shut down before the task started"
			})
		default:
			continue
		}
		if err != nil {
			o.logger.Debug("shutdown_transition_skipped", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		o.logger.Warn("task_interrupted_by_shutdown", zap.String("task_id", t.ID), zap.String("status", string(updated.Status)))
		o.settle(updated)
		// the task may have started after it was listed
		if updated.Session != nil {
			o.terminateAsync(t.ID, *updated.Session)
		}
	}
}

// waitWorkers waits for launch, await and terminate goroutines.
func (o *Orchestrator) waitWorkers(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("shutdown_workers_timeout")
	}
}
