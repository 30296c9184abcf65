// Package orchestrator owns the task lifecycle: admission against the
// capacity ceiling, session launch, timeouts, cancellation, crash recovery
// and graceful shutdown. One Orchestrator is built per process and passed to
// the HTTP and control-socket front ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/registry"
	"github.com/msageha/conductor/internal/session"
	"github.com/msageha/conductor/internal/store"
	"github.com/msageha/conductor/internal/ticker"
)

// TokenSource is the installation token provider.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Valid() bool
	ExpiresAt() *time.Time
	Restore(tc *model.TokenCache)
	OnValidityChange(fn func(valid bool))
	Start()
	Stop()
}

// Heartbeater tracks live task IDs for the downstream liveness report.
type Heartbeater interface {
	RegisterTask(id string)
	UnregisterTask(id string)
	Start()
	Stop()
}

// Notifier queues and delivers terminal-status webhooks.
type Notifier interface {
	Enqueue(task model.Task) (bool, error)
	Has(taskID string, status model.Status) bool
	Restore(ds []model.PendingDelivery)
	Start()
	Stop()
	Flush(ctx context.Context) int
}

type Deps struct {
	Config    model.Config
	Store     *store.Store
	Registry  *registry.Registry
	Runner    session.Runner
	Tokens    TokenSource // nil when no token authority is configured
	Heartbeat Heartbeater // nil when heartbeats are disabled
	Webhooks  Notifier
	Logger    *zap.Logger
	Now       func() time.Time
	// TickerOptions are applied to the timeout watcher loop.
	TickerOptions []ticker.Option
}

type Orchestrator struct {
	cfg       model.Config
	store     *store.Store
	registry  *registry.Registry
	runner    session.Runner
	tokens    TokenSource
	heartbeat Heartbeater
	webhooks  Notifier
	logger    *zap.Logger
	now       func() time.Time

	timeouts *ticker.Loop

	// runCtx is cancelled once shutdown has interrupted survivors; it bounds
	// in-flight launches.
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	shutdown  sync.Once

	// admitMu is read-held by CreateTask and write-held while Shutdown
	// leaves the serving stage.
	admitMu sync.RWMutex

	mu            sync.Mutex
	state         phaseState
	startFailures int
}

func New(d Deps) (*Orchestrator, error) {
	if d.Store == nil || d.Registry == nil || d.Runner == nil || d.Webhooks == nil {
		return nil, errors.New("orchestrator: store, registry, runner and webhooks are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       d.Config,
		store:     d.Store,
		registry:  d.Registry,
		runner:    d.Runner,
		tokens:    d.Tokens,
		heartbeat: d.Heartbeat,
		webhooks:  d.Webhooks,
		logger:    d.Logger,
		now:       d.Now,
		runCtx:    ctx,
		runCancel: cancel,
	}

	interval := time.Duration(d.Config.Watcher.TimeoutScanIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	o.timeouts = ticker.New("timeout_watcher", interval, o.SweepTimeouts, d.Logger, d.TickerOptions...)

	if o.tokens != nil {
		o.tokens.OnValidityChange(o.setTokenValid)
	}
	return o, nil
}

// Phase returns the current controller phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.phase()
}

// updatePhase applies fn to the phase state and logs the change, if any.
func (o *Orchestrator) updatePhase(fn func(*phaseState)) {
	o.mu.Lock()
	before := o.state.phase()
	fn(&o.state)
	after := o.state.phase()
	o.mu.Unlock()
	if before != after {
		o.logger.Info("phase_changed", zap.String("from", string(before)), zap.String("to", string(after)))
	}
}

func (o *Orchestrator) setTokenValid(valid bool) {
	o.updatePhase(func(s *phaseState) { s.tokenInvalid = !valid })
	if !valid {
		o.logger.Warn("token_invalid")
	}
}

func (o *Orchestrator) recordStartResult(err error) {
	threshold := o.cfg.Health.DegradedAfterFailures
	o.updatePhase(func(s *phaseState) {
		if err == nil {
			o.startFailures = 0
			s.degraded = false
			return
		}
		o.startFailures++
		if threshold > 0 && o.startFailures >= threshold {
			s.degraded = true
		}
	})
}

// Health is the body of GET /health.
type Health struct {
	Status               Phase      `json:"status"`
	Capacity             int        `json:"capacity"`
	Running              int        `json:"running"`
	Queued               int        `json:"queued"`
	Available            int        `json:"available"`
	GitHubTokenExpiresAt *time.Time `json:"githubTokenExpiresAt"`
}

func (o *Orchestrator) Health() Health {
	running := o.registry.RunningCount()
	active := o.registry.ActiveCount()
	capacity := o.cfg.Limits.Capacity
	available := capacity - active
	if available < 0 {
		available = 0
	}
	h := Health{
		Status:    o.Phase(),
		Capacity:  capacity,
		Running:   running,
		Queued:    active - running,
		Available: available,
	}
	if o.tokens != nil {
		h.GitHubTokenExpiresAt = o.tokens.ExpiresAt()
	}
	return h
}

// GetTask returns a task with its secret redacted.
func (o *Orchestrator) GetTask(id string) (model.Task, error) {
	t, err := o.registry.Get(id)
	if err != nil {
		return model.Task{}, err
	}
	return t.Redacted(), nil
}

// ListTasks returns all tasks, optionally filtered by status, redacted.
func (o *Orchestrator) ListTasks(status model.Status) []model.Task {
	var src []model.Task
	if status == "" {
		src = o.registry.List()
	} else {
		src = o.registry.ListByStatus(status)
	}
	out := make([]model.Task, 0, len(src))
	for _, t := range src {
		out = append(out, t.Redacted())
	}
	return out
}

// CancelTask cancels a queued or running task. The registry is updated first;
// terminating a running session happens in the background and its failure
// is only logged.
func (o *Orchestrator) CancelTask(ctx context.Context, id string) (model.Task, error) {
	updated, err := o.registry.Transition(id, model.StatusCancelled, func(t *model.Task) {
		t.Reason = model.ReasonCancelRequested
	})
	if err != nil {
		if model.KindOf(err) == model.KindInvalidTransition {
			return updated.Redacted(), model.NewError(model.KindInvalidTransition,
				fmt.Sprintf("task %s is already %s", id, updated.Status))
		}
		return model.Task{}, err
	}
	// a session handle is only attached by the move to running
	started := updated.Session != nil
	o.logger.Info("task_cancelled", zap.String("task_id", id), zap.Bool("session_started", started))
	o.settle(updated)
	if started {
		o.terminateAsync(id, *updated.Session)
	}
	return updated.Redacted(), nil
}

// CompleteTask applies a session's own report of its outcome.
func (o *Orchestrator) CompleteTask(id string, outcome model.Outcome) (model.Task, error) {
	t, err := o.finish(id, outcome)
	if err != nil {
		return model.Task{}, err
	}
	return t.Redacted(), nil
}

// finish moves a running task to completed or failed.
func (o *Orchestrator) finish(id string, outcome model.Outcome) (model.Task, error) {
	to := model.StatusFailed
	reason := model.ReasonSessionFailed
	if outcome.Success {
		to = model.StatusCompleted
		reason = model.ReasonSessionCompleted
	}
	updated, err := o.registry.Transition(id, to, func(t *model.Task) {
		t.Reason = reason
		t.ResultURL = outcome.ResultURL
		t.Summary = outcome.Summary
		if !outcome.Success {
			t.Error = outcome.Error
		}
	})
	if err != nil {
		return model.Task{}, err
	}
	o.logger.Info("task_finished",
		zap.String("task_id", id),
		zap.String("status", string(to)),
		zap.String("error", outcome.Error))
	o.settle(updated)
	return updated, nil
}

// settle performs the follow-up common to every terminal transition.
func (o *Orchestrator) settle(t model.Task) {
	if o.heartbeat != nil {
		o.heartbeat.UnregisterTask(t.ID)
	}
	if _, err := o.webhooks.Enqueue(t); err != nil {
		o.logger.Error("enqueue_delivery_failed",
			zap.String("task_id", t.ID),
			zap.String("status", string(t.Status)),
			zap.Error(err))
	}
}

func (o *Orchestrator) terminateAsync(id string, handle model.SessionHandle) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.terminate(id, handle)
	}()
}

func (o *Orchestrator) terminate(id string, handle model.SessionHandle) {
	grace := time.Duration(o.cfg.Session.TerminateGraceSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()
	if err := o.runner.Terminate(ctx, handle); err != nil {
		o.logger.Warn("session_terminate_failed",
			zap.String("task_id", id),
			zap.String("session_id", handle.SessionID),
			zap.Error(err))
		return
	}
	o.logger.Debug("session_terminated", zap.String("task_id", id), zap.String("session_id", handle.SessionID))
}
