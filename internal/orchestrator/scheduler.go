package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/session"
)

// CreateTask validates and admits a task, then launches its session in the
// background. The returned task is queued; it moves to running once the
// session backend has started it.
func (o *Orchestrator) CreateTask(ctx context.Context, req model.CreateTaskRequest) (model.Task, error) {
	if err := req.Validate(o.cfg.Session.WorkerTypes); err != nil {
		return model.Task{}, err
	}

	// held until the launch goroutine is counted so Shutdown cannot slip
	// between the phase check and wg.Add
	o.admitMu.RLock()
	defer o.admitMu.RUnlock()

	o.mu.Lock()
	state := o.state
	o.mu.Unlock()
	if !state.admitting() {
		return model.Task{}, model.NewError(model.KindUnavailable,
			fmt.Sprintf("not accepting tasks while %s", state.phase()))
	}
	if req.Repository != "" && o.tokens != nil && state.tokenInvalid {
		return model.Task{}, model.NewError(model.KindTokenAcquisitionFailed,
			"no valid installation token; tasks with a repository are rejected until it recovers")
	}

	task, err := o.registry.Admit(model.NewTask(req, o.now()), o.cfg.Limits.Capacity)
	if err != nil {
		return model.Task{}, err
	}
	o.logger.Info("task_admitted",
		zap.String("task_id", task.ID),
		zap.String("worker_type", task.WorkerType),
		zap.String("repository", task.Repository))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.launch(task)
	}()
	return task.Redacted(), nil
}

// launch runs outside every lock: token acquisition and session start may
// block for a long time.
func (o *Orchestrator) launch(task model.Task) {
	ctx := o.runCtx
	log := o.logger.With(zap.String("task_id", task.ID))

	var token string
	if task.NeedsToken() && o.tokens != nil {
		tok, err := o.tokens.Token(ctx)
		if err != nil {
			log.Error("token_unavailable", zap.Error(err))
			o.failStart(task.ID, model.ReasonTokenUnavailable, err)
			return
		}
		token = tok
	}

	if current, err := o.registry.Get(task.ID); err != nil || current.Status != model.StatusQueued {
		log.Debug("launch_skipped", zap.String("status", string(current.Status)))
		return
	}

	sess, err := o.startSession(ctx, task, token)
	o.recordStartResult(err)
	if err != nil {
		log.Error("session_start_failed", zap.Error(err))
		o.failStart(task.ID, model.ReasonSessionStartFailed, err)
		return
	}

	handle := sess.Handle
	running, err := o.registry.Transition(task.ID, model.StatusRunning, func(t *model.Task) {
		t.Session = &handle
	})
	if err != nil {
		// cancelled or shut down while the session was starting
		log.Info("session_orphaned", zap.String("session_id", handle.SessionID), zap.Error(err))
		o.terminate(task.ID, handle)
		return
	}
	if o.heartbeat != nil {
		o.heartbeat.RegisterTask(task.ID)
		// a cancel, timeout or shutdown may have settled the task before it
		// was registered
		if current, err := o.registry.Get(task.ID); err != nil || model.IsTerminal(current.Status) {
			o.heartbeat.UnregisterTask(task.ID)
		}
	}
	log.Info("task_running", zap.String("session_id", handle.SessionID), zap.String("workspace", handle.WorkspacePath))

	o.await(running.ID, sess)
}

func (o *Orchestrator) startSession(ctx context.Context, task model.Task, token string) (s *session.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = model.NewError(model.KindSessionStartFailed, fmt.Sprintf("session backend panicked: %v", r))
		}
	}()
	s, err = o.runner.Start(ctx, session.StartRequest{Task: task, Token: token})
	if err != nil {
		if model.KindOf(err) != model.KindSessionStartFailed {
			err = model.WrapError(model.KindSessionStartFailed, "start session", err)
		}
		return nil, err
	}
	return s, nil
}

// await blocks until the session reports its outcome.
func (o *Orchestrator) await(id string, sess *session.Session) {
	outcome, ok := <-sess.Done
	if !ok {
		outcome = model.Outcome{Error: "session ended without reporting an outcome"}
	}
	if _, err := o.finish(id, outcome); err != nil {
		// already terminal: cancelled, timed out, interrupted or self-reported
		o.logger.Debug("session_outcome_ignored", zap.String("task_id", id), zap.Error(err))
	}
}

func (o *Orchestrator) failStart(id, reason string, cause error) {
	failed, err := o.registry.Transition(id, model.StatusFailed, func(t *model.Task) {
		t.Reason = reason
		t.Error = cause.Error()
	})
	if err != nil {
		o.logger.Debug("fail_start_skipped", zap.String("task_id", id), zap.Error(err))
		return
	}
	o.settle(failed)
}
