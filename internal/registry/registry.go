// Package registry owns the in-memory task table. Every mutation is
// validated against the status transition table and written through to the
// snapshot while the registry lock is held, so the file never lags memory.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/conductor/internal/model"
)

// TaskSink persists the full task table.
type TaskSink interface {
	SaveTasks(tasks map[string]model.Task) error
}

// TransitionObserver is told about every status change after it persisted.
type TransitionObserver func(task model.Task, from model.Status)

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithObserver(obs TransitionObserver) Option {
	return func(r *Registry) { r.observer = obs }
}

type Registry struct {
	sink     TaskSink
	now      func() time.Time
	observer TransitionObserver

	mu    sync.Mutex
	tasks map[string]model.Task
}

// New creates an empty registry. A nil sink keeps the registry memory-only.
func New(sink TaskSink, opts ...Option) *Registry {
	r := &Registry{
		sink:  sink,
		now:   time.Now,
		tasks: make(map[string]model.Task),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Restore replaces the table with tasks loaded from a snapshot. It does not
// persist.
func (r *Registry) Restore(tasks map[string]model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]model.Task, len(tasks))
	for id, t := range tasks {
		r.tasks[id] = t
	}
}

// Create inserts a task regardless of capacity.
func (r *Registry) Create(task model.Task) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; ok {
		return model.Task{}, model.NewError(model.KindDuplicate, fmt.Sprintf("task %s already exists", task.ID))
	}
	return r.insertLocked(task)
}

// Admit inserts task as queued if fewer than capacity tasks are queued or
// running. The check and insert are atomic.
func (r *Registry) Admit(task model.Task, capacity int) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; ok {
		return model.Task{}, model.NewError(model.KindDuplicate, fmt.Sprintf("task %s already exists", task.ID))
	}
	if active := r.activeLocked(); active >= capacity {
		return model.Task{}, model.NewError(model.KindCapacityExceeded,
			fmt.Sprintf("capacity %d reached (%d active)", capacity, active))
	}
	task.Status = model.StatusQueued
	return r.insertLocked(task)
}

func (r *Registry) insertLocked(task model.Task) (model.Task, error) {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = r.now().UTC()
	}
	r.tasks[task.ID] = task
	if err := r.persistLocked(); err != nil {
		delete(r.tasks, task.ID)
		return model.Task{}, err
	}
	return task, nil
}

func (r *Registry) Get(id string) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return model.Task{}, model.NewError(model.KindNotFound, fmt.Sprintf("task %s not found", id))
	}
	return t, nil
}

// Transition moves a task to status to. mutate, when non-nil, may set
// fields such as Error or Reason on the copy before it is stored. On a
// persistence failure the previous value is restored and the error returned.
func (r *Registry) Transition(id string, to model.Status, mutate func(*model.Task)) (model.Task, error) {
	r.mu.Lock()
	prev, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return model.Task{}, model.NewError(model.KindNotFound, fmt.Sprintf("task %s not found", id))
	}
	if err := model.ValidateTaskTransition(prev.Status, to); err != nil {
		r.mu.Unlock()
		return prev, fmt.Errorf("task %s: %w", id, err)
	}

	next := prev
	next.Status = to
	now := r.now().UTC()
	if to == model.StatusRunning && next.StartedAt == nil {
		next.StartedAt = &now
	}
	if model.IsTerminal(to) {
		next.CompletedAt = &now
	}
	if mutate != nil {
		mutate(&next)
	}
	r.tasks[id] = next
	if err := r.persistLocked(); err != nil {
		r.tasks[id] = prev
		r.mu.Unlock()
		return prev, err
	}
	obs := r.observer
	r.mu.Unlock()

	if obs != nil {
		obs(next, prev.Status)
	}
	return next, nil
}

// Update applies mutate without a status change, e.g. to attach a session
// handle. The status field is preserved.
func (r *Registry) Update(id string, mutate func(*model.Task)) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.tasks[id]
	if !ok {
		return model.Task{}, model.NewError(model.KindNotFound, fmt.Sprintf("task %s not found", id))
	}
	next := prev
	mutate(&next)
	next.Status = prev.Status
	r.tasks[id] = next
	if err := r.persistLocked(); err != nil {
		r.tasks[id] = prev
		return prev, err
	}
	return next, nil
}

// MarkNotified records that the terminal webhook for id was acknowledged.
func (r *Registry) MarkNotified(id string) error {
	_, err := r.Update(id, func(t *model.Task) { t.Notified = true })
	return err
}

// MarkDeadLettered records that delivery for id was abandoned so recovery
// does not queue it again.
func (r *Registry) MarkDeadLettered(id string) error {
	_, err := r.Update(id, func(t *model.Task) { t.DeadLettered = true })
	return err
}

// RunningCount returns the number of running tasks.
func (r *Registry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked(model.StatusRunning)
}

// ActiveCount returns queued plus running tasks, the figure admission
// compares against capacity.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() int {
	return r.countLocked(model.StatusQueued) + r.countLocked(model.StatusRunning)
}

func (r *Registry) countLocked(s model.Status) int {
	n := 0
	for _, t := range r.tasks {
		if t.Status == s {
			n++
		}
	}
	return n
}

// List returns all tasks ordered by creation time, then ID.
func (r *Registry) List() []model.Task {
	r.mu.Lock()
	out := make([]model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListByStatus returns tasks with the given status in List order.
func (r *Registry) ListByStatus(s model.Status) []model.Task {
	var out []model.Task
	for _, t := range r.List() {
		if t.Status == s {
			out = append(out, t)
		}
	}
	return out
}

func (r *Registry) persistLocked() error {
	if r.sink == nil {
		return nil
	}
	snapshot := make(map[string]model.Task, len(r.tasks))
	for id, t := range r.tasks {
		snapshot[id] = t
	}
	if err := r.sink.SaveTasks(snapshot); err != nil {
		return fmt.Errorf("persist tasks: %w", err)
	}
	return nil
}
