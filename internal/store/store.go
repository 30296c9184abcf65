// Package store persists the orchestrator snapshot. The store keeps the
// last successfully written state in memory so each mirror owner (registry,
// token manager, webhook dispatcher) can replace its own field and have the
// whole document rewritten atomically. A failed write leaves that state as it
// was.
package store

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/msageha/conductor/internal/atomicfile"
	"github.com/msageha/conductor/internal/model"
)

type Store struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	state model.OrchestratorState
}

func New(path string) *Store {
	return &Store{
		path:  path,
		now:   time.Now,
		state: model.NewOrchestratorState(),
	}
}

func (s *Store) Path() string { return s.path }

// Load reads the snapshot. found is false on first boot (no file). A file
// that cannot be decoded yields a STATE_CORRUPT error; the caller must not
// start in that case.
func (s *Store) Load() (model.OrchestratorState, bool, error) {
	var st model.OrchestratorState
	err := atomicfile.ReadJSON(s.path, &st)
	if errors.Is(err, atomicfile.ErrNotExist) {
		s.mu.Lock()
		s.state = model.NewOrchestratorState()
		s.mu.Unlock()
		return model.NewOrchestratorState(), false, nil
	}
	if err != nil {
		var corrupt *atomicfile.CorruptError
		if errors.As(err, &corrupt) {
			return model.OrchestratorState{}, false, model.WrapError(model.KindStateCorrupt, s.corruptHint(), err)
		}
		return model.OrchestratorState{}, false, fmt.Errorf("load state: %w", err)
	}
	if err := validate(&st); err != nil {
		return model.OrchestratorState{}, false, model.WrapError(model.KindStateCorrupt, s.corruptHint(), err)
	}

	s.mu.Lock()
	s.state = cloneState(st)
	s.mu.Unlock()
	return st, true, nil
}

func (s *Store) corruptHint() string {
	hint := fmt.Sprintf("state file %s cannot be parsed; refusing to start", s.path)
	if _, err := os.Stat(atomicfile.BackupPath(s.path)); err == nil {
		hint += fmt.Sprintf(" (previous snapshot at %s; inspect it and restore manually)", atomicfile.BackupPath(s.path))
	}
	return hint
}

// Save replaces the whole snapshot.
func (s *Store) Save(st model.OrchestratorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = cloneState(st)
	if err := s.writeLocked(); err != nil {
		s.state = prev
		return err
	}
	return nil
}

func (s *Store) SaveTasks(tasks map[string]model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state.Tasks
	s.state.Tasks = cloneTasks(tasks)
	if err := s.writeLocked(); err != nil {
		s.state.Tasks = prev
		return err
	}
	return nil
}

func (s *Store) SaveToken(tc *model.TokenCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state.CachedToken
	if tc == nil {
		s.state.CachedToken = nil
	} else {
		c := *tc
		s.state.CachedToken = &c
	}
	if err := s.writeLocked(); err != nil {
		s.state.CachedToken = prev
		return err
	}
	return nil
}

func (s *Store) SaveDeliveries(ds []model.PendingDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state.PendingDeliveries
	s.state.PendingDeliveries = append([]model.PendingDelivery{}, ds...)
	if err := s.writeLocked(); err != nil {
		s.state.PendingDeliveries = prev
		return err
	}
	return nil
}

// Flush rewrites the current in-memory snapshot.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked()
}

// Snapshot returns a copy of the last state handed to the store.
func (s *Store) Snapshot() model.OrchestratorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state)
}

func (s *Store) writeLocked() error {
	s.state.SchemaVersion = model.StateSchemaVersion
	s.state.SavedAt = s.now().UTC()
	if s.state.Tasks == nil {
		s.state.Tasks = make(map[string]model.Task)
	}
	if s.state.PendingDeliveries == nil {
		s.state.PendingDeliveries = []model.PendingDelivery{}
	}
	if err := atomicfile.WriteJSON(s.path, s.state); err != nil {
		return fmt.Errorf("save state %s: %w", s.path, err)
	}
	return nil
}

func validate(st *model.OrchestratorState) error {
	if st.SchemaVersion > model.StateSchemaVersion {
		return fmt.Errorf("unsupported schema version %d", st.SchemaVersion)
	}
	if st.Tasks == nil {
		st.Tasks = make(map[string]model.Task)
	}
	for id, t := range st.Tasks {
		if t.ID != id {
			return fmt.Errorf("task key %q does not match taskId %q", id, t.ID)
		}
		if !model.IsKnownStatus(t.Status) {
			return fmt.Errorf("task %s has unknown status %q", id, t.Status)
		}
	}
	if st.PendingDeliveries == nil {
		st.PendingDeliveries = []model.PendingDelivery{}
	}
	return nil
}

func cloneTasks(in map[string]model.Task) map[string]model.Task {
	out := make(map[string]model.Task, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneState(st model.OrchestratorState) model.OrchestratorState {
	out := st
	out.Tasks = cloneTasks(st.Tasks)
	out.PendingDeliveries = append([]model.PendingDelivery{}, st.PendingDeliveries...)
	if st.CachedToken != nil {
		c := *st.CachedToken
		out.CachedToken = &c
	}
	return out
}
