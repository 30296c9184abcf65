package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/signing"
	"github.com/msageha/conductor/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type receiver struct {
	srv    *httptest.Server
	status atomic.Int32

	mu      sync.Mutex
	bodies  []string
	headers []http.Header
}

func newReceiver(t *testing.T, status int) *receiver {
	r := &receiver{}
	r.status.Store(int32(status))
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, string(b))
		r.headers = append(r.headers, req.Header.Clone())
		r.mu.Unlock()
		w.WriteHeader(int(r.status.Load()))
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func terminalTask(id, url string) model.Task {
	started := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	done := started.Add(time.Minute)
	return model.Task{
		ID:            id,
		WorkerType:    "auto",
		WebhookURL:    url,
		WebhookSecret: "task-secret",
		Status:        model.StatusCompleted,
		StartedAt:     &started,
		CompletedAt:   &done,
		ResultURL:     "https://github.com/acme/api/pull/7",
		Slug:          "fix-it",
	}
}

func newDispatcher(t *testing.T, cfg Config, c *clock, opts ...Option) (*Dispatcher, *store.Store, *observer.ObservedLogs) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "state.json"))
	core, logs := observer.New(zapcore.DebugLevel)
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return New(cfg, st, zap.New(core), opts...), st, logs
}

func TestEnqueue_IdempotentByTaskAndStatus(t *testing.T) {
	d, st, _ := newDispatcher(t, Config{}, newClock())
	task := terminalTask("t1", "http://example.invalid")

	added, err := d.Enqueue(task)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = d.Enqueue(task)
	require.NoError(t, err)
	assert.False(t, added)

	require.Len(t, d.Pending(), 1)
	assert.True(t, d.Has("t1", model.StatusCompleted))
	assert.Len(t, st.Snapshot().PendingDeliveries, 1)
	_, err = uuid.Parse(d.Pending()[0].ID)
	assert.NoError(t, err)
}

func TestEnqueue_RejectsNonTerminal(t *testing.T) {
	d, _, _ := newDispatcher(t, Config{}, newClock())
	task := terminalTask("t1", "http://x")
	task.Status = model.StatusRunning
	_, err := d.Enqueue(task)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestDrain_SuccessMarksNotifiedThenRemoves(t *testing.T) {
	rcv := newReceiver(t, http.StatusOK)
	var notified []string
	d, st, _ := newDispatcher(t, Config{}, newClock(), WithOnDelivered(func(id string) error {
		notified = append(notified, id)
		return nil
	}))
	_, err := d.Enqueue(terminalTask("t1", rcv.srv.URL))
	require.NoError(t, err)

	assert.Equal(t, 1, d.Drain(context.Background()))
	assert.Equal(t, []string{"t1"}, notified)
	assert.Empty(t, d.Pending())
	assert.Empty(t, st.Snapshot().PendingDeliveries)

	rcv.mu.Lock()
	defer rcv.mu.Unlock()
	body := rcv.bodies[0]
	h := rcv.headers[0]
	assert.Equal(t, signing.Sign("task-secret", []byte(body)), h.Get(signing.HeaderSignature))
	assert.Equal(t, "1", h.Get(HeaderDeliveryAttempt))
	assert.NotEmpty(t, h.Get(HeaderDeliveryID))

	var p map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &p))
	assert.Equal(t, "t1", p["taskId"])
	assert.Equal(t, "completed", p["status"])
	assert.Equal(t, "https://github.com/acme/api/pull/7", p["resultUrl"])
	assert.Equal(t, false, p["resumable"])
}

func TestDrain_FailureSchedulesBackoff(t *testing.T) {
	rcv := newReceiver(t, http.StatusInternalServerError)
	c := newClock()
	d, st, logs := newDispatcher(t, Config{BackoffBase: time.Second, BackoffFactor: 2, BackoffCap: 5 * time.Second}, c)
	_, err := d.Enqueue(terminalTask("t1", rcv.srv.URL))
	require.NoError(t, err)

	assert.Equal(t, 0, d.Drain(context.Background()))
	e := d.Pending()[0]
	assert.Equal(t, 1, e.AttemptCount)
	assert.Equal(t, c.Now().Add(time.Second), e.NextAttemptAt)
	assert.Contains(t, e.LastError, "500")
	assert.Equal(t, 1, st.Snapshot().PendingDeliveries[0].AttemptCount)
	assert.Equal(t, 1, logs.FilterMessage("delivery_failed").Len())

	// not yet due
	d.Drain(context.Background())
	assert.Equal(t, 1, rcv.count())

	c.Advance(time.Second)
	d.Drain(context.Background())
	assert.Equal(t, 2, rcv.count())
	assert.Equal(t, c.Now().Add(2*time.Second), d.Pending()[0].NextAttemptAt)

	rcv.status.Store(http.StatusNoContent)
	c.Advance(2 * time.Second)
	assert.Equal(t, 1, d.Drain(context.Background()))
	assert.Empty(t, d.Pending())
}

func TestDrain_DeliveredCallbackFailureKeepsEntry(t *testing.T) {
	rcv := newReceiver(t, http.StatusOK)
	d, _, _ := newDispatcher(t, Config{}, newClock(), WithOnDelivered(func(string) error {
		return errors.New("persist tasks: disk full")
	}))
	_, err := d.Enqueue(terminalTask("t1", rcv.srv.URL))
	require.NoError(t, err)

	assert.Equal(t, 0, d.Drain(context.Background()))
	assert.Len(t, d.Pending(), 1)
}

func TestDrain_UnknownTaskStillRemoved(t *testing.T) {
	rcv := newReceiver(t, http.StatusOK)
	d, _, _ := newDispatcher(t, Config{}, newClock(), WithOnDelivered(func(id string) error {
		return model.NewError(model.KindNotFound, "task "+id+" not found")
	}))
	_, err := d.Enqueue(terminalTask("t1", rcv.srv.URL))
	require.NoError(t, err)

	assert.Equal(t, 1, d.Drain(context.Background()))
	assert.Empty(t, d.Pending())
}

func TestDrain_MaxAttemptsArchivesDeadLetter(t *testing.T) {
	rcv := newReceiver(t, http.StatusBadRequest)
	dir := t.TempDir()
	c := newClock()
	var abandoned []string
	d, _, logs := newDispatcher(t, Config{MaxAttempts: 2, DeadLetterDir: dir}, c,
		WithOnDeadLettered(func(taskID string) error {
			abandoned = append(abandoned, taskID)
			return nil
		}))
	_, err := d.Enqueue(terminalTask("t1", rcv.srv.URL))
	require.NoError(t, err)

	d.Drain(context.Background())
	assert.Empty(t, abandoned)
	c.Advance(time.Hour)
	d.Drain(context.Background())

	assert.Empty(t, d.Pending())
	assert.Equal(t, 1, logs.FilterMessage("delivery_dead_lettered").Len())
	assert.Equal(t, []string{"t1"}, abandoned)

	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "task-secret")

	var archived map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &archived))
	assert.Equal(t, "t1", archived["task_id"])
	assert.Equal(t, 2, archived["attempt_count"])
	assert.Equal(t, "t1", archived["payload"].(map[string]any)["taskId"])
}

func TestDrain_ArchiveFailureKeepsEntry(t *testing.T) {
	rcv := newReceiver(t, http.StatusInternalServerError)
	blocked := filepath.Join(t.TempDir(), "dead_letters")
	require.NoError(t, os.WriteFile(blocked, []byte("not a directory"), 0644))
	c := newClock()
	var abandoned []string
	d, st, logs := newDispatcher(t, Config{MaxAttempts: 1, DeadLetterDir: blocked}, c,
		WithOnDeadLettered(func(taskID string) error {
			abandoned = append(abandoned, taskID)
			return nil
		}))
	_, err := d.Enqueue(terminalTask("t1", rcv.srv.URL))
	require.NoError(t, err)

	d.Drain(context.Background())

	assert.Equal(t, 1, logs.FilterMessage("archive_dead_letter_failed").Len())
	assert.Empty(t, abandoned)
	pending := d.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].AttemptCount)
	assert.True(t, pending[0].NextAttemptAt.After(c.Now()))
	assert.Len(t, st.Snapshot().PendingDeliveries, 1)

	require.NoError(t, os.Remove(blocked))
	c.Advance(time.Hour)
	d.Drain(context.Background())
	assert.Empty(t, d.Pending())
	assert.Equal(t, []string{"t1"}, abandoned)
}

func TestFlush_IgnoresScheduleAndHonoursContext(t *testing.T) {
	rcv := newReceiver(t, http.StatusOK)
	c := newClock()
	d, _, _ := newDispatcher(t, Config{}, c)
	d.Restore([]model.PendingDelivery{{
		ID:            "d1",
		TaskID:        "t1",
		Status:        model.StatusFailed,
		TargetURL:     rcv.srv.URL,
		Secret:        "s",
		Payload:       json.RawMessage(`{"taskId":"t1"}`),
		NextAttemptAt: c.Now().Add(time.Hour),
	}})

	assert.Equal(t, 0, d.Drain(context.Background()))
	assert.Equal(t, 1, d.Flush(context.Background()))
	assert.Empty(t, d.Pending())

	d.Restore([]model.PendingDelivery{{ID: "d2", TaskID: "t2", Status: model.StatusFailed, TargetURL: rcv.srv.URL}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, d.Flush(ctx))
	assert.Len(t, d.Pending(), 1)
}

func TestRestore_ReplayDoesNotDoubleEnqueue(t *testing.T) {
	d, st, _ := newDispatcher(t, Config{}, newClock())
	task := terminalTask("t1", "http://x")
	_, err := d.Enqueue(task)
	require.NoError(t, err)

	saved := st.Snapshot().PendingDeliveries
	d2, _, _ := newDispatcher(t, Config{}, newClock())
	d2.Restore(saved)
	added, err := d2.Enqueue(task)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Len(t, d2.Pending(), 1)
}
