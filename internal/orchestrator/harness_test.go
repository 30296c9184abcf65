package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/msageha/conductor/internal/config"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/registry"
	"github.com/msageha/conductor/internal/session"
	"github.com/msageha/conductor/internal/store"
	"github.com/msageha/conductor/internal/webhook"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRunner struct {
	mu           sync.Mutex
	startErr     error
	starts       int
	sessions     map[string]chan model.Outcome
	terminations map[string]int
	tokens       map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		sessions:     make(map[string]chan model.Outcome),
		terminations: make(map[string]int),
		tokens:       make(map[string]string),
	}
}

func (r *fakeRunner) Start(ctx context.Context, req session.StartRequest) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.startErr != nil {
		return nil, r.startErr
	}
	ch := make(chan model.Outcome, 1)
	id := "sess-" + req.Task.ID
	r.sessions[id] = ch
	r.tokens[req.Task.ID] = req.Token
	return &session.Session{
		Handle: model.SessionHandle{SessionID: id, WorkspacePath: "/work/" + req.Task.ID},
		Done:   ch,
	}, nil
}

func (r *fakeRunner) Terminate(ctx context.Context, h model.SessionHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminations[h.SessionID]++
	if ch, ok := r.sessions[h.SessionID]; ok {
		ch <- model.Outcome{Error: "signal: terminated"}
		close(ch)
		delete(r.sessions, h.SessionID)
	}
	return nil
}

// exit makes the session for taskID report outcome.
func (r *fakeRunner) exit(taskID string, outcome model.Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.sessions["sess-"+taskID]
	if !ok {
		return false
	}
	ch <- outcome
	close(ch)
	delete(r.sessions, "sess-"+taskID)
	return true
}

func (r *fakeRunner) terminated(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminations["sess-"+taskID]
}

// live returns the number of sessions nobody has terminated or reaped.
func (r *fakeRunner) live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *fakeRunner) setStartErr(err error) {
	r.mu.Lock()
	r.startErr = err
	r.mu.Unlock()
}

type fakeTokens struct {
	mu      sync.Mutex
	token   string
	valid   bool
	hook    func(bool)
	expires *time.Time
	cache   *model.TokenCache
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.valid {
		return "", model.NewError(model.KindTokenAcquisitionFailed, "no token")
	}
	return f.token, nil
}

func (f *fakeTokens) Valid() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid
}

func (f *fakeTokens) ExpiresAt() *time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expires
}

func (f *fakeTokens) Restore(tc *model.TokenCache) {
	f.mu.Lock()
	f.cache = tc
	f.mu.Unlock()
}

func (f *fakeTokens) OnValidityChange(fn func(bool)) {
	f.mu.Lock()
	f.hook = fn
	f.mu.Unlock()
}

func (f *fakeTokens) set(valid bool) {
	f.mu.Lock()
	f.valid = valid
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(valid)
	}
}

func (f *fakeTokens) Start() {}
func (f *fakeTokens) Stop()  {}

type fakeHeartbeat struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (h *fakeHeartbeat) RegisterTask(id string) {
	h.mu.Lock()
	h.ids[id] = true
	h.mu.Unlock()
}

func (h *fakeHeartbeat) UnregisterTask(id string) {
	h.mu.Lock()
	delete(h.ids, id)
	h.mu.Unlock()
}

func (h *fakeHeartbeat) has(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ids[id]
}

func (h *fakeHeartbeat) Start() {}
func (h *fakeHeartbeat) Stop()  {}

type receiver struct {
	srv *httptest.Server

	mu     sync.Mutex
	bodies []string
}

func newReceiver(t *testing.T) *receiver {
	rc := &receiver{}
	rc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.bodies = append(rc.bodies, string(b))
		rc.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(rc.srv.Close)
	return rc
}

func (rc *receiver) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.bodies)
}

type harness struct {
	t         *testing.T
	cfg       model.Config
	statePath string
	clock     *testClock
	store     *store.Store
	registry  *registry.Registry
	runner    *fakeRunner
	tokens    *fakeTokens
	heartbeat *fakeHeartbeat
	webhooks  *webhook.Dispatcher
	receiver  *receiver
	logs      *observer.ObservedLogs
	orch      *Orchestrator

	maxAttempts int
	observer    func(h *harness, task model.Task, from model.Status)
}

type harnessOption func(*harness)

func withCapacity(n int) harnessOption {
	return func(h *harness) { h.cfg.Limits.Capacity = n }
}

func withTokens() harnessOption {
	return func(h *harness) { h.tokens = &fakeTokens{token: "ghs_test", valid: true} }
}

func withGrace(sec int) harnessOption {
	return func(h *harness) { h.cfg.Daemon.GracePeriodSec = sec }
}

func withMaxAttempts(n int) harnessOption {
	return func(h *harness) { h.maxAttempts = n }
}

// withObserver runs fn synchronously after every registry transition.
func withObserver(fn func(h *harness, task model.Task, from model.Status)) harnessOption {
	return func(h *harness) { h.observer = fn }
}

func withStatePath(path string) harnessOption {
	return func(h *harness) { h.statePath = path }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.Limits.Capacity = 2
	cfg.Limits.TaskTimeoutMs = int((10 * time.Minute).Milliseconds())
	cfg.Daemon.GracePeriodSec = 0
	cfg.Daemon.DeliveryFlushTimeoutSec = 2
	cfg.Session.TerminateGraceSec = 1
	cfg.Health.DegradedAfterFailures = 2
	cfg.Webhook.DrainIntervalMs = int(time.Hour.Milliseconds())

	h := &harness{
		t:         t,
		cfg:       cfg,
		statePath: filepath.Join(t.TempDir(), "state.json"),
		clock:     &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		runner:    newFakeRunner(),
		heartbeat: &fakeHeartbeat{ids: make(map[string]bool)},
	}
	for _, o := range opts {
		o(h)
	}
	h.build()
	return h
}

func (h *harness) build() {
	t := h.t
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	h.logs = logs
	if h.receiver == nil {
		h.receiver = newReceiver(t)
	}

	h.store = store.New(h.statePath)
	regOpts := []registry.Option{registry.WithClock(h.clock.Now)}
	if h.observer != nil {
		regOpts = append(regOpts, registry.WithObserver(func(task model.Task, from model.Status) {
			h.observer(h, task, from)
		}))
	}
	h.registry = registry.New(h.store, regOpts...)
	h.webhooks = webhook.New(webhook.Config{
		DrainInterval: time.Hour,
		MaxAttempts:   h.maxAttempts,
		DeadLetterDir: filepath.Join(filepath.Dir(h.statePath), "dead_letters"),
	}, h.store, logger,
		webhook.WithClock(h.clock.Now),
		webhook.WithOnDelivered(h.registry.MarkNotified),
		webhook.WithOnDeadLettered(h.registry.MarkDeadLettered))

	deps := Deps{
		Config:    h.cfg,
		Store:     h.store,
		Registry:  h.registry,
		Runner:    h.runner,
		Heartbeat: h.heartbeat,
		Webhooks:  h.webhooks,
		Logger:    logger,
		Now:       h.clock.Now,
	}
	if h.tokens != nil {
		deps.Tokens = h.tokens
	}
	orch, err := New(deps)
	require.NoError(t, err)
	h.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.orch.Shutdown(ctx)
	})
}

func (h *harness) start() RecoveryReport {
	h.t.Helper()
	report, err := h.orch.Start(context.Background())
	require.NoError(h.t, err)
	return report
}

func (h *harness) request(id string) model.CreateTaskRequest {
	return model.CreateTaskRequest{
		TaskID:        id,
		WorkerType:    model.WorkerTypeAuto,
		Prompt:        "do " + id,
		WebhookURL:    h.receiver.srv.URL + "/hook",
		WebhookSecret: "secret-" + id,
	}
}

func (h *harness) create(id string) model.Task {
	h.t.Helper()
	task, err := h.orch.CreateTask(context.Background(), h.request(id))
	require.NoError(h.t, err)
	return task
}

func (h *harness) waitStatus(id string, want model.Status) model.Task {
	h.t.Helper()
	var got model.Task
	require.Eventually(h.t, func() bool {
		t, err := h.registry.Get(id)
		got = t
		return err == nil && t.Status == want
	}, 2*time.Second, 2*time.Millisecond, fmt.Sprintf("task %s never reached %s (last %s)", id, want, got.Status))
	return got
}
