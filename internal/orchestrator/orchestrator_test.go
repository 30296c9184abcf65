package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/store"
)

func TestCapacityOneScenario(t *testing.T) {
	h := newHarness(t, withCapacity(1))
	h.start()

	a := h.create("A")
	assert.Equal(t, model.StatusQueued, a.Status)
	assert.Equal(t, "***", a.WebhookSecret)
	h.waitStatus("A", model.StatusRunning)
	assert.True(t, h.heartbeat.has("A"))

	_, err := h.orch.CreateTask(context.Background(), h.request("B"))
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)

	require.True(t, h.runner.exit("A", model.Outcome{Success: true, ResultURL: "https://example.com/pr/1"}))
	done := h.waitStatus("A", model.StatusCompleted)
	assert.Equal(t, "https://example.com/pr/1", done.ResultURL)
	assert.False(t, h.heartbeat.has("A"))

	h.create("B")
	h.waitStatus("B", model.StatusRunning)
}

func TestCreateTask_Duplicate(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.create("A")
	_, err := h.orch.CreateTask(context.Background(), h.request("A"))
	assert.ErrorIs(t, err, model.ErrDuplicate)
}

func TestCreateTask_Validation(t *testing.T) {
	h := newHarness(t)
	h.start()
	req := h.request("A")
	req.Prompt = ""
	_, err := h.orch.CreateTask(context.Background(), req)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestCreateTask_RejectedBeforeStart(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.CreateTask(context.Background(), h.request("A"))
	assert.ErrorIs(t, err, model.ErrUnavailable)
	assert.Equal(t, PhaseInitializing, h.orch.Phase())
}

// Property: whatever mix of creations and session exits happens, the number
// of running tasks never exceeds capacity.
func TestProperty_CreateTaskKeepsRunningWithinCapacity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, withCapacity(rapid.IntRange(1, 3).Draw(rt, "capacity")))
		h.start()
		defer h.orch.Shutdown(context.Background())

		next := 0
		ops := rapid.SliceOfN(rapid.Bool(), 1, 25).Draw(rt, "ops")
		for _, create := range ops {
			if create {
				_, err := h.orch.CreateTask(context.Background(), h.request(fmt.Sprintf("t%d", next)))
				next++
				if err != nil && !errors.Is(err, model.ErrCapacityExceeded) {
					rt.Fatalf("create: %v", err)
				}
			} else if running := h.registry.ListByStatus(model.StatusRunning); len(running) > 0 {
				h.runner.exit(running[0].ID, model.Outcome{Success: true})
			}
			if n := h.registry.RunningCount(); n > h.cfg.Limits.Capacity {
				rt.Fatalf("running %d exceeds capacity %d", n, h.cfg.Limits.Capacity)
			}
		}
	})
}

func TestSessionFailure(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.create("A")
	h.waitStatus("A", model.StatusRunning)

	h.runner.exit("A", model.Outcome{Error: "exit status 2"})
	failed := h.waitStatus("A", model.StatusFailed)
	assert.Equal(t, model.ReasonSessionFailed, failed.Reason)
	assert.Equal(t, "exit status 2", failed.Error)
	assert.True(t, h.webhooks.Has("A", model.StatusFailed))
}

func TestSessionStartFailure_DegradesAndRecovers(t *testing.T) {
	h := newHarness(t, withCapacity(5))
	h.start()
	h.runner.setStartErr(errors.New("docker daemon unreachable"))

	h.create("A")
	failed := h.waitStatus("A", model.StatusFailed)
	assert.Equal(t, model.ReasonSessionStartFailed, failed.Reason)
	assert.Contains(t, failed.Error, "SESSION_START_FAILED")
	assert.Contains(t, failed.Error, "docker daemon unreachable")
	assert.Equal(t, PhaseReady, h.orch.Phase())

	h.create("B")
	h.waitStatus("B", model.StatusFailed)
	assert.Equal(t, PhaseDegraded, h.orch.Phase())
	assert.Equal(t, PhaseDegraded, h.orch.Health().Status)

	// degraded still admits
	h.runner.setStartErr(nil)
	h.create("C")
	h.waitStatus("C", model.StatusRunning)
	assert.Equal(t, PhaseReady, h.orch.Phase())
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	h.start()

	_, err := h.orch.CancelTask(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)

	h.create("A")
	h.waitStatus("A", model.StatusRunning)
	cancelled, err := h.orch.CancelTask(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Equal(t, model.ReasonCancelRequested, cancelled.Reason)
	assert.Eventually(t, func() bool { return h.runner.terminated("A") == 1 }, time.Second, 2*time.Millisecond)
	assert.True(t, h.webhooks.Has("A", model.StatusCancelled))
	assert.False(t, h.heartbeat.has("A"))

	_, err = h.orch.CancelTask(context.Background(), "A")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	// the terminated session's own outcome must not overwrite the cancel
	time.Sleep(20 * time.Millisecond)
	got, _ := h.registry.Get("A")
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Len(t, h.webhooks.Pending(), 1)
}

func TestCompleteTask_SelfReport(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.create("A")
	h.waitStatus("A", model.StatusRunning)

	done, err := h.orch.CompleteTask("A", model.Outcome{Success: true, Summary: "opened PR"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, "opened PR", done.Summary)

	_, err = h.orch.CompleteTask("A", model.Outcome{Success: true})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestTimeoutSweep_InterruptsAndTerminatesOnce(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.create("A")
	h.create("B")
	h.waitStatus("A", model.StatusRunning)
	h.waitStatus("B", model.StatusRunning)

	h.orch.SweepTimeouts(context.Background())
	assert.Equal(t, model.StatusRunning, h.waitStatus("A", model.StatusRunning).Status)

	h.clock.Advance(11 * time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.orch.SweepTimeouts(context.Background())
		}()
	}
	wg.Wait()

	for _, id := range []string{"A", "B"} {
		got := h.waitStatus(id, model.StatusInterrupted)
		assert.Equal(t, model.ReasonTimeout, got.Reason)
		assert.Contains(t, got.Error, "timeout")
		assert.Eventually(t, func() bool { return h.runner.terminated(id) == 1 }, time.Second, 2*time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.runner.terminated("A"))
	assert.Len(t, h.webhooks.Pending(), 2)
}

func TestAuthDegraded(t *testing.T) {
	h := newHarness(t, withTokens())
	h.start()

	repoReq := h.request("A")
	repoReq.Repository = "acme/api"
	_, err := h.orch.CreateTask(context.Background(), repoReq)
	require.NoError(t, err)
	h.waitStatus("A", model.StatusRunning)
	h.runner.mu.Lock()
	assert.Equal(t, "ghs_test", h.runner.tokens["A"])
	h.runner.mu.Unlock()

	h.tokens.set(false)
	assert.Equal(t, PhaseAuthDegraded, h.orch.Phase())

	repoReq.TaskID = "B"
	_, err = h.orch.CreateTask(context.Background(), repoReq)
	assert.ErrorIs(t, err, model.ErrTokenAcquisitionFailed)

	// no repository, no token needed
	h.create("C")

	// running tasks are unaffected
	got, _ := h.registry.Get("A")
	assert.Equal(t, model.StatusRunning, got.Status)

	h.tokens.set(true)
	assert.Equal(t, PhaseReady, h.orch.Phase())
}

func TestTokenFailureAtLaunchFailsTask(t *testing.T) {
	h := newHarness(t, withTokens())
	h.start()
	h.tokens.mu.Lock()
	h.tokens.valid = false // invalid without notifying, as if it expired between checks
	h.tokens.mu.Unlock()

	req := h.request("A")
	req.Repository = "acme/api"
	_, err := h.orch.CreateTask(context.Background(), req)
	require.NoError(t, err)
	failed := h.waitStatus("A", model.StatusFailed)
	assert.Equal(t, model.ReasonTokenUnavailable, failed.Reason)
	assert.Contains(t, failed.Error, "TOKEN_ACQUISITION_FAILED")
}

func TestHealth(t *testing.T) {
	h := newHarness(t, withCapacity(3), withTokens())
	expires := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	h.tokens.expires = &expires
	h.start()

	h.create("A")
	h.waitStatus("A", model.StatusRunning)
	hl := h.orch.Health()
	assert.Equal(t, PhaseReady, hl.Status)
	assert.Equal(t, 3, hl.Capacity)
	assert.Equal(t, 1, hl.Running)
	assert.Equal(t, 2, hl.Available)
	require.NotNil(t, hl.GitHubTokenExpiresAt)

	b, err := json.Marshal(hl)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, k := range []string{"status", "capacity", "running", "available", "githubTokenExpiresAt"} {
		assert.Contains(t, m, k)
	}
}

func TestDeliveryMarksNotified(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.create("A")
	h.waitStatus("A", model.StatusRunning)
	h.runner.exit("A", model.Outcome{Success: true})
	h.waitStatus("A", model.StatusCompleted)

	require.Eventually(t, func() bool { return h.webhooks.Has("A", model.StatusCompleted) }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, h.webhooks.Drain(context.Background()))
	got, _ := h.registry.Get("A")
	assert.True(t, got.Notified)
	assert.Equal(t, 1, h.receiver.count())
	assert.Empty(t, h.store.Snapshot().PendingDeliveries)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, withCapacity(3))
	h.start()
	h.create("A")
	h.waitStatus("A", model.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.orch.Shutdown(ctx)

	assert.Equal(t, PhaseShuttingDown, h.orch.Phase())
	got, _ := h.registry.Get("A")
	assert.Equal(t, model.StatusInterrupted, got.Status)
	assert.Equal(t, model.ReasonShutdown, got.Reason)
	assert.Equal(t, 1, h.runner.terminated("A"))

	// flushed during shutdown
	assert.Equal(t, 1, h.receiver.count())
	assert.Empty(t, h.webhooks.Pending())

	_, err := h.orch.CreateTask(context.Background(), h.request("B"))
	assert.ErrorIs(t, err, model.ErrUnavailable)

	// final snapshot on disk
	data, err := os.ReadFile(h.statePath)
	require.NoError(t, err)
	var st model.OrchestratorState
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, model.StatusInterrupted, st.Tasks["A"].Status)
	assert.True(t, st.Tasks["A"].Notified)

	assert.NotPanics(t, func() { h.orch.Shutdown(ctx) })
}

func TestShutdown_GracePeriodLetsTasksFinish(t *testing.T) {
	h := newHarness(t, withGrace(5))
	h.start()
	h.create("A")
	h.waitStatus("A", model.StatusRunning)

	go func() {
		time.Sleep(100 * time.Millisecond)
		h.runner.exit("A", model.Outcome{Success: true})
	}()
	h.orch.Shutdown(context.Background())

	got, _ := h.registry.Get("A")
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Zero(t, h.runner.terminated("A"))
}

func seedState(t *testing.T, path string, tasks ...model.Task) {
	t.Helper()
	st := model.NewOrchestratorState()
	for _, task := range tasks {
		st.Tasks[task.ID] = task
	}
	require.NoError(t, store.New(path).Save(st))
}

func seededTask(id string, status model.Status, notified bool, hookURL string) model.Task {
	created := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	task := model.Task{
		ID:            id,
		WorkerType:    model.WorkerTypeAuto,
		Prompt:        "do " + id,
		WebhookURL:    hookURL,
		WebhookSecret: "secret-" + id,
		Status:        status,
		CreatedAt:     created,
		Notified:      notified,
	}
	if status != model.StatusQueued {
		started := created.Add(time.Minute)
		task.StartedAt = &started
		task.Session = &model.SessionHandle{SessionID: "old-" + id}
	}
	if model.IsTerminal(status) {
		done := created.Add(2 * time.Minute)
		task.CompletedAt = &done
	}
	return task
}

func TestStart_RecoversSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	rc := newReceiver(t)
	hook := rc.srv.URL + "/hook"
	seedState(t, path,
		seededTask("run", model.StatusRunning, false, hook),
		seededTask("wait", model.StatusQueued, false, hook),
		seededTask("done", model.StatusCompleted, false, hook),
		seededTask("old", model.StatusCompleted, true, hook),
	)

	h := newHarness(t, withStatePath(path))
	report := h.start()
	assert.True(t, report.Found)
	assert.Equal(t, 4, report.Tasks)
	assert.Equal(t, []string{"run"}, report.Interrupted)
	assert.Equal(t, []string{"wait"}, report.Cancelled)
	assert.Equal(t, []string{"done"}, report.Requeued)

	run, _ := h.registry.Get("run")
	assert.Equal(t, model.StatusInterrupted, run.Status)
	assert.Equal(t, model.ReasonRecoveredStale, run.Reason)
	wait, _ := h.registry.Get("wait")
	assert.Equal(t, model.StatusCancelled, wait.Status)
	assert.Equal(t, model.ReasonRecoveredUnstarted, wait.Reason)

	keys := map[string]int{}
	for _, d := range h.webhooks.Pending() {
		keys[d.Key()]++
	}
	assert.Equal(t, map[string]int{
		model.DeliveryKey("run", model.StatusInterrupted): 1,
		model.DeliveryKey("wait", model.StatusCancelled):  1,
		model.DeliveryKey("done", model.StatusCompleted):  1,
	}, keys)

	// the reconciled state is on disk before serving
	onDisk, found, err := store.New(path).Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusInterrupted, onDisk.Tasks["run"].Status)
	assert.Len(t, onDisk.PendingDeliveries, 3)

	// recovered tasks do not hold capacity
	h.create("fresh")
	h.create("fresh2")
}

func TestStart_ReplayDoesNotDuplicateDeliveries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	seedState(t, path, seededTask("run", model.StatusRunning, false, down.URL))

	first := newHarness(t, withStatePath(path))
	first.start()
	require.Len(t, first.webhooks.Pending(), 1)
	first.orch.Shutdown(context.Background())

	second := newHarness(t, withStatePath(path))
	report := second.start()
	assert.Empty(t, report.Interrupted)
	assert.Empty(t, report.Requeued)
	require.Len(t, second.webhooks.Pending(), 1)
	assert.Equal(t, first.webhooks.Pending()[0].ID, second.webhooks.Pending()[0].ID)
}

func TestStart_CorruptStateRefusesToStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tasks": {`), 0o600))

	h := newHarness(t, withStatePath(path))
	_, err := h.orch.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStateCorrupt)
	assert.NotEqual(t, PhaseReady, h.orch.Phase())

	_, err = h.orch.CreateTask(context.Background(), h.request("A"))
	assert.ErrorIs(t, err, model.ErrUnavailable)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"tasks": {`, string(data))

	h.orch.Shutdown(context.Background())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"tasks": {`, string(data), "shutdown after a failed start must not overwrite the snapshot")
}

func TestCancelAsSessionStarts_LeavesNoHeartbeatOrSession(t *testing.T) {
	h := newHarness(t, withObserver(func(h *harness, task model.Task, from model.Status) {
		if task.Status == model.StatusRunning {
			_, _ = h.orch.CancelTask(context.Background(), task.ID)
		}
	}))
	h.start()
	h.create("A")

	h.waitStatus("A", model.StatusCancelled)
	require.Eventually(t, func() bool {
		return h.logs.FilterMessage("session_outcome_ignored").Len() == 1
	}, 2*time.Second, 2*time.Millisecond)
	assert.False(t, h.heartbeat.has("A"))
	assert.Equal(t, 1, h.runner.terminated("A"))
	assert.Zero(t, h.runner.live())
}

func TestCancelRacingLaunch_TerminatesEveryStartedSession(t *testing.T) {
	const n = 40
	h := newHarness(t, withCapacity(n))
	h.start()

	var wg sync.WaitGroup
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("T%02d", i)
		ids = append(ids, id)
		h.create(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.CancelTask(context.Background(), id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, id := range ids {
		h.waitStatus(id, model.StatusCancelled)
	}
	require.Eventually(t, func() bool { return h.runner.live() == 0 }, 2*time.Second, 2*time.Millisecond)
	for _, id := range ids {
		assert.LessOrEqual(t, h.runner.terminated(id), 1, id)
		assert.False(t, h.heartbeat.has(id), id)
	}
}

func TestCreateDuringShutdown_LeavesNoTaskBehind(t *testing.T) {
	const n = 40
	h := newHarness(t, withCapacity(n))
	h.start()

	var wg sync.WaitGroup
	begin := make(chan struct{})
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("T%02d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-begin
			if _, err := h.orch.CreateTask(context.Background(), h.request(id)); err != nil {
				assert.ErrorIs(t, err, model.ErrUnavailable)
			}
		}()
	}
	close(begin)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h.orch.Shutdown(ctx)
	wg.Wait()

	assert.Zero(t, h.logs.FilterMessage("shutdown_workers_timeout").Len())
	for _, task := range h.registry.List() {
		assert.True(t, model.IsTerminal(task.Status), "task %s left %s", task.ID, task.Status)
	}
	assert.Zero(t, h.runner.live())

	_, err := h.orch.CreateTask(context.Background(), h.request("late"))
	assert.ErrorIs(t, err, model.ErrUnavailable)
}

func TestStart_DeadLetteredTaskIsNotRequeued(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()
	seedState(t, path, seededTask("run", model.StatusRunning, false, down.URL))

	first := newHarness(t, withStatePath(path), withMaxAttempts(1))
	first.start()
	require.Len(t, first.webhooks.Pending(), 1)
	first.webhooks.Drain(context.Background())
	assert.Empty(t, first.webhooks.Pending())
	first.orch.Shutdown(context.Background())

	second := newHarness(t, withStatePath(path), withMaxAttempts(1))
	report := second.start()
	assert.Empty(t, report.Requeued)
	assert.Empty(t, second.webhooks.Pending())

	got, err := second.registry.Get("run")
	require.NoError(t, err)
	assert.True(t, got.DeadLettered)
	assert.False(t, got.Notified)

	archived, err := filepath.Glob(filepath.Join(filepath.Dir(path), "dead_letters", "*.yaml"))
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}
