package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/model"
)

// ResultFile is read from the workspace after the agent exits, if present.
const ResultFile = ".conductor-result.json"

type ExecConfig struct {
	WorkspaceRoot  string
	Command        []string // the prompt is appended as the last argument
	GitBinary      string
	GitHost        string
	StartTimeout   time.Duration
	TerminateGrace time.Duration
}

type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

// ExecRunner runs the agent command as a child process group inside a
// per-task workspace, cloning the task's repository first when it names one.
type ExecRunner struct {
	cfg    ExecConfig
	logger *zap.Logger

	mu    sync.Mutex
	procs map[string]*process
}

func NewExecRunner(cfg ExecConfig, logger *zap.Logger) *ExecRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GitBinary == "" {
		cfg.GitBinary = "git"
	}
	if cfg.GitHost == "" {
		cfg.GitHost = "github.com"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 5 * time.Minute
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = 10 * time.Second
	}
	return &ExecRunner{cfg: cfg, logger: logger, procs: make(map[string]*process)}
}

func (r *ExecRunner) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if len(r.cfg.Command) == 0 {
		return nil, model.NewError(model.KindSessionStartFailed, "no session command configured")
	}
	task := req.Task
	sessionID, err := model.GenerateSessionID()
	if err != nil {
		return nil, model.WrapError(model.KindSessionStartFailed, "generate session id", err)
	}

	workspace, err := filepath.Abs(filepath.Join(r.cfg.WorkspaceRoot, task.ID))
	if err != nil {
		return nil, model.WrapError(model.KindSessionStartFailed, "resolve workspace", err)
	}
	if err := os.RemoveAll(workspace); err != nil {
		return nil, model.WrapError(model.KindSessionStartFailed, "clear workspace", err)
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, model.WrapError(model.KindSessionStartFailed, "create workspace", err)
	}

	if task.Repository != "" {
		cloneCtx, cancel := context.WithTimeout(ctx, r.cfg.StartTimeout)
		err := r.clone(cloneCtx, task, req.Token, workspace)
		cancel()
		if err != nil {
			return nil, model.WrapError(model.KindSessionStartFailed, "clone repository", err)
		}
	}

	args := append(append([]string{}, r.cfg.Command[1:]...), task.Prompt)
	cmd := exec.Command(r.cfg.Command[0], args...)
	cmd.Dir = workspace
	cmd.Env = append(filterEnv(os.Environ(), "CLAUDECODE"),
		"CONDUCTOR_TASK_ID="+task.ID,
		"CONDUCTOR_SESSION_ID="+sessionID,
		"CONDUCTOR_WORKER_TYPE="+task.WorkerType,
		"CONDUCTOR_RESULT_FILE="+filepath.Join(workspace, ResultFile),
	)
	if req.Token != "" {
		cmd.Env = append(cmd.Env, "GITHUB_TOKEN="+req.Token)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr := &tailBuffer{limit: 4 << 10}
	cmd.Stdout = stderr
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, model.WrapError(model.KindSessionStartFailed, "start session command", err)
	}

	proc := &process{cmd: cmd, exited: make(chan struct{})}
	r.mu.Lock()
	r.procs[sessionID] = proc
	r.mu.Unlock()

	done := make(chan model.Outcome, 1)
	go func() {
		waitErr := cmd.Wait()
		close(proc.exited)
		r.mu.Lock()
		delete(r.procs, sessionID)
		r.mu.Unlock()

		outcome := r.outcome(workspace, waitErr, stderr.String())
		r.logger.Info("session_exited",
			zap.String("task_id", task.ID),
			zap.String("session_id", sessionID),
			zap.Bool("success", outcome.Success))
		done <- outcome
		close(done)
	}()

	r.logger.Info("session_started",
		zap.String("task_id", task.ID),
		zap.String("session_id", sessionID),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("workspace", workspace))
	return &Session{
		Handle: model.SessionHandle{WorkspacePath: workspace, SessionID: sessionID},
		Done:   done,
	}, nil
}

// Terminate sends SIGTERM to the session's process group and SIGKILL after
// the grace period. Unknown or already exited sessions are not an error.
func (r *ExecRunner) Terminate(ctx context.Context, handle model.SessionHandle) error {
	r.mu.Lock()
	proc, ok := r.procs[handle.SessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	pgid := proc.cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal session %s: %w", handle.SessionID, err)
	}

	timer := time.NewTimer(r.cfg.TerminateGrace)
	defer timer.Stop()
	select {
	case <-proc.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	r.logger.Warn("session_kill", zap.String("session_id", handle.SessionID), zap.Int("pgid", pgid))
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill session %s: %w", handle.SessionID, err)
	}
	return nil
}

// Active returns the number of live sessions.
func (r *ExecRunner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *ExecRunner) clone(ctx context.Context, task model.Task, token, workspace string) error {
	remote, err := cloneURL(r.cfg.GitHost, task.Repository, token)
	if err != nil {
		return err
	}
	args := []string{"clone", "--depth", "1"}
	if task.BaseBranch != "" {
		args = append(args, "--branch", task.BaseBranch)
	}
	args = append(args, remote, workspace)

	cmd := exec.CommandContext(ctx, r.cfg.GitBinary, args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if token != "" {
			msg = strings.ReplaceAll(msg, token, "***")
		}
		return fmt.Errorf("git clone %s: %w: %s", task.Repository, err, msg)
	}
	return nil
}

// cloneURL turns "owner/name" or an https URL into an authenticated https
// remote.
func cloneURL(host, repository, token string) (string, error) {
	raw := repository
	if !strings.Contains(repository, "://") {
		raw = fmt.Sprintf("https://%s/%s", host, strings.TrimSuffix(repository, ".git")+".git")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse repository %q: %w", repository, err)
	}
	if token != "" && u.Scheme == "https" {
		u.User = url.UserPassword("x-access-token", token)
	}
	return u.String(), nil
}

func (r *ExecRunner) outcome(workspace string, waitErr error, output string) model.Outcome {
	var out model.Outcome
	parsed := false
	data, err := os.ReadFile(filepath.Join(workspace, ResultFile))
	switch {
	case err == nil:
		if jerr := json.Unmarshal(data, &out); jerr != nil {
			r.logger.Warn("session_result_unreadable", zap.String("workspace", workspace), zap.Error(jerr))
			out = model.Outcome{}
		} else {
			parsed = true
		}
	case !errors.Is(err, os.ErrNotExist):
		r.logger.Warn("session_result_unreadable", zap.String("workspace", workspace), zap.Error(err))
	}

	if waitErr != nil {
		out.Success = false
		if out.Error == "" {
			out.Error = waitErr.Error()
			if tail := strings.TrimSpace(output); tail != "" {
				out.Error += ": " + lastLine(tail)
			}
		}
		return out
	}
	if !parsed {
		return model.Outcome{Success: true}
	}
	if !out.Success && out.Error == "" {
		out.Error = "session reported failure"
	}
	return out
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func filterEnv(environ []string, name string) []string {
	prefix := name + "="
	out := make([]string, 0, len(environ))
	for _, e := range environ {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
