// Package daemon hosts the orchestrator process: it owns the single-instance
// lock, wires every component from the config, serves the HTTP API and the
// control socket, and runs the signal-driven shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/api"
	"github.com/msageha/conductor/internal/heartbeat"
	"github.com/msageha/conductor/internal/journal"
	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/orchestrator"
	"github.com/msageha/conductor/internal/registry"
	"github.com/msageha/conductor/internal/session"
	"github.com/msageha/conductor/internal/store"
	"github.com/msageha/conductor/internal/token"
	"github.com/msageha/conductor/internal/uds"
	"github.com/msageha/conductor/internal/webhook"
)

// DeadLetterDir is where exhausted deliveries are archived, next to the
// state file.
const DeadLetterDir = "dead_letters"

// Daemon is the conductor server process.
type Daemon struct {
	cfg    model.Config
	logger *zap.Logger

	fileLock  *lock.FileLock
	store     *store.Store
	journal   *journal.Journal
	registry  *registry.Registry
	webhooks  *webhook.Dispatcher
	tokens    *token.Manager
	keys      *token.KeyFile
	heartbeat *heartbeat.Manager
	runner    *session.ExecRunner
	orch      *orchestrator.Orchestrator

	control    *uds.Server
	httpServer *http.Server
	listener   net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	stopRequested chan struct{}
	stopOnce      sync.Once
	serveErr      chan error
	signals       chan os.Signal
	exit          func(code int)
}

// New wires the components. Nothing touches the filesystem or network until
// Run.
func New(cfg model.Config, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:           cfg,
		logger:        logger.Named("daemon"),
		fileLock:      lock.NewFileLock(lock.PathFor(cfg.State.Path)),
		store:         store.New(cfg.State.Path),
		ctx:           ctx,
		cancel:        cancel,
		stopRequested: make(chan struct{}),
		serveErr:      make(chan error, 1),
		signals:       make(chan os.Signal, 2),
		exit:          os.Exit,
	}

	d.registry = registry.New(d.store, registry.WithObserver(d.recordTransition))

	httpClient := &http.Client{}
	d.webhooks = webhook.New(webhook.Config{
		DrainInterval:  time.Duration(cfg.Webhook.DrainIntervalMs) * time.Millisecond,
		BackoffBase:    time.Duration(cfg.Webhook.BackoffBaseMs) * time.Millisecond,
		BackoffFactor:  cfg.Webhook.BackoffFactor,
		BackoffCap:     time.Duration(cfg.Webhook.BackoffCapMs) * time.Millisecond,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		RequestTimeout: time.Duration(cfg.Webhook.RequestTimeoutSec) * time.Second,
		DeadLetterDir:  filepath.Join(filepath.Dir(cfg.State.Path), DeadLetterDir),
	}, d.store, logger.Named("webhook"),
		webhook.WithDoer(httpClient),
		webhook.WithOnDelivered(d.registry.MarkNotified),
		webhook.WithOnDeadLettered(d.registry.MarkDeadLettered))

	d.runner = session.NewExecRunner(session.ExecConfig{
		WorkspaceRoot:  cfg.Session.WorkspaceRoot,
		Command:        cfg.Session.Command,
		GitBinary:      cfg.Session.GitBinary,
		GitHost:        cfg.Session.GitHost,
		StartTimeout:   time.Duration(cfg.Session.StartTimeoutSec) * time.Second,
		TerminateGrace: time.Duration(cfg.Session.TerminateGraceSec) * time.Second,
	}, logger.Named("session"))

	deps := orchestrator.Deps{
		Config:   cfg,
		Store:    d.store,
		Registry: d.registry,
		Runner:   d.runner,
		Webhooks: d.webhooks,
		Logger:   logger.Named("orchestrator"),
	}

	if cfg.Token.Enabled() {
		d.keys = token.NewKeyFile(cfg.Token.PrivateKeyPath, logger.Named("token"))
		authority := &token.GitHubAuthority{
			AppID:          cfg.Token.AppID,
			InstallationID: cfg.Token.InstallationID,
			APIBaseURL:     cfg.Token.APIBaseURL,
			Keys:           d.keys,
			Doer:           httpClient,
		}
		d.tokens = token.NewManager(token.Config{
			RefreshFraction: cfg.Token.RefreshFraction,
			CheckInterval:   time.Duration(cfg.Token.CheckIntervalSec) * time.Second,
			RetryBase:       time.Duration(cfg.Token.RetryBaseSec) * time.Second,
			RetryCap:        time.Duration(cfg.Token.RetryCapSec) * time.Second,
		}, authority, d.store, logger.Named("token"))
		deps.Tokens = d.tokens
	}

	if cfg.Heartbeat.DownstreamBaseURL != "" {
		d.heartbeat = heartbeat.New(heartbeat.Config{
			BaseURL:        cfg.Heartbeat.DownstreamBaseURL,
			Secret:         cfg.Webhook.Secret,
			Interval:       time.Duration(cfg.Heartbeat.IntervalSec) * time.Second,
			RequestTimeout: time.Duration(cfg.Heartbeat.RequestTimeoutSec) * time.Second,
		}, httpClient, logger.Named("heartbeat"))
		deps.Heartbeat = d.heartbeat
	}

	orch, err := orchestrator.New(deps)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	d.orch = orch

	socketPath := cfg.Server.SocketPath
	if socketPath == "" {
		socketPath = filepath.Join(filepath.Dir(cfg.State.Path), uds.SocketName)
	}
	d.control = uds.NewServer(socketPath, logger.Named("control"))
	d.httpServer = &http.Server{
		Handler: api.New(orch, api.Config{
			ReportSecret: cfg.Webhook.Secret,
			RetryAfter:   time.Duration(cfg.Watcher.TimeoutScanIntervalSec) * time.Second,
		}, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

// Orchestrator exposes the wired orchestrator.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// Addr is the HTTP listen address once Run has bound it.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Run starts the daemon and blocks until shutdown completes. ready, when
// non-nil, is closed once both servers are accepting.
func (d *Daemon) Run(ready chan<- struct{}) error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Info("daemon_starting",
		zap.Int("pid", os.Getpid()),
		zap.String("state", d.cfg.State.Path))

	if d.cfg.Journal.Enabled {
		j, err := journal.Open(filepath.Join(filepath.Dir(d.cfg.State.Path), journal.FileName), d.cfg.Journal.MaxSizeBytes)
		if err != nil {
			d.cleanup()
			return fmt.Errorf("open journal: %w", err)
		}
		d.journal = j
	}

	if d.keys != nil {
		if err := d.keys.Load(); err != nil {
			// the manager keeps retrying; auth_degraded until the key appears
			d.logger.Error("private_key_load_failed", zap.Error(err))
		}
		if d.cfg.Token.WatchKey {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				if err := d.keys.Watch(d.ctx); err != nil {
					d.logger.Warn("private_key_watch_failed", zap.Error(err))
				}
			}()
		}
	}

	report, err := d.orch.Start(d.ctx)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("start orchestrator: %w", err)
	}
	for _, id := range report.Interrupted {
		d.logger.Warn("task_interrupted_by_restart", zap.String("task_id", id))
	}

	d.registerHandlers()
	if err := d.control.Start(); err != nil {
		d.orch.Shutdown(context.Background())
		d.cleanup()
		return fmt.Errorf("start control socket: %w", err)
	}

	ln, err := net.Listen("tcp", d.cfg.Server.ListenAddr)
	if err != nil {
		d.control.Stop()
		d.orch.Shutdown(context.Background())
		d.cleanup()
		return fmt.Errorf("listen on %s: %w", d.cfg.Server.ListenAddr, err)
	}
	d.listener = ln
	d.wg.Add(1)
	go d.serve(ln)

	d.logger.Info("daemon_ready",
		zap.String("http", ln.Addr().String()),
		zap.String("socket", d.control.Path()),
		zap.String("phase", string(d.orch.Phase())))
	if ready != nil {
		close(ready)
	}

	d.wait()
	return nil
}

func (d *Daemon) serve(ln net.Listener) {
	defer d.wg.Done()
	if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.serveErr <- err
	}
}

// registerHandlers registers control socket commands.
func (d *Daemon) registerHandlers() {
	d.control.Handle(uds.CommandPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})
	d.control.Handle(uds.CommandHealth, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.orch.Health())
	})
	d.control.Handle(uds.CommandList, func(_ context.Context, req *uds.Request) *uds.Response {
		var p uds.ListParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeBadParams, err.Error())
		}
		return uds.SuccessResponse(d.orch.ListTasks(p.Status))
	})
	d.control.Handle(uds.CommandCancel, func(ctx context.Context, req *uds.Request) *uds.Response {
		var p uds.CancelParams
		if err := req.DecodeParams(&p); err != nil || p.TaskID == "" {
			return uds.ErrorResponse(uds.ErrCodeBadParams, "task_id is required")
		}
		task, err := d.orch.CancelTask(ctx, p.TaskID)
		if err != nil {
			return uds.ErrorFrom(err)
		}
		return uds.SuccessResponse(task)
	})
	d.control.Handle(uds.CommandShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Info("shutdown_requested", zap.String("via", "control_socket"))
		d.RequestStop()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// RequestStop asks Run to shut down as if a signal had arrived.
func (d *Daemon) RequestStop() {
	d.stopOnce.Do(func() { close(d.stopRequested) })
}

// wait blocks until a signal, a stop request or a fatal serve error, then
// shuts down. A second signal forces exit.
func (d *Daemon) wait() {
	signal.Notify(d.signals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(d.signals)

	select {
	case sig := <-d.signals:
		d.logger.Info("signal_received", zap.String("signal", sig.String()))
		go func() {
			<-d.signals
			d.logger.Warn("second_signal_forcing_exit")
			_ = d.logger.Sync()
			d.exit(1)
		}()
	case <-d.stopRequested:
	case err := <-d.serveErr:
		d.logger.Error("http_server_failed", zap.Error(err))
	}
	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent). The whole sequence is
// bounded by daemon.shutdown_timeout_sec.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		timeout := time.Duration(d.cfg.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		d.logger.Info("shutdown_started", zap.Duration("timeout", timeout))

		// admissions stop first; the API keeps answering reads until the
		// orchestrator has settled
		d.orch.Shutdown(ctx)

		if err := d.httpServer.Shutdown(ctx); err != nil {
			d.logger.Warn("http_shutdown_incomplete", zap.Error(err))
		}
		d.control.Stop()
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.logger.Warn("shutdown_timeout", zap.Duration("timeout", timeout))
		}

		d.cleanup()
		d.logger.Info("daemon_stopped")
	})
}

func (d *Daemon) cleanup() {
	d.cancel()
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn("journal_close_failed", zap.Error(err))
		}
	}
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Warn("lock_release_failed", zap.Error(err))
	}
}

func (d *Daemon) recordTransition(task model.Task, from model.Status) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Record(task, from); err != nil {
		d.logger.Warn("journal_write_failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}
