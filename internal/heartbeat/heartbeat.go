// Package heartbeat periodically reports the IDs of live tasks to the
// downstream consumer so it can tell a silent task from a dead one.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/signing"
	"github.com/msageha/conductor/internal/ticker"
)

// Path is appended to the downstream base URL.
const Path = "/internal/code/heartbeat"

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	BaseURL        string
	Secret         string
	Interval       time.Duration
	RequestTimeout time.Duration
}

type Body struct {
	TaskIDs []string `json:"taskIds"`
}

type Manager struct {
	cfg    Config
	doer   Doer
	logger *zap.Logger
	loop   *ticker.Loop

	mu    sync.Mutex
	tasks map[string]struct{}
}

func New(cfg Config, doer Doer, logger *zap.Logger, opts ...ticker.Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if doer == nil {
		doer = &http.Client{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	m := &Manager{
		cfg:    cfg,
		doer:   doer,
		logger: logger,
		tasks:  make(map[string]struct{}),
	}
	m.loop = ticker.New("heartbeat", cfg.Interval, m.Tick, logger, opts...)
	return m
}

func (m *Manager) RegisterTask(id string) {
	m.mu.Lock()
	m.tasks[id] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) UnregisterTask(id string) {
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
}

// TaskIDs returns the registered IDs in sorted order.
func (m *Manager) TaskIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Start begins periodic reporting. Calling it again while running has no
// effect.
func (m *Manager) Start() {
	if m.loop.Start() {
		m.logger.Info("heartbeat_started", zap.Duration("interval", m.cfg.Interval))
	}
}

// Stop halts reporting. Registrations are kept.
func (m *Manager) Stop() {
	if !m.loop.Running() {
		m.logger.Debug("heartbeat_stop_not_running")
		return
	}
	m.loop.Stop()
	m.logger.Info("heartbeat_stopped")
}

// Tick sends one heartbeat if any task is registered. Failures are logged,
// never returned or propagated as panics.
func (m *Manager) Tick(ctx context.Context) {
	ids := m.TaskIDs()
	if len(ids) == 0 {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("heartbeat_failed", zap.Any("error", r), zap.Int("tasks", len(ids)))
		}
	}()

	status, err := m.send(ctx, ids)
	switch {
	case err != nil:
		m.logger.Error("heartbeat_failed", zap.Error(err), zap.Int("tasks", len(ids)))
	case status < 200 || status >= 300:
		m.logger.Warn("heartbeat_rejected", zap.Int("status", status), zap.Int("tasks", len(ids)))
	default:
		m.logger.Debug("heartbeat_sent", zap.Int("tasks", len(ids)))
	}
}

func (m *Manager) send(ctx context.Context, ids []string) (int, error) {
	body, err := json.Marshal(Body{TaskIDs: ids})
	if err != nil {
		return 0, fmt.Errorf("marshal heartbeat: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	url := strings.TrimRight(m.cfg.BaseURL, "/") + Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.HeaderSignature, signing.Sign(m.cfg.Secret, body))

	resp, err := m.doer.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post heartbeat: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
