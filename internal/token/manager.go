// Package token keeps an upstream installation token fresh. Concurrent
// callers that find the token stale share one refresh; a failed refresh
// falls back to the cached token while it is still valid.
package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/conductor/internal/backoff"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/ticker"
)

// Authority mints a new token.
type Authority interface {
	Acquire(ctx context.Context) (model.TokenCache, error)
}

// CacheSink persists the cached token. A nil cache clears it.
type CacheSink interface {
	SaveToken(tc *model.TokenCache) error
}

type Config struct {
	RefreshFraction float64
	CheckInterval   time.Duration
	RetryBase       time.Duration
	RetryCap        time.Duration
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithTickerOptions(opts ...ticker.Option) Option {
	return func(m *Manager) { m.tickerOpts = opts }
}

type Manager struct {
	cfg        Config
	authority  Authority
	sink       CacheSink
	logger     *zap.Logger
	now        func() time.Time
	onValidity func(bool)
	tickerOpts []ticker.Option
	loop       *ticker.Loop
	group      singleflight.Group

	mu        sync.Mutex
	cache     *model.TokenCache
	failures  int
	nextRetry time.Time
	reported  *bool
}

func NewManager(cfg Config, authority Authority, sink CacheSink, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RefreshFraction <= 0 || cfg.RefreshFraction >= 1 {
		cfg.RefreshFraction = 0.2
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 5 * time.Minute
	}
	m := &Manager{
		cfg:       cfg,
		authority: authority,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.loop = ticker.New("token_refresh", cfg.CheckInterval, m.Check, logger,
		append([]ticker.Option{ticker.WithRunOnStart()}, m.tickerOpts...)...)
	return m
}

// OnValidityChange registers fn to be called whenever the manager moves
// between holding and not holding a valid token.
func (m *Manager) OnValidityChange(fn func(valid bool)) {
	m.mu.Lock()
	m.onValidity = fn
	m.mu.Unlock()
}

// Restore seeds the cache from a snapshot without persisting.
func (m *Manager) Restore(tc *model.TokenCache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tc == nil {
		m.cache = nil
		return
	}
	c := *tc
	m.cache = &c
}

// Cached returns a copy of the cached token, or nil.
func (m *Manager) Cached() *model.TokenCache {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache == nil {
		return nil
	}
	c := *m.cache
	return &c
}

// ExpiresAt returns the cached token's expiry, or nil when none is held.
func (m *Manager) ExpiresAt() *time.Time {
	if c := m.Cached(); c != nil {
		return &c.ExpiresAt
	}
	return nil
}

// Valid reports whether a usable token is cached.
func (m *Manager) Valid() bool {
	return m.Cached().ValidAt(m.now())
}

// Token returns a usable token, refreshing it first when it is close to
// expiry.
func (m *Manager) Token(ctx context.Context) (string, error) {
	now := m.now()
	cached := m.Cached()
	if cached.ValidAt(now) && !m.needsRefresh(cached, now) {
		return cached.Token, nil
	}

	tc, err := m.refresh(ctx)
	if err == nil {
		return tc.Token, nil
	}
	if cached.ValidAt(m.now()) {
		m.logger.Warn("token_refresh_failed_using_cached",
			zap.Error(err), zap.Time("expires_at", cached.ExpiresAt))
		return cached.Token, nil
	}
	return "", model.WrapError(model.KindTokenAcquisitionFailed, "no valid installation token", err)
}

// Check is the background tick: refresh proactively when due, honouring the
// retry backoff after failures.
func (m *Manager) Check(ctx context.Context) {
	now := m.now()
	cached := m.Cached()
	if cached.ValidAt(now) && !m.needsRefresh(cached, now) {
		m.report(true)
		return
	}
	m.mu.Lock()
	wait := m.nextRetry.After(now)
	m.mu.Unlock()
	if wait {
		m.report(cached.ValidAt(now))
		return
	}
	if _, err := m.refresh(ctx); err != nil {
		m.logger.Error("token_refresh_failed", zap.Error(err))
	}
}

func (m *Manager) Start() {
	if m.loop.Start() {
		m.logger.Info("token_manager_started", zap.Duration("interval", m.cfg.CheckInterval))
	}
}

func (m *Manager) Stop() {
	m.loop.Stop()
}

func (m *Manager) needsRefresh(c *model.TokenCache, now time.Time) bool {
	lifetime := c.ExpiresAt.Sub(c.ObtainedAt)
	if lifetime <= 0 || c.ObtainedAt.IsZero() {
		// unknown lifetime; refresh within the last five minutes
		return c.ExpiresAt.Sub(now) < 5*time.Minute
	}
	threshold := time.Duration(float64(lifetime) * m.cfg.RefreshFraction)
	return c.ExpiresAt.Sub(now) < threshold
}

func (m *Manager) refresh(ctx context.Context) (model.TokenCache, error) {
	v, err, shared := m.group.Do("token", func() (interface{}, error) {
		return m.acquire(ctx)
	})
	if shared {
		m.logger.Debug("token_refresh_coalesced")
	}
	if err != nil {
		return model.TokenCache{}, err
	}
	return v.(model.TokenCache), nil
}

func (m *Manager) acquire(ctx context.Context) (tc model.TokenCache, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("token authority panicked: %v", r)
		}
		if err != nil {
			m.recordFailure(err)
		}
	}()

	tc, err = m.authority.Acquire(ctx)
	if err != nil {
		return model.TokenCache{}, err
	}
	if tc.Token == "" {
		return model.TokenCache{}, fmt.Errorf("token authority returned an empty token")
	}
	if tc.ObtainedAt.IsZero() {
		tc.ObtainedAt = m.now().UTC()
	}

	m.mu.Lock()
	c := tc
	m.cache = &c
	m.failures = 0
	m.nextRetry = time.Time{}
	m.mu.Unlock()

	if m.sink != nil {
		if perr := m.sink.SaveToken(&tc); perr != nil {
			m.logger.Error("persist_token_failed", zap.Error(perr))
		}
	}
	m.logger.Info("token_refreshed", zap.Time("expires_at", tc.ExpiresAt))
	m.report(true)
	return tc, nil
}

func (m *Manager) recordFailure(err error) {
	m.mu.Lock()
	m.failures++
	delay := backoff.Exponential(m.cfg.RetryBase, 2, m.cfg.RetryCap, m.failures)
	m.nextRetry = m.now().Add(delay)
	failures := m.failures
	m.mu.Unlock()

	m.logger.Warn("token_acquire_failed",
		zap.Error(err), zap.Int("attempt", failures), zap.Duration("retry_in", delay))
	m.report(m.Valid())
}

func (m *Manager) report(valid bool) {
	m.mu.Lock()
	changed := m.reported == nil || *m.reported != valid
	if changed {
		v := valid
		m.reported = &v
	}
	fn := m.onValidity
	m.mu.Unlock()

	if changed && fn != nil {
		fn(valid)
	}
}
