// Package ticker runs a function on a fixed interval with explicit
// Start/Stop and a single-flight guard, so a slow tick suppresses the next
// one instead of overlapping it.
package ticker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Ticker is the subset of *time.Ticker the loop needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Factory creates a Ticker for the given interval.
type Factory func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// RealFactory wraps time.NewTicker.
func RealFactory(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Func is the unit of work executed on each tick.
type Func func(ctx context.Context)

type Option func(*Loop)

// WithFactory overrides the ticker source, typically with a manual ticker in tests.
func WithFactory(f Factory) Option {
	return func(l *Loop) { l.factory = f }
}

// WithRunOnStart runs one tick immediately after Start.
func WithRunOnStart() Option {
	return func(l *Loop) { l.runOnStart = true }
}

type Loop struct {
	name       string
	interval   time.Duration
	fn         Func
	logger     *zap.Logger
	factory    Factory
	runOnStart bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inFlight atomic.Bool
	ticks    atomic.Int64
}

func New(name string, interval time.Duration, fn Func, logger *zap.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
		factory:  RealFactory,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start launches the loop. It returns false, without starting a second
// timer, when the loop is already running.
func (l *Loop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.logger.Debug("loop_already_running", zap.String("loop", l.name))
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t := l.factory(l.interval)
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		defer t.Stop()
		if l.runOnStart {
			l.RunOnce(ctx)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C():
				l.RunOnce(ctx)
			}
		}
	}()

	l.logger.Debug("loop_started", zap.String("loop", l.name), zap.Duration("interval", l.interval))
	return true
}

// Stop cancels the loop and waits for an in-flight tick to return. It is a
// no-op when the loop is not running.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		l.logger.Debug("loop_not_running", zap.String("loop", l.name))
		return
	}
	cancel()
	<-done
	l.logger.Debug("loop_stopped", zap.String("loop", l.name))
}

// Running reports whether Start has been called without a matching Stop.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// RunOnce executes one tick unless another is in flight, in which case it
// returns false immediately. Panics in the tick are recovered and logged.
func (l *Loop) RunOnce(ctx context.Context) (ran bool) {
	if !l.inFlight.CompareAndSwap(false, true) {
		l.logger.Debug("tick_skipped_in_flight", zap.String("loop", l.name))
		return false
	}
	defer l.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tick_panic",
				zap.String("loop", l.name),
				zap.Any("error", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()

	l.ticks.Add(1)
	ran = true
	l.fn(ctx)
	return ran
}

// Ticks returns how many ticks have started.
func (l *Loop) Ticks() int64 {
	return l.ticks.Load()
}

func (l *Loop) String() string {
	return fmt.Sprintf("loop(%s, %s)", l.name, l.interval)
}
