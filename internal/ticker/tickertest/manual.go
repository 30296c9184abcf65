// Package tickertest provides a manually driven ticker for tests.
package tickertest

import (
	"sync"
	"time"

	"github.com/msageha/conductor/internal/ticker"
)

// Manual is a ticker.Factory whose tickers fire only when Tick is called.
type Manual struct {
	mu      sync.Mutex
	created int
	c       chan time.Time
}

func NewManual() *Manual {
	return &Manual{c: make(chan time.Time)}
}

// Factory returns a ticker.Factory backed by m.
func (m *Manual) Factory() ticker.Factory {
	return func(time.Duration) ticker.Ticker {
		m.mu.Lock()
		m.created++
		m.mu.Unlock()
		return manualTicker{c: m.c}
	}
}

// Created reports how many tickers the factory has produced.
func (m *Manual) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// Tick delivers one tick and blocks until a loop goroutine receives it or
// the timeout elapses. It reports whether the tick was received.
func (m *Manual) Tick(timeout time.Duration) bool {
	select {
	case m.c <- time.Now():
		return true
	case <-time.After(timeout):
		return false
	}
}

type manualTicker struct{ c chan time.Time }

func (t manualTicker) C() <-chan time.Time { return t.c }
func (t manualTicker) Stop()               {}
