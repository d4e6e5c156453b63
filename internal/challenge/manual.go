package challenge

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// ManualChannel carries the out-of-band "done" signal from a human operator.
type ManualChannel struct {
	ch      chan struct{}
	waiting atomic.Bool
}

// NewManualChannel returns a channel holding at most one pending signal.
func NewManualChannel() *ManualChannel {
	return &ManualChannel{ch: make(chan struct{}, 1)}
}

// Notify delivers a signal without blocking. It reports whether a wait was
// outstanding when the signal arrived.
func (m *ManualChannel) Notify() bool {
	select {
	case m.ch <- struct{}{}:
	default:
	}
	return m.waiting.Load()
}

// Waiting reports whether a manual wait is in progress.
func (m *ManualChannel) Waiting() bool {
	return m.waiting.Load()
}

// Wait blocks until a signal, timeout or ctx cancellation. Signals sent
// before the wait started are discarded. It reports whether a signal arrived.
func (m *ManualChannel) Wait(ctx context.Context, timeout time.Duration) bool {
	m.drain()
	m.waiting.Store(true)
	defer m.waiting.Store(false)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *ManualChannel) drain() {
	for {
		select {
		case <-m.ch:
		default:
			return
		}
	}
}

// ReadLines turns every line read from r into a signal until r is exhausted
// or ctx is cancelled. Lines other than empty or "done" are ignored.
func (m *ManualChannel) ReadLines(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" || line == "done" {
			m.Notify()
		}
	}
	return scanner.Err()
}
