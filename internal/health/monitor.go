// Package health decides whether a browsing session is responsive and whether
// it has stopped making progress. It only detects; recovery lives elsewhere.
package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/clock/system"
	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

const (
	defaultStuckTimeout = 60 * time.Second
	defaultProbeTimeout = 10 * time.Second
)

// Status tags the outcome of a health probe.
type Status int

const (
	// Responsive means the probe answered and progress is recent.
	Responsive Status = iota
	// Unresponsive means the probe failed or timed out.
	Unresponsive
	// Stuck means the browser answers but nothing has progressed for too long.
	Stuck
)

func (s Status) String() string {
	switch s {
	case Responsive:
		return "responsive"
	case Unresponsive:
		return "unresponsive"
	case Stuck:
		return "stuck"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is computed fresh on every probe and never cached.
type Result struct {
	Status   Status
	StuckFor time.Duration
	Err      error
}

// Healthy reports whether the session is responsive and not stuck.
func (r Result) Healthy() bool {
	return r.Status == Responsive
}

func (r Result) String() string {
	if r.Status == Stuck {
		return fmt.Sprintf("stuck(%s)", r.StuckFor.Round(time.Second))
	}
	return r.Status.String()
}

// Config sets the probe and stuck timeouts.
type Config struct {
	StuckTimeout time.Duration
	ProbeTimeout time.Duration
}

// Monitor runs health probes against a browser.
type Monitor struct {
	cfg    Config
	clock  harvest.Clock
	logger *zap.Logger
}

// NewMonitor builds a Monitor, filling zero timeouts with defaults.
func NewMonitor(cfg Config, clock harvest.Clock, logger *zap.Logger) *Monitor {
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = defaultStuckTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{cfg: cfg, clock: clock, logger: logger}
}

// StuckTimeout returns the configured stuck threshold.
func (m *Monitor) StuckTimeout() time.Duration {
	return m.cfg.StuckTimeout
}

// CheckResponsive reads the current location as a trivial probe. A failing
// probe is evidence of unresponsiveness, not an error.
func (m *Monitor) CheckResponsive(ctx context.Context, b harvest.Browser) bool {
	return m.probe(ctx, b) == nil
}

func (m *Monitor) probe(ctx context.Context, b harvest.Browser) error {
	if b == nil {
		return harvest.ErrSessionClosed
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	if _, err := b.CurrentURL(probeCtx); err != nil {
		m.logger.Debug("health probe failed", zap.Error(err))
		return err
	}
	return nil
}

// CheckStuck reports whether no progress was recorded for longer than timeout.
func (m *Monitor) CheckStuck(lastProgress time.Time, timeout time.Duration) bool {
	if lastProgress.IsZero() {
		return false
	}
	return m.clock.Now().Sub(lastProgress) > timeout
}

// Probe combines both checks into a Result.
func (m *Monitor) Probe(ctx context.Context, b harvest.Browser, lastProgress time.Time) Result {
	if err := m.probe(ctx, b); err != nil {
		return Result{Status: Unresponsive, Err: err}
	}
	if m.CheckStuck(lastProgress, m.cfg.StuckTimeout) {
		return Result{Status: Stuck, StuckFor: m.clock.Now().Sub(lastProgress)}
	}
	return Result{Status: Responsive}
}
