// Package recovery applies an ordered ladder of remedies to a browsing session
// that failed a health check.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
	"github.com/JakeFAU/shopping-lead-harvester/internal/health"
)

const defaultSettle = 1500 * time.Millisecond

// Outcome is the result of a recovery episode.
type Outcome int

const (
	// Recovered means a remedy brought the session back to healthy.
	Recovered Outcome = iota
	// ExhaustedLocalRemedies means every remedy ran without success.
	ExhaustedLocalRemedies
)

func (o Outcome) String() string {
	if o == Recovered {
		return "recovered"
	}
	return "exhausted"
}

// Target is the session under recovery.
type Target interface {
	Browser() harvest.Browser
	LastProgress() time.Time
	MarkProgress()
}

// Remedy is one rung of the ladder.
type Remedy struct {
	Name  string
	Apply func(ctx context.Context, b harvest.Browser) error
}

// Attempt describes one remedy application within an episode.
type Attempt struct {
	Step   int
	Remedy string
	Reason health.Result
	Err    error
	Result health.Result
}

// Observer is notified after every attempt.
type Observer func(Attempt)

const (
	reloadScript       = "location.reload()"
	backScript         = "history.back()"
	stopScript         = "window.stop()"
	clearStorageScript = "(function(){try{localStorage.clear();}catch(e){}try{sessionStorage.clear();}catch(e){}return true;})()"
)

// DefaultLadder returns the fixed remedy order, least invasive first.
func DefaultLadder() []Remedy {
	return []Remedy{
		{Name: "refresh", Apply: refresh},
		{Name: "blank_back", Apply: blankThenBack},
		{Name: "stop_reload", Apply: stopThenReload},
		{Name: "clear_storage_reload", Apply: clearStorageThenReload},
	}
}

func refresh(ctx context.Context, b harvest.Browser) error {
	_, err := b.Execute(ctx, reloadScript)
	return err
}

func blankThenBack(ctx context.Context, b harvest.Browser) error {
	if err := b.Navigate(ctx, "about:blank"); err != nil {
		return fmt.Errorf("navigate blank: %w", err)
	}
	if _, err := b.Execute(ctx, backScript); err != nil {
		return fmt.Errorf("history back: %w", err)
	}
	return nil
}

func stopThenReload(ctx context.Context, b harvest.Browser) error {
	if s, ok := b.(harvest.Stopper); ok {
		if err := s.StopLoading(ctx); err != nil {
			return fmt.Errorf("stop loading: %w", err)
		}
	} else if _, err := b.Execute(ctx, stopScript); err != nil {
		return fmt.Errorf("window stop: %w", err)
	}
	return refresh(ctx, b)
}

func clearStorageThenReload(ctx context.Context, b harvest.Browser) error {
	if _, err := b.Execute(ctx, clearStorageScript); err != nil {
		return fmt.Errorf("clear storage: %w", err)
	}
	return refresh(ctx, b)
}

// Config tunes the engine.
type Config struct {
	// Settle is how long to wait after a remedy before probing.
	Settle time.Duration
}

// Option customises an Engine.
type Option func(*Engine)

// WithLadder replaces the remedy ladder.
func WithLadder(ladder []Remedy) Option {
	return func(e *Engine) {
		e.ladder = ladder
	}
}

// WithObserver registers a callback invoked after every attempt.
func WithObserver(obs Observer) Option {
	return func(e *Engine) {
		e.observer = obs
	}
}

// Engine walks the ladder until the monitor reports healthy.
type Engine struct {
	monitor  *health.Monitor
	ladder   []Remedy
	settle   time.Duration
	observer Observer
	logger   *zap.Logger
}

// NewEngine builds an Engine using monitor to judge each remedy.
func NewEngine(monitor *health.Monitor, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.Settle < 0 {
		cfg.Settle = defaultSettle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		monitor: monitor,
		ladder:  DefaultLadder(),
		settle:  cfg.Settle,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recover applies remedies in order and stops at the first one after which
// the session is responsive and not stuck. A remedy that applies without
// error and leaves the browser responsive resets the target's progress
// clock before the probe, so a Stuck episode ends at the first such remedy;
// only remedy errors or an unresponsive browser keep the ladder going.
// Remedy failures are logged and treated as ineffective; they never escape.
func (e *Engine) Recover(ctx context.Context, t Target, reason health.Result) Outcome {
	e.logger.Info("recovery started", zap.Stringer("reason", reason))
	for i, remedy := range e.ladder {
		if ctx.Err() != nil {
			break
		}
		attempt := Attempt{Step: i + 1, Remedy: remedy.Name, Reason: reason}
		b := t.Browser()
		attempt.Err = safeApply(ctx, remedy, b)
		if attempt.Err != nil {
			e.logger.Warn("remedy failed",
				zap.String("remedy", remedy.Name),
				zap.Int("step", attempt.Step),
				zap.Error(attempt.Err),
			)
			attempt.Result = health.Result{Status: health.Unresponsive, Err: attempt.Err}
			e.notify(attempt)
			continue
		}
		if err := sleep(ctx, e.settle); err != nil {
			break
		}
		if e.monitor.CheckResponsive(ctx, b) {
			t.MarkProgress()
		}
		attempt.Result = e.monitor.Probe(ctx, b, t.LastProgress())
		e.notify(attempt)
		if attempt.Result.Healthy() {
			e.logger.Info("recovery succeeded", zap.String("remedy", remedy.Name), zap.Int("step", attempt.Step))
			return Recovered
		}
		e.logger.Debug("remedy ineffective",
			zap.String("remedy", remedy.Name),
			zap.Stringer("result", attempt.Result),
		)
	}
	e.logger.Warn("local remedies exhausted", zap.Stringer("reason", reason))
	return ExhaustedLocalRemedies
}

func (e *Engine) notify(a Attempt) {
	if e.observer != nil {
		e.observer(a)
	}
}

func safeApply(ctx context.Context, remedy Remedy, b harvest.Browser) (err error) {
	if b == nil {
		return harvest.ErrSessionClosed
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remedy %s panicked: %v", remedy.Name, r)
		}
	}()
	return remedy.Apply(ctx, b)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
