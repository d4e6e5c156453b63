package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

const defaultRestartBackoff = 60 * time.Second

// Runner is a long-running loop that returns only on failure or cancellation.
type Runner interface {
	Run(ctx context.Context) error
}

// Supervisor restarts its Runner after a fixed backoff whenever it fails or
// panics, until ctx is cancelled.
type Supervisor struct {
	runner  Runner
	backoff time.Duration
	logger  *zap.Logger

	// OnRestart, when set, is called with each failure before the backoff.
	OnRestart func(attempt int, err error)
}

// NewSupervisor wraps runner. A non-positive backoff means 60s.
func NewSupervisor(runner Runner, backoff time.Duration, logger *zap.Logger) *Supervisor {
	if backoff <= 0 {
		backoff = defaultRestartBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{runner: runner, backoff: backoff, logger: logger}
}

// Run blocks until ctx is cancelled and then returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info("supervisor stopping", zap.Error(err))
			return nil
		}
		if err == nil {
			err = errors.New("controller returned without error")
		}
		s.logger.Error("controller failed; restarting after backoff",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", s.backoff),
			zap.Error(err),
		)
		if s.OnRestart != nil {
			s.OnRestart(attempt, err)
		}
		if sleep(ctx, s.backoff) != nil {
			s.logger.Info("supervisor stopping during backoff")
			return nil
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("controller panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("controller panic: %v", r)
		}
	}()
	return s.runner.Run(ctx)
}
