package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionOpen  Stage = "SESSION_OPEN"
	StageSessionClose Stage = "SESSION_CLOSE"
	StageUnitDone     Stage = "UNIT_DONE"
	StageRecovery     Stage = "RECOVERY"
	StageRestart      Stage = "RESTART"
	StageChallenge    Stage = "CHALLENGE"
	StageRotation     Stage = "ROTATION"
	StageCycleDone    Stage = "CYCLE_DONE"
)

// Unit outcomes carried in Event.Outcome for StageUnitDone.
const (
	OutcomeProductive = "productive"
	OutcomeEmpty      = "empty"
	OutcomeSkipped    = "skipped"
	OutcomeFailed     = "failed"
)

// Event captures a single session lifecycle milestone.
type Event struct {
	// SessionID identifies the browsing session the event belongs to.
	SessionID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Identity is the apparent origin the session runs under.
	Identity string
	// Query is set for unit-scoped events.
	Query string
	// Outcome is a stage-specific result label: unit outcome, recovery
	// outcome, challenge terminal state or rotation trigger.
	Outcome string
	// Leads counts leads accepted by the ingestion service for the unit.
	Leads int
	// Dur is the unit duration or, for SESSION_CLOSE, the session lifetime.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == uuid.Nil {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionOpen, StageSessionClose, StageRestart, StageCycleDone:
	case StageUnitDone:
		if e.Query == "" {
			return errors.New("unit done requires query")
		}
		if e.Outcome == "" {
			return errors.New("unit done requires outcome")
		}
	case StageRecovery, StageChallenge, StageRotation:
		if e.Outcome == "" {
			return fmt.Errorf("%s requires outcome", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Leads < 0 {
		return errors.New("leads must be >= 0")
	}
	return nil
}
