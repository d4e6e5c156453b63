// Package session composes health monitoring, recovery, challenge handling,
// identity rotation and lead extraction into the long-running harvest loop.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

// Session owns one live browser bound to one identity. Only the Controller
// creates or replaces it.
type Session struct {
	id        uuid.UUID
	browser   harvest.Browser
	identity  harvest.Identity
	startedAt time.Time
	clock     harvest.Clock

	mu           sync.Mutex
	lastProgress time.Time
	prepared     bool
}

func newSession(id uuid.UUID, b harvest.Browser, identity harvest.Identity, clock harvest.Clock) *Session {
	now := clock.Now()
	return &Session{
		id:           id,
		browser:      b,
		identity:     identity,
		startedAt:    now,
		clock:        clock,
		lastProgress: now,
	}
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// SessionID returns the session id as a string.
func (s *Session) SessionID() string { return s.id.String() }

// Browser returns the live browser handle.
func (s *Session) Browser() harvest.Browser { return s.browser }

// Identity returns the identity the browser was opened with.
func (s *Session) Identity() harvest.Identity { return s.identity }

// StartedAt returns when the session was opened.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// LastProgress returns the last time a result page was read successfully.
func (s *Session) LastProgress() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProgress
}

// MarkProgress records forward progress now.
func (s *Session) MarkProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProgress = s.clock.Now()
}

func (s *Session) markPrepared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.prepared
	s.prepared = true
	return was
}

func (s *Session) close() error {
	return s.browser.Close()
}
