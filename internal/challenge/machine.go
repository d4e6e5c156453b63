package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/clock/system"
	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

// State is a node of the challenge state machine.
type State int

// States in the order they can be visited.
const (
	StateNone State = iota
	StateDetected
	StateAutoSolving
	StateAutoSolved
	StateAutoFailed
	StateManualWait
	StateManualConfirmed
	StateManualTimeout
	StateVerified
	StateAbandoned
)

var stateNames = map[State]string{
	StateNone:            "none",
	StateDetected:        "detected",
	StateAutoSolving:     "auto_solving",
	StateAutoSolved:      "auto_solved",
	StateAutoFailed:      "auto_failed",
	StateManualWait:      "manual_wait",
	StateManualConfirmed: "manual_confirmed",
	StateManualTimeout:   "manual_timeout",
	StateVerified:        "verified",
	StateAbandoned:       "abandoned",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s returns control to the caller.
func (s State) Terminal() bool {
	return s == StateNone || s == StateVerified || s == StateAbandoned
}

// Target is the session a challenge is handled on.
type Target interface {
	Browser() harvest.Browser
	SessionID() string
}

// Result is the outcome of one Handle call. Abandoned is a soft failure.
type Result struct {
	State        State
	Challenge    *Challenge
	Trail        []State
	ManualRounds int
}

// Config tunes the machine.
type Config struct {
	ManualTimeout          time.Duration
	ExtraManualRounds      int
	SolveTimeout           time.Duration
	Grace                  time.Duration
	PollInterval           time.Duration
	UnsupportedURLPatterns []string
	Screenshots            bool
	ScreenshotPrefix       string
	// V3Action and V3MinScore are sent with v3 solve requests.
	V3Action   string
	V3MinScore float64
}

// Transition is reported to observers on every state change.
type Transition struct {
	SessionID string
	From      State
	To        State
	Challenge *Challenge
}

// Option customises a Machine.
type Option func(*Machine)

// WithSolver enables automatic solving.
func WithSolver(s harvest.Solver) Option {
	return func(m *Machine) { m.solver = s }
}

// WithBlobStore stores a screenshot whenever a challenge is detected.
func WithBlobStore(b harvest.BlobStore) Option {
	return func(m *Machine) { m.blobs = b }
}

// WithClock overrides the clock used for screenshot names.
func WithClock(c harvest.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithObserver registers a transition callback.
func WithObserver(fn func(Transition)) Option {
	return func(m *Machine) { m.observer = fn }
}

// Machine drives a detected challenge to VERIFIED or ABANDONED.
type Machine struct {
	cfg      Config
	detector *Detector
	manual   *ManualChannel
	solver   harvest.Solver
	blobs    harvest.BlobStore
	clock    harvest.Clock
	observer func(Transition)
	logger   *zap.Logger
}

// NewMachine builds a Machine. A nil manual channel gets a private one that
// only ever times out.
func NewMachine(cfg Config, detector *Detector, manual *ManualChannel, logger *zap.Logger, opts ...Option) *Machine {
	if cfg.ManualTimeout <= 0 {
		cfg.ManualTimeout = 120 * time.Second
	}
	if cfg.ExtraManualRounds < 0 {
		cfg.ExtraManualRounds = 0
	}
	if cfg.SolveTimeout <= 0 {
		cfg.SolveTimeout = 120 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.UnsupportedURLPatterns == nil {
		cfg.UnsupportedURLPatterns = DefaultVerificationURLPatterns
	}
	if cfg.ScreenshotPrefix == "" {
		cfg.ScreenshotPrefix = "challenges"
	}
	if detector == nil {
		detector = NewDetector(DetectorConfig{})
	}
	if manual == nil {
		manual = NewManualChannel()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		cfg:      cfg,
		detector: detector,
		manual:   manual,
		clock:    system.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Detector returns the detector the machine uses.
func (m *Machine) Detector() *Detector {
	return m.detector
}

type run struct {
	m      *Machine
	target Target
	res    Result
	logger *zap.Logger
}

func (r *run) enter(s State) {
	from := StateNone
	if n := len(r.res.Trail); n > 0 {
		from = r.res.Trail[n-1]
	}
	r.res.Trail = append(r.res.Trail, s)
	r.res.State = s
	r.logger.Info("challenge state", zap.Stringer("from", from), zap.Stringer("state", s))
	if r.m.observer != nil {
		r.m.observer(Transition{SessionID: r.target.SessionID(), From: from, To: s, Challenge: r.res.Challenge})
	}
}

// Handle checks the current page and, if a challenge is present, drives it to
// a terminal state. It never returns an error; every failure routes to the
// next fallback.
func (m *Machine) Handle(ctx context.Context, t Target) Result {
	b := t.Browser()
	page, err := m.snapshot(ctx, b)
	if err != nil {
		m.logger.Debug("challenge check skipped", zap.Error(err))
		return Result{State: StateNone}
	}
	ch, ok := m.detector.Detect(page)
	if !ok {
		return Result{State: StateNone}
	}

	r := &run{
		m:      m,
		target: t,
		res:    Result{Challenge: ch},
		logger: m.logger.With(
			zap.String("session_id", t.SessionID()),
			zap.String("url", ch.PageURL),
			zap.String("signal", string(ch.Signal)),
		),
	}
	r.enter(StateDetected)
	m.screenshot(ctx, t, b)

	if m.autoEligible(ch) {
		r.enter(StateAutoSolving)
		if m.autoSolve(ctx, r, b) {
			r.enter(StateAutoSolved)
			r.enter(StateVerified)
			return r.res
		}
		r.enter(StateAutoFailed)
	}
	m.manualRounds(ctx, r, b)
	return r.res
}

func (m *Machine) autoEligible(ch *Challenge) bool {
	switch {
	case m.solver == nil:
		return false
	case ch.SiteKey == "":
		return false
	case Unsupported(ch.PageURL, m.cfg.UnsupportedURLPatterns):
		return false
	default:
		return true
	}
}

func (m *Machine) autoSolve(ctx context.Context, r *run, b harvest.Browser) bool {
	ch := r.res.Challenge
	solveCtx, cancel := context.WithTimeout(ctx, m.cfg.SolveTimeout)
	req := harvest.SolveRequest{
		SiteKey:   ch.SiteKey,
		PageURL:   ch.PageURL,
		Version:   string(ch.Version),
		Invisible: ch.Invisible,
	}
	if ch.Version == VersionV3 {
		req.Action = m.cfg.V3Action
		req.MinScore = m.cfg.V3MinScore
	}
	resp, err := m.solver.Solve(solveCtx, req)
	cancel()
	if err != nil || resp.Token == "" {
		r.logger.Warn("automatic solve failed", zap.Error(err))
		return false
	}
	if _, err := b.Execute(ctx, InjectScript(resp.Token)); err != nil {
		r.logger.Warn("solution injection failed", zap.Error(err))
	}
	return m.confirm(ctx, b, ch.PageURL)
}

// confirm polls until the URL changes or the detector clears, within Grace.
func (m *Machine) confirm(ctx context.Context, b harvest.Browser, original string) bool {
	deadline := time.NewTimer(m.cfg.Grace)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if page, err := m.snapshot(ctx, b); err == nil {
			if page.URL != original {
				return true
			}
			if _, still := m.detector.Detect(page); !still {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

func (m *Machine) manualRounds(ctx context.Context, r *run, b harvest.Browser) {
	rounds := 1 + m.cfg.ExtraManualRounds
	for round := 1; round <= rounds; round++ {
		r.res.ManualRounds = round
		r.enter(StateManualWait)
		r.logger.Warn("challenge needs manual intervention; signal done when solved",
			zap.Int("round", round),
			zap.Duration("timeout", m.cfg.ManualTimeout),
		)
		if !m.manual.Wait(ctx, m.cfg.ManualTimeout) {
			if ctx.Err() != nil {
				r.enter(StateAbandoned)
				return
			}
			r.enter(StateManualTimeout)
			r.enter(StateVerified)
			return
		}
		r.enter(StateManualConfirmed)
		page, err := m.snapshot(ctx, b)
		if err != nil {
			r.logger.Warn("re-check after manual signal failed", zap.Error(err))
			continue
		}
		if _, still := m.detector.Detect(page); !still {
			r.enter(StateVerified)
			return
		}
	}
	r.enter(StateAbandoned)
}

func (m *Machine) snapshot(ctx context.Context, b harvest.Browser) (harvest.Page, error) {
	if b == nil {
		return harvest.Page{}, harvest.ErrSessionClosed
	}
	url, err := b.CurrentURL(ctx)
	if err != nil {
		return harvest.Page{}, fmt.Errorf("read url: %w", err)
	}
	html, err := b.ReadDOM(ctx)
	if err != nil {
		return harvest.Page{}, fmt.Errorf("read dom: %w", err)
	}
	return harvest.Page{URL: url, HTML: html}, nil
}

func (m *Machine) screenshot(ctx context.Context, t Target, b harvest.Browser) {
	if !m.cfg.Screenshots || m.blobs == nil {
		return
	}
	shooter, ok := b.(harvest.Screenshotter)
	if !ok {
		return
	}
	png, err := shooter.Screenshot(ctx)
	if err != nil {
		m.logger.Warn("challenge screenshot failed", zap.Error(err))
		return
	}
	key := path.Join(m.cfg.ScreenshotPrefix, t.SessionID(), fmt.Sprintf("%d.png", m.clock.Now().UnixMilli()))
	uri, err := m.blobs.PutObject(ctx, key, "image/png", bytes.NewReader(png))
	if err != nil {
		m.logger.Warn("challenge screenshot upload failed", zap.Error(err))
		return
	}
	m.logger.Info("challenge screenshot stored", zap.String("uri", uri))
}

const injectTemplate = `(function(token){
  var fields = document.querySelectorAll('#g-recaptcha-response, [name="g-recaptcha-response"]');
  fields.forEach(function(el){ el.style.display = 'block'; el.value = token; el.innerHTML = token; });
  var holder = document.querySelector('[data-callback]');
  if (holder) {
    var cb = window[holder.getAttribute('data-callback')];
    if (typeof cb === 'function') { try { cb(token); } catch (e) {} }
  }
  var form = fields.length ? fields[0].closest('form') : document.querySelector('form');
  if (form) { try { form.submit(); return 'submitted'; } catch (e) {} }
  var btn = document.querySelector('button[type="submit"], input[type="submit"]');
  if (btn) { btn.click(); return 'clicked'; }
  return fields.length ? 'set' : 'missing';
})(%s)`

// InjectScript builds the expression that places token in the response field,
// submits the enclosing form and falls back to clicking a submit control.
func InjectScript(token string) string {
	encoded, err := json.Marshal(token)
	if err != nil {
		encoded = []byte(`""`)
	}
	return fmt.Sprintf(injectTemplate, encoded)
}
