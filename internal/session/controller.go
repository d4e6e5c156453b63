package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/challenge"
	"github.com/JakeFAU/shopping-lead-harvester/internal/clock/system"
	"github.com/JakeFAU/shopping-lead-harvester/internal/extract"
	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
	"github.com/JakeFAU/shopping-lead-harvester/internal/health"
	"github.com/JakeFAU/shopping-lead-harvester/internal/identity"
	"github.com/JakeFAU/shopping-lead-harvester/internal/metrics"
	"github.com/JakeFAU/shopping-lead-harvester/internal/progress"
	"github.com/JakeFAU/shopping-lead-harvester/internal/recovery"
	"github.com/JakeFAU/shopping-lead-harvester/internal/search"
)

const defaultMaxRestarts = 5

// Rotation triggers recorded on ROTATION events.
const (
	RotateEmptyResults = "empty_results"
	RotateCycleDraw    = "cycle_draw"
)

// QuerySource yields the queries of one cycle.
type QuerySource interface {
	Sample() []string
}

// Pacer spaces work units.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Config bounds restarts and spaces cycles.
type Config struct {
	// MaxRestarts caps full session restarts per process; negative means the
	// default of 5.
	MaxRestarts int
	CyclePause  time.Duration
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Factory    harvest.BrowserFactory
	Monitor    *health.Monitor
	Recovery   *recovery.Engine
	Challenges *challenge.Machine
	Rotator    *identity.Rotator
	Pipeline   *extract.Pipeline
	Driver     *search.Driver
	Queries    QuerySource
	Pacer      Pacer
	Events     progress.Emitter
	Clock      harvest.Clock
	IDs        harvest.IDGenerator
}

func (d Deps) validate() error {
	switch {
	case d.Factory == nil:
		return errors.New("browser factory is required")
	case d.Monitor == nil:
		return errors.New("health monitor is required")
	case d.Recovery == nil:
		return errors.New("recovery engine is required")
	case d.Challenges == nil:
		return errors.New("challenge machine is required")
	case d.Rotator == nil:
		return errors.New("identity rotator is required")
	case d.Pipeline == nil:
		return errors.New("lead pipeline is required")
	case d.Driver == nil:
		return errors.New("search driver is required")
	case d.Queries == nil:
		return errors.New("query source is required")
	}
	return nil
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	Running          bool      `json:"running"`
	SessionID        string    `json:"session_id,omitempty"`
	Identity         string    `json:"identity,omitempty"`
	StartedAt        time.Time `json:"started_at,omitzero"`
	LastProductiveAt time.Time `json:"last_productive_at,omitzero"`
	Restarts         int       `json:"restarts"`
	MaxRestarts      int       `json:"max_restarts"`
	Cycle            int       `json:"cycle"`
	Units            int       `json:"units"`
	ConsecutiveEmpty int       `json:"consecutive_empty"`
	Query            string    `json:"query,omitempty"`
	SeenURLs         int       `json:"seen_urls"`
}

// Controller runs work units strictly one at a time against a single Session.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	// Loop-owned state. mu guards it against Snapshot readers only.
	mu               sync.Mutex
	session          *Session
	restarts         int
	cycle            int
	units            int
	consecutiveEmpty int
	query            string
	seenURLs         int
}

// NewController validates deps and fills optional collaborators.
func NewController(cfg Config, deps Deps, logger *zap.Logger) (*Controller, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = defaultMaxRestarts
	}
	if deps.Pacer == nil {
		deps.Pacer = noPause{}
	}
	if deps.Events == nil {
		deps.Events = progress.Discard
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Controller{cfg: cfg, deps: deps, logger: logger}, nil
}

// Run executes cycles until ctx is cancelled or a systemic failure occurs.
// It always returns a non-nil error.
func (c *Controller) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		c.cycle++
		cycle := c.cycle
		c.mu.Unlock()
		if err := c.RunCycle(ctx, cycle); err != nil {
			return err
		}
		c.logger.Info("cycle pause", zap.Int("cycle", cycle), zap.Duration("pause", c.cfg.CyclePause))
		if err := sleep(ctx, c.cfg.CyclePause); err != nil {
			return fmt.Errorf("cycle pause: %w", err)
		}
	}
}

// RunCycle opens a Session, processes one sampled batch of queries, and
// closes the Session again. Only cancellation and failure to open a browser
// are returned as errors.
func (c *Controller) RunCycle(ctx context.Context, cycle int) error {
	queries := c.deps.Queries.Sample()
	logger := c.logger.With(zap.Int("cycle", cycle))
	logger.Info("cycle started", zap.Int("queries", len(queries)))

	if err := c.open(ctx, c.deps.Rotator.Current()); err != nil {
		return err
	}
	defer c.closeSession()

	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cycle %d interrupted: %w", cycle, err)
		}
		if err := c.runUnit(ctx, q); err != nil {
			return err
		}
	}

	s := c.current()
	c.emit(progress.Event{SessionID: s.ID(), Stage: progress.StageCycleDone, Identity: s.Identity().String()})
	if c.deps.Rotator.ShouldRotateCycle(cycle) {
		// The next cycle opens its Session under the new identity.
		c.deps.Rotator.Next()
		c.noteRotation(s, RotateCycleDraw)
	}
	logger.Info("cycle finished", zap.Int("units", c.units))
	return nil
}

// runUnit processes one query. Returned errors are cancellation or a failed
// session replacement; everything else is logged and absorbed.
func (c *Controller) runUnit(ctx context.Context, query string) error {
	c.mu.Lock()
	c.query = query
	c.mu.Unlock()

	if err := c.deps.Pacer.Wait(ctx); err != nil {
		return fmt.Errorf("pace unit: %w", err)
	}
	start := c.deps.Clock.Now()

	ok, err := c.ensureHealthy(ctx)
	if err != nil {
		return err
	}
	if !ok {
		c.finishUnit(query, progress.OutcomeSkipped, extract.Stats{}, start)
		return nil
	}

	s := c.current()
	logger := c.logger.With(zap.String("session_id", s.SessionID()), zap.String("query", query))
	c.prepare(ctx, s, logger)

	page, effective, err := c.search(ctx, s, query, logger)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("unit %q interrupted: %w", query, ctx.Err())
		}
		logger.Warn("unit failed", zap.Error(err))
		c.finishUnit(query, progress.OutcomeFailed, extract.Stats{}, start)
		return nil
	}
	s.MarkProgress()

	stats := c.deps.Pipeline.Process(ctx, extract.Unit{
		SessionID: s.SessionID(),
		Query:     effective,
		Identity:  c.deps.Rotator.Current(),
		HTML:      page.HTML,
	})
	seen := c.deps.Pipeline.Seen().Len()
	c.mu.Lock()
	c.seenURLs = seen
	c.mu.Unlock()
	outcome := progress.OutcomeProductive
	if stats.Empty() {
		outcome = progress.OutcomeEmpty
	}
	empty := c.finishUnit(query, outcome, stats, start)

	if c.deps.Rotator.ShouldRotateEmpty(empty) {
		if err := c.rotate(ctx, RotateEmptyResults); err != nil {
			return err
		}
	}
	return nil
}

// ensureHealthy probes the Session and runs the recovery ladder when needed.
// When local remedies are exhausted the Session is replaced, up to the
// restart cap; past the cap the unit is skipped.
func (c *Controller) ensureHealthy(ctx context.Context) (bool, error) {
	s := c.current()
	res := c.deps.Monitor.Probe(ctx, s.Browser(), s.LastProgress())
	if res.Healthy() {
		return true, nil
	}
	c.logger.Warn("session unhealthy", zap.String("session_id", s.SessionID()), zap.Stringer("health", res))
	outcome := c.deps.Recovery.Recover(ctx, s, res)
	metrics.ObserveRecovery(outcome.String())
	c.emit(progress.Event{
		SessionID: s.ID(),
		Stage:     progress.StageRecovery,
		Identity:  s.Identity().String(),
		Outcome:   outcome.String(),
		Note:      res.String(),
	})
	if outcome == recovery.Recovered {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("recovery interrupted: %w", err)
	}

	c.mu.Lock()
	capped := c.restarts >= c.cfg.MaxRestarts
	if !capped {
		c.restarts++
	}
	restarts := c.restarts
	c.mu.Unlock()
	if capped {
		c.logger.Error("restart cap reached; skipping unit",
			zap.Int("restarts", restarts), zap.Int("max_restarts", c.cfg.MaxRestarts))
		return false, nil
	}

	c.logger.Warn("restarting session", zap.Int("restart", restarts), zap.Int("max_restarts", c.cfg.MaxRestarts))
	metrics.IncSessionRestarts()
	c.emit(progress.Event{SessionID: s.ID(), Stage: progress.StageRestart, Identity: s.Identity().String()})
	c.closeSession()
	if err := c.open(ctx, c.deps.Rotator.Current()); err != nil {
		return false, err
	}
	return true, nil
}

// prepare runs the homepage step once per Session: consent, region label and
// a challenge check.
func (c *Controller) prepare(ctx context.Context, s *Session, logger *zap.Logger) {
	if s.markPrepared() {
		return
	}
	region, err := c.deps.Driver.Prepare(ctx, s.Browser())
	if err != nil {
		logger.Warn("homepage preparation failed", zap.Error(err))
		return
	}
	c.handleChallenge(ctx, s)
	if region == "" {
		return
	}
	current := c.deps.Rotator.Current()
	switch {
	case !current.Known():
		c.deps.Rotator.SetCurrent(harvest.Identity(region))
		logger.Info("identity learned from region label", zap.String("identity", region))
	case region != current.String():
		logger.Warn("region label does not match identity",
			zap.String("identity", current.String()), zap.String("region", region))
	}
}

// search issues query, handles any challenge, reads the result page, and
// falls back once to the prefixed query when the page is empty. The
// returned query is the one that produced the page.
func (c *Controller) search(ctx context.Context, s *Session, query string, logger *zap.Logger) (harvest.Page, string, error) {
	page, err := c.searchOnce(ctx, s, query)
	if !errors.Is(err, search.ErrNoResults) {
		return page, query, err
	}
	fallback, ok := c.deps.Driver.FallbackQuery(query)
	if !ok {
		return page, query, nil
	}
	logger.Info("no results; retrying with fallback query", zap.String("fallback", fallback))
	page, err = c.searchOnce(ctx, s, fallback)
	if errors.Is(err, search.ErrNoResults) {
		return page, fallback, nil
	}
	return page, fallback, err
}

func (c *Controller) searchOnce(ctx context.Context, s *Session, query string) (harvest.Page, error) {
	if err := c.deps.Driver.Search(ctx, s.Browser(), query); err != nil {
		return harvest.Page{}, err
	}
	c.handleChallenge(ctx, s)
	page, err := c.deps.Driver.Read(ctx, s.Browser())
	if err != nil {
		return page, fmt.Errorf("read results: %w", err)
	}
	return page, nil
}

func (c *Controller) handleChallenge(ctx context.Context, s *Session) {
	res := c.deps.Challenges.Handle(ctx, s)
	if res.State == challenge.StateNone {
		return
	}
	c.emit(progress.Event{
		SessionID: s.ID(),
		Stage:     progress.StageChallenge,
		Identity:  s.Identity().String(),
		Outcome:   res.State.String(),
		Note:      fmt.Sprintf("manual_rounds=%d", res.ManualRounds),
	})
	if res.State == challenge.StateAbandoned {
		c.logger.Warn("challenge abandoned; continuing", zap.String("session_id", s.SessionID()))
	}
}

// finishUnit records the unit and returns the updated consecutive-empty count.
func (c *Controller) finishUnit(query, outcome string, stats extract.Stats, start time.Time) int {
	c.mu.Lock()
	c.units++
	if stats.Empty() {
		c.consecutiveEmpty++
	} else {
		c.consecutiveEmpty = 0
	}
	empty := c.consecutiveEmpty
	s := c.session
	c.mu.Unlock()

	c.logger.Info("unit finished",
		zap.String("query", query),
		zap.String("outcome", outcome),
		zap.Int("candidates", stats.Candidates),
		zap.Int("new", stats.New),
		zap.Int("accepted", stats.Accepted),
		zap.Int("consecutive_empty", empty),
	)
	c.emit(progress.Event{
		SessionID: s.ID(),
		Stage:     progress.StageUnitDone,
		Identity:  c.deps.Rotator.Current().String(),
		Query:     query,
		Outcome:   outcome,
		Leads:     stats.Accepted,
		Dur:       max(c.deps.Clock.Now().Sub(start), 0),
	})
	return empty
}

// rotate replaces the Session under the next identity.
func (c *Controller) rotate(ctx context.Context, reason string) error {
	old := c.current()
	next := c.deps.Rotator.Next()
	c.noteRotation(old, reason)
	c.closeSession()
	c.mu.Lock()
	c.consecutiveEmpty = 0
	c.mu.Unlock()
	return c.open(ctx, next)
}

func (c *Controller) noteRotation(s *Session, reason string) {
	metrics.ObserveRotation(reason)
	c.emit(progress.Event{
		SessionID: s.ID(),
		Stage:     progress.StageRotation,
		Identity:  c.deps.Rotator.Current().String(),
		Outcome:   reason,
		Note:      "from " + s.Identity().String(),
	})
}

// open starts a Session under id. The URL set always starts empty.
func (c *Controller) open(ctx context.Context, id harvest.Identity) error {
	b, err := c.deps.Factory.Open(ctx, id)
	if err != nil {
		return fmt.Errorf("open browser for %q: %w", id, err)
	}
	s := newSession(c.newSessionID(), b, id, c.deps.Clock)
	c.deps.Pipeline.Reset()
	c.mu.Lock()
	c.session = s
	c.seenURLs = 0
	c.mu.Unlock()
	c.logger.Info("session opened", zap.String("session_id", s.SessionID()), zap.String("identity", id.String()))
	c.emit(progress.Event{SessionID: s.ID(), Stage: progress.StageSessionOpen, Identity: id.String()})
	return nil
}

func (c *Controller) closeSession() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.close(); err != nil {
		c.logger.Warn("closing browser failed", zap.String("session_id", s.SessionID()), zap.Error(err))
	}
	c.emit(progress.Event{
		SessionID: s.ID(),
		Stage:     progress.StageSessionClose,
		Identity:  s.Identity().String(),
		Dur:       max(c.deps.Clock.Now().Sub(s.StartedAt()), 0),
	})
}

func (c *Controller) current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) newSessionID() uuid.UUID {
	if c.deps.IDs != nil {
		if raw, err := c.deps.IDs.NewID(); err == nil {
			if id, err := uuid.Parse(raw); err == nil {
				return id
			}
		}
	}
	return uuid.New()
}

func (c *Controller) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = c.deps.Clock.Now().UTC()
	}
	c.deps.Events.Emit(evt)
}

// Snapshot reports the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Restarts:         c.restarts,
		MaxRestarts:      c.cfg.MaxRestarts,
		Cycle:            c.cycle,
		Units:            c.units,
		ConsecutiveEmpty: c.consecutiveEmpty,
		Query:            c.query,
		SeenURLs:         c.seenURLs,
	}
	if s := c.session; s != nil {
		snap.Running = true
		snap.SessionID = s.SessionID()
		snap.Identity = c.deps.Rotator.Current().String()
		snap.StartedAt = s.StartedAt()
		snap.LastProductiveAt = s.LastProgress()
	}
	return snap
}

// Restarts returns how many full restarts happened in this process.
func (c *Controller) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

type noPause struct{}

func (noPause) Wait(ctx context.Context) error { return ctx.Err() }

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
