package session

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/shopping-lead-harvester/internal/browser/fake"
	"github.com/JakeFAU/shopping-lead-harvester/internal/challenge"
	"github.com/JakeFAU/shopping-lead-harvester/internal/extract"
	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
	"github.com/JakeFAU/shopping-lead-harvester/internal/health"
	"github.com/JakeFAU/shopping-lead-harvester/internal/identity"
	"github.com/JakeFAU/shopping-lead-harvester/internal/progress"
	"github.com/JakeFAU/shopping-lead-harvester/internal/recovery"
	"github.com/JakeFAU/shopping-lead-harvester/internal/search"
)

type recordingSink struct {
	mu    sync.Mutex
	leads []harvest.Lead
}

func (s *recordingSink) Forward(_ context.Context, _ string, lead harvest.Lead) harvest.IngestStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads = append(s.leads, lead)
	return harvest.IngestCreated
}

func (s *recordingSink) Leads() []harvest.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]harvest.Lead(nil), s.leads...)
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Emit(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) Stage(stage progress.Stage) []progress.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []progress.Event
	for _, e := range l.events {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) Outcomes(stage progress.Stage) []string {
	var out []string
	for _, e := range l.Stage(stage) {
		out = append(out, e.Outcome)
	}
	return out
}

type staticQueries []string

func (q staticQueries) Sample() []string { return append([]string(nil), q...) }

// cancellingPacer cancels the run on its n-th Wait.
type cancellingPacer struct {
	mu     sync.Mutex
	n      int
	cancel context.CancelFunc
}

func (p *cancellingPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	p.n--
	if p.n == 0 {
		p.cancel()
	}
	p.mu.Unlock()
	return ctx.Err()
}

type harnessConfig struct {
	identities  []harvest.Identity
	initial     harvest.Identity
	threshold   int
	probability float64
	queries     []string
	maxRestarts int
	cyclePause  time.Duration
	pacer       Pacer
	browser     func(harvest.Identity) *fake.Browser
}

type harness struct {
	ctrl    *Controller
	factory *fake.Factory
	sink    *recordingSink
	events  *eventLog
	rotator *identity.Rotator
	driver  *search.Driver
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()

	monitor := health.NewMonitor(health.Config{ProbeTimeout: time.Second}, nil, nil)
	engine := recovery.NewEngine(monitor, recovery.Config{}, nil)
	machine := challenge.NewMachine(challenge.Config{
		ManualTimeout: 20 * time.Millisecond,
		Grace:         10 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	}, challenge.NewDetector(challenge.DetectorConfig{}), challenge.NewManualChannel(), nil)
	rotator, err := identity.NewRotator(identity.Config{
		Identities:       hc.identities,
		Initial:          hc.initial,
		EmptyThreshold:   hc.threshold,
		CycleProbability: hc.probability,
	}, rand.New(rand.NewPCG(7, 11)), nil)
	require.NoError(t, err)

	extractor := extract.NewExtractor(extract.Config{}, nil)
	sink := &recordingSink{}
	driver, err := search.NewDriver(search.Config{}, extractor, nil)
	require.NoError(t, err)

	factory := &fake.Factory{}
	if hc.browser != nil {
		factory.New = func(id harvest.Identity) (*fake.Browser, error) { return hc.browser(id), nil }
	}
	events := &eventLog{}
	ctrl, err := NewController(Config{MaxRestarts: hc.maxRestarts, CyclePause: hc.cyclePause}, Deps{
		Factory:    factory,
		Monitor:    monitor,
		Recovery:   engine,
		Challenges: machine,
		Rotator:    rotator,
		Pipeline:   extract.NewPipeline(extractor, sink, nil),
		Driver:     driver,
		Queries:    staticQueries(hc.queries),
		Pacer:      hc.pacer,
		Events:     events,
	}, nil)
	require.NoError(t, err)
	return &harness{ctrl: ctrl, factory: factory, sink: sink, events: events, rotator: rotator, driver: driver}
}

func container(merchant, service, href string) string {
	return `<div class="pla-unit-container"><div class="zPEcBd">` + merchant + `</div>` +
		`<div class="nNuQVc"><a href="#">` + service + `</a></div>` +
		`<a class="plantl" href="` + href + `">offer</a></div>`
}

func resultsPage(extra string) string {
	return `<html><body>` + extra +
		container("Shop A", "PriceGrabber", "https://a.example/x?ref=1") +
		container("Shop B", "Idealo", "https://b.example/y") +
		`</body></html>`
}

func withHTML(html string) func(harvest.Identity) *fake.Browser {
	return func(harvest.Identity) *fake.Browser { return &fake.Browser{HTML: html} }
}

func TestRunCycleForwardsEachShopOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		identities: []harvest.Identity{"France", "Germany"},
		initial:    "France",
		queries:    []string{"desk lamp", "floor lamp"},
		browser:    withHTML(resultsPage("")),
	})
	require.NoError(t, h.ctrl.RunCycle(context.Background(), 1))

	leads := h.sink.Leads()
	require.Len(t, leads, 2)
	for _, l := range leads {
		require.Equal(t, harvest.Identity("France"), l.Identity)
		require.Equal(t, "desk lamp", l.Query)
	}
	require.Equal(t, "https://a.example/", leads[0].CanonicalURL)

	require.Equal(t, 1, h.factory.Count())
	b := h.factory.Last()
	require.True(t, b.Closed)
	require.Equal(t, []string{
		"https://www.google.com",
		h.driver.QueryURL("desk lamp"),
		h.driver.QueryURL("floor lamp"),
	}, b.Navigations)

	require.Equal(t, []string{progress.OutcomeProductive, progress.OutcomeEmpty}, h.events.Outcomes(progress.StageUnitDone))
	require.Len(t, h.events.Stage(progress.StageCycleDone), 1)
	require.Len(t, h.events.Stage(progress.StageSessionClose), 1)

	snap := h.ctrl.Snapshot()
	require.False(t, snap.Running)
	require.Equal(t, 2, snap.Units)
	require.Equal(t, 1, snap.ConsecutiveEmpty)
	require.Equal(t, 2, snap.SeenURLs)
}

func TestRestartCapSkipsUnits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		queries:     []string{"a", "b", "c", "d", "e"},
		maxRestarts: 2,
		browser: func(harvest.Identity) *fake.Browser {
			return &fake.Browser{Dead: true}
		},
	})
	require.NoError(t, h.ctrl.RunCycle(context.Background(), 1))

	require.Equal(t, 2, h.ctrl.Restarts())
	require.Equal(t, 3, h.factory.Count(), "initial session plus one per restart")
	for _, b := range h.factory.Opened {
		require.True(t, b.Closed)
	}
	require.Equal(t, []string{
		progress.OutcomeFailed,
		progress.OutcomeFailed,
		progress.OutcomeSkipped,
		progress.OutcomeSkipped,
		progress.OutcomeSkipped,
	}, h.events.Outcomes(progress.StageUnitDone))
	require.Len(t, h.events.Stage(progress.StageRestart), 2)
	require.Len(t, h.events.Stage(progress.StageRecovery), 5)
	for _, o := range h.events.Outcomes(progress.StageRecovery) {
		require.Equal(t, recovery.ExhaustedLocalRemedies.String(), o)
	}
}

func TestRecoveredSessionIsKept(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		queries:     []string{"a"},
		maxRestarts: 5,
		browser: func(harvest.Identity) *fake.Browser {
			b := &fake.Browser{HTML: resultsPage("")}
			// Only the probe before the unit fails; the first remedy recovers it.
			b.FailProbes = 1
			return b
		},
	})
	require.NoError(t, h.ctrl.RunCycle(context.Background(), 1))
	require.Equal(t, 1, h.factory.Count())
	require.Zero(t, h.ctrl.Restarts())
	require.Equal(t, []string{recovery.Recovered.String()}, h.events.Outcomes(progress.StageRecovery))
	require.Len(t, h.sink.Leads(), 2)
}

func TestEmptyResultsRotateIdentityWithoutRepeats(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		identities: []harvest.Identity{"France", "Germany", "Italy"},
		initial:    "France",
		threshold:  2,
		queries:    []string{"a", "b", "c", "d"},
		browser:    withHTML("<html><body><p>nothing here</p></body></html>"),
	})
	require.NoError(t, h.ctrl.RunCycle(context.Background(), 1))

	ids := h.factory.Identities
	require.Len(t, ids, 3)
	require.Equal(t, harvest.Identity("France"), ids[0])
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	require.Equal(t, []harvest.Identity{"France", "Germany", "Italy"}, sorted)
	require.Equal(t, []string{RotateEmptyResults, RotateEmptyResults}, h.events.Outcomes(progress.StageRotation))

	first := h.factory.Opened[0]
	require.Contains(t, first.Navigations, h.driver.QueryURL("buy a"), "empty page retries the fallback query")
	require.True(t, first.Closed)
	require.Empty(t, h.sink.Leads())
}

func TestCycleDrawRotatesOnlyAtCycleEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		identities:  []harvest.Identity{"France", "Germany", "Spain"},
		initial:     "France",
		probability: 1,
		queries:     []string{"kettle", "toaster"},
		browser:     withHTML(resultsPage("")),
	})
	require.NoError(t, h.ctrl.RunCycle(context.Background(), 1))

	require.Equal(t, 1, h.factory.Count(), "the cycle keeps one session")
	require.Equal(t, []string{RotateCycleDraw}, h.events.Outcomes(progress.StageRotation))
	require.Len(t, h.sink.Leads(), 2)
	require.NotEqual(t, harvest.Identity("France"), h.rotator.Current())

	require.NoError(t, h.ctrl.RunCycle(context.Background(), 2))
	require.NotEqual(t, harvest.Identity("France"), h.factory.Identities[1])
	require.Equal(t, []string{RotateCycleDraw, RotateCycleDraw}, h.events.Outcomes(progress.StageRotation))
}

func TestRegionLabelBecomesIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		queries: []string{"kettle"},
		browser: withHTML(resultsPage(`<div class="uU7dJb">France</div>`)),
	})
	require.NoError(t, h.ctrl.RunCycle(context.Background(), 1))

	require.Equal(t, harvest.Identity("France"), h.rotator.Current())
	leads := h.sink.Leads()
	require.Len(t, leads, 2)
	require.Equal(t, harvest.Identity("France"), leads[0].Identity)
}

func TestUnknownIdentityDropsLeads(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		queries: []string{"kettle"},
		browser: withHTML(resultsPage("")),
	})
	require.NoError(t, h.ctrl.RunCycle(context.Background(), 1))
	require.Empty(t, h.sink.Leads())
	require.Equal(t, []string{progress.OutcomeProductive}, h.events.Outcomes(progress.StageUnitDone))
}

func TestChallengeIsHandledBeforeExtraction(t *testing.T) {
	t.Parallel()

	html := resultsPage(`<p>Our systems have detected unusual traffic from your computer network.</p>`)
	h := newHarness(t, harnessConfig{
		identities: []harvest.Identity{"France"},
		initial:    "France",
		queries:    []string{"kettle"},
		browser:    withHTML(html),
	})
	require.NoError(t, h.ctrl.RunCycle(context.Background(), 1))

	outcomes := h.events.Outcomes(progress.StageChallenge)
	require.NotEmpty(t, outcomes)
	for _, o := range outcomes {
		require.Equal(t, challenge.StateVerified.String(), o, "manual timeout continues optimistically")
	}
	require.Len(t, h.sink.Leads(), 2)
}

func TestRunStopsOnCancellationAndClosesSession(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, harnessConfig{
		identities: []harvest.Identity{"France"},
		initial:    "France",
		queries:    []string{"a"},
		cyclePause: time.Millisecond,
		pacer:      &cancellingPacer{n: 3, cancel: cancel},
		browser:    withHTML(resultsPage("")),
	})

	err := h.ctrl.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 3, h.ctrl.Snapshot().Cycle)
	require.Equal(t, 3, h.factory.Count(), "one session per cycle")
	for _, b := range h.factory.Opened {
		require.True(t, b.Closed)
	}
	require.False(t, h.ctrl.Snapshot().Running)
	require.Len(t, h.sink.Leads(), 4, "the URL set is scoped to one session")
}

func TestNewControllerValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := NewController(Config{}, Deps{}, nil)
	require.Error(t, err)
}
