package challenge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/shopping-lead-harvester/internal/browser/fake"
	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

const (
	cleanHTML     = `<html><body><div class="pla-unit-container">results</div></body></html>`
	challengeHTML = `<html><body><div class="g-recaptcha" data-sitekey="` + siteKey + `"></div><p>Please verify you're a human</p></body></html>`
)

type target struct {
	b harvest.Browser
}

func (t target) Browser() harvest.Browser { return t.b }
func (t target) SessionID() string        { return "sess-1" }

type fakeSolver struct {
	mu    sync.Mutex
	token string
	err   error
	reqs  []harvest.SolveRequest
}

func (f *fakeSolver) Solve(_ context.Context, req harvest.SolveRequest) (harvest.SolveResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return harvest.SolveResponse{}, f.err
	}
	return harvest.SolveResponse{Token: f.token}, nil
}

type fakeBlobs struct {
	mu   sync.Mutex
	keys []string
	data [][]byte
}

func (f *fakeBlobs) PutObject(_ context.Context, key, _ string, r io.Reader) (string, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.data = append(f.data, buf)
	return "memory://" + key, nil
}

func fastConfig() Config {
	return Config{
		ManualTimeout: 50 * time.Millisecond,
		Grace:         50 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		SolveTimeout:  time.Second,
	}
}

func TestHandleNoChallenge(t *testing.T) {
	t.Parallel()

	b := &fake.Browser{URL: "https://www.google.com/search", HTML: cleanHTML}
	m := NewMachine(fastConfig(), nil, nil, nil)
	res := m.Handle(context.Background(), target{b})
	require.Equal(t, StateNone, res.State)
	require.Empty(t, res.Trail)
	require.Nil(t, res.Challenge)
}

func TestHandleUnreadablePageIsNone(t *testing.T) {
	t.Parallel()

	b := &fake.Browser{Dead: true}
	m := NewMachine(fastConfig(), nil, nil, nil)
	require.Equal(t, StateNone, m.Handle(context.Background(), target{b}).State)
}

func TestHandleManualTimeoutContinuesOptimistically(t *testing.T) {
	t.Parallel()

	b := &fake.Browser{URL: "https://www.google.com/search", HTML: challengeHTML}
	m := NewMachine(fastConfig(), nil, nil, nil)

	start := time.Now()
	res := m.Handle(context.Background(), target{b})
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, StateVerified, res.State)
	require.Equal(t, []State{StateDetected, StateManualWait, StateManualTimeout, StateVerified}, res.Trail)
	require.Equal(t, 1, res.ManualRounds)
}

func TestHandleAutoSolveSucceeds(t *testing.T) {
	t.Parallel()

	b := &fake.Browser{URL: "https://www.google.com/search", HTML: challengeHTML}
	b.OnExecute = func(script string) (any, error) {
		if strings.Contains(script, "g-recaptcha-response") {
			b.SetHTML(cleanHTML)
			return "submitted", nil
		}
		return nil, nil
	}
	solver := &fakeSolver{token: "tok-123"}
	m := NewMachine(fastConfig(), nil, nil, nil, WithSolver(solver))

	res := m.Handle(context.Background(), target{b})
	require.Equal(t, []State{StateDetected, StateAutoSolving, StateAutoSolved, StateVerified}, res.Trail)
	require.Len(t, solver.reqs, 1)
	require.Equal(t, siteKey, solver.reqs[0].SiteKey)
	require.Equal(t, "v2", solver.reqs[0].Version)
	require.Empty(t, solver.reqs[0].Action)
	require.Equal(t, "https://www.google.com/search", solver.reqs[0].PageURL)
	require.Contains(t, b.ScriptLog()[0], `"tok-123"`)
}

func TestHandleAutoSolveSendsV3Parameters(t *testing.T) {
	t.Parallel()

	v3HTML := strings.Replace(challengeHTML, "</body>",
		`<script>grecaptcha.execute('`+siteKey+`', {action: 'search'})</script></body>`, 1)
	b := &fake.Browser{URL: "https://www.google.com/search", HTML: v3HTML}
	b.OnExecute = func(script string) (any, error) {
		if strings.Contains(script, "g-recaptcha-response") {
			b.SetHTML(cleanHTML)
		}
		return nil, nil
	}
	cfg := fastConfig()
	cfg.V3Action = "search"
	cfg.V3MinScore = 0.7
	solver := &fakeSolver{token: "tok-v3"}
	m := NewMachine(cfg, nil, nil, nil, WithSolver(solver))

	res := m.Handle(context.Background(), target{b})
	require.Equal(t, StateVerified, res.State)
	require.Len(t, solver.reqs, 1)
	require.Equal(t, "v3", solver.reqs[0].Version)
	require.Equal(t, "search", solver.reqs[0].Action)
	require.InDelta(t, 0.7, solver.reqs[0].MinScore, 1e-9)
}

func TestHandleAutoSolveNotConfirmedFallsBackToManual(t *testing.T) {
	t.Parallel()

	b := &fake.Browser{URL: "https://www.google.com/search", HTML: challengeHTML}
	solver := &fakeSolver{token: "tok"}
	m := NewMachine(fastConfig(), nil, nil, nil, WithSolver(solver))

	res := m.Handle(context.Background(), target{b})
	require.Equal(t, []State{
		StateDetected, StateAutoSolving, StateAutoFailed,
		StateManualWait, StateManualTimeout, StateVerified,
	}, res.Trail)
}

func TestHandleSolverErrorThenManualConfirm(t *testing.T) {
	t.Parallel()

	b := &fake.Browser{URL: "https://www.google.com/search", HTML: challengeHTML}
	manual := NewManualChannel()
	cfg := fastConfig()
	cfg.ManualTimeout = 5 * time.Second
	m := NewMachine(cfg, nil, manual, nil, WithSolver(&fakeSolver{err: errors.New("ERROR_ZERO_BALANCE")}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for !manual.Waiting() {
			time.Sleep(time.Millisecond)
		}
		b.SetHTML(cleanHTML)
		manual.Notify()
	}()

	res := m.Handle(ctx, target{b})
	require.Equal(t, []State{
		StateDetected, StateAutoSolving, StateAutoFailed,
		StateManualWait, StateManualConfirmed, StateVerified,
	}, res.Trail)
}

func TestHandleUnsupportedPageSkipsSolver(t *testing.T) {
	t.Parallel()

	b := &fake.Browser{URL: "https://www.google.com/sorry/index?continue=x", HTML: challengeHTML}
	solver := &fakeSolver{token: "tok"}
	m := NewMachine(fastConfig(), nil, nil, nil, WithSolver(solver))

	res := m.Handle(context.Background(), target{b})
	require.Empty(t, solver.reqs)
	require.Equal(t, StateManualWait, res.Trail[1])
	require.Equal(t, StateVerified, res.State)
}

func TestHandleNeverClearsIsAbandoned(t *testing.T) {
	t.Parallel()

	b := &fake.Browser{URL: "https://www.google.com/search", HTML: challengeHTML}
	manual := NewManualChannel()
	cfg := fastConfig()
	cfg.ManualTimeout = 5 * time.Second
	cfg.ExtraManualRounds = 2
	m := NewMachine(cfg, nil, manual, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifyWhileWaiting(ctx, manual)

	res := m.Handle(ctx, target{b})
	require.Equal(t, StateAbandoned, res.State)
	require.Equal(t, 3, res.ManualRounds)
	require.Equal(t, []State{
		StateDetected,
		StateManualWait, StateManualConfirmed,
		StateManualWait, StateManualConfirmed,
		StateManualWait, StateManualConfirmed,
		StateAbandoned,
	}, res.Trail)
}

func TestHandleStoresScreenshot(t *testing.T) {
	t.Parallel()

	b := &fake.Browser{URL: "https://www.google.com/search", HTML: challengeHTML}
	blobs := &fakeBlobs{}
	clk := fake.NewClock(time.UnixMilli(1700000000123))
	cfg := fastConfig()
	cfg.Screenshots = true
	var transitions []Transition
	m := NewMachine(cfg, nil, nil, nil,
		WithBlobStore(blobs),
		WithClock(clk),
		WithObserver(func(tr Transition) { transitions = append(transitions, tr) }),
	)

	m.Handle(context.Background(), target{b})
	require.Equal(t, []string{"challenges/sess-1/1700000000123.png"}, blobs.keys)
	require.True(t, bytes.HasPrefix(blobs.data[0], []byte("\x89PNG")))
	require.Equal(t, StateNone, transitions[0].From)
	require.Equal(t, StateDetected, transitions[0].To)
	require.Equal(t, "sess-1", transitions[0].SessionID)
}

func TestStateHelpers(t *testing.T) {
	t.Parallel()

	require.Equal(t, "manual_wait", StateManualWait.String())
	require.Equal(t, "state(42)", State(42).String())
	require.True(t, StateVerified.Terminal())
	require.False(t, StateManualWait.Terminal())
	require.Contains(t, InjectScript(`a"b`), `"a\"b"`)
}
