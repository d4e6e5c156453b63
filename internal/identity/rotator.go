// Package identity tracks the apparent origin of the session and decides when
// to rotate it.
package identity

import (
	"errors"
	"math/rand/v2"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

const defaultEmptyThreshold = 10

// Config sets the identity set and the two rotation triggers.
type Config struct {
	Identities       []harvest.Identity
	Initial          harvest.Identity
	EmptyThreshold   int
	CycleProbability float64
}

// Rotator owns the current identity and the tried set of the current epoch.
type Rotator struct {
	mu         sync.Mutex
	identities []harvest.Identity
	tried      map[harvest.Identity]struct{}
	current    harvest.Identity
	threshold  int
	prob       float64
	lastCycle  int
	rng        *rand.Rand
	logger     *zap.Logger
}

// NewRotator builds a Rotator. With a nil rng a randomly seeded one is used.
// An empty identity set disables rotation; the current identity is then
// learned through SetCurrent.
func NewRotator(cfg Config, rng *rand.Rand, logger *zap.Logger) (*Rotator, error) {
	if cfg.EmptyThreshold <= 0 {
		cfg.EmptyThreshold = defaultEmptyThreshold
	}
	if cfg.CycleProbability < 0 || cfg.CycleProbability > 1 {
		return nil, errors.New("cycle probability must be within [0,1]")
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := make([]harvest.Identity, 0, len(cfg.Identities))
	for _, id := range cfg.Identities {
		if id.Known() && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	r := &Rotator{
		identities: ids,
		tried:      make(map[harvest.Identity]struct{}),
		threshold:  cfg.EmptyThreshold,
		prob:       cfg.CycleProbability,
		rng:        rng,
		logger:     logger,
	}
	switch {
	case cfg.Initial.Known():
		if len(ids) > 0 && !slices.Contains(ids, cfg.Initial) {
			return nil, errors.New("initial identity is not in the identity set")
		}
		r.current = cfg.Initial
	case len(ids) > 0:
		r.current = ids[rng.IntN(len(ids))]
	}
	if r.current.Known() {
		r.tried[r.current] = struct{}{}
	}
	return r, nil
}

// Current returns the identity in use; it may be unknown.
func (r *Rotator) Current() harvest.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// SetCurrent records an identity learned from the page. It starts a new
// epoch containing only that identity.
func (r *Rotator) SetCurrent(id harvest.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = id
	r.tried = make(map[harvest.Identity]struct{})
	if id.Known() {
		r.tried[id] = struct{}{}
	}
}

// Tried returns the identities used in the current epoch.
func (r *Rotator) Tried() []harvest.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]harvest.Identity, 0, len(r.tried))
	for id := range r.tried {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ShouldRotate fires when consecutiveEmpty reaches the threshold, or with the
// configured probability the first time it sees a new cycleCount. Cycles are
// numbered from 1; a cycleCount of 0 never draws.
func (r *Rotator) ShouldRotate(consecutiveEmpty, cycleCount int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emptyTrigger(consecutiveEmpty) || r.cycleTrigger(cycleCount)
}

// ShouldRotateEmpty applies only the consecutive-empty trigger. It is safe to
// call after every work unit.
func (r *Rotator) ShouldRotateEmpty(consecutiveEmpty int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emptyTrigger(consecutiveEmpty)
}

// ShouldRotateCycle applies only the per-cycle draw, at most once per cycle.
func (r *Rotator) ShouldRotateCycle(cycleCount int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycleTrigger(cycleCount)
}

func (r *Rotator) emptyTrigger(consecutiveEmpty int) bool {
	if len(r.identities) < 2 || consecutiveEmpty < r.threshold {
		return false
	}
	r.logger.Info("rotation triggered by empty results", zap.Int("consecutive_empty", consecutiveEmpty))
	return true
}

func (r *Rotator) cycleTrigger(cycleCount int) bool {
	if len(r.identities) < 2 || cycleCount <= r.lastCycle {
		return false
	}
	r.lastCycle = cycleCount
	if r.rng.Float64() >= r.prob {
		return false
	}
	r.logger.Info("rotation triggered by cycle draw", zap.Int("cycle", cycleCount))
	return true
}

// Next draws uniformly among identities not yet tried in this epoch and makes
// the draw current. When every identity was tried the epoch resets to
// {current} first.
func (r *Rotator) Next() harvest.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	candidates := r.untried()
	if len(candidates) == 0 {
		r.tried = make(map[harvest.Identity]struct{})
		if r.current.Known() {
			r.tried[r.current] = struct{}{}
		}
		candidates = r.untried()
		r.logger.Debug("identity epoch reset", zap.String("identity", r.current.String()))
	}
	if len(candidates) == 0 {
		return r.current
	}
	next := candidates[r.rng.IntN(len(candidates))]
	r.tried[next] = struct{}{}
	r.logger.Info("identity rotated", zap.String("from", r.current.String()), zap.String("to", next.String()))
	r.current = next
	return next
}

func (r *Rotator) untried() []harvest.Identity {
	out := make([]harvest.Identity, 0, len(r.identities))
	for _, id := range r.identities {
		if _, ok := r.tried[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
