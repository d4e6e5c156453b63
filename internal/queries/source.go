// Package queries loads the query list and samples a subset per cycle.
package queries

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
)

// ErrEmpty is returned when the list holds no usable queries.
var ErrEmpty = errors.New("query list is empty")

// Source holds the full list and draws a shuffled sample per cycle.
type Source struct {
	mu      sync.Mutex
	queries []string
	min     int
	max     int
	rng     *rand.Rand
}

// Load reads one query per line from path.
func Load(path string, minPerCycle, maxPerCycle int, rng *rand.Rand) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open query list: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Read(f, minPerCycle, maxPerCycle, rng)
}

// Read parses one query per line from r; blank lines and lines starting with
// '#' are skipped.
func Read(r io.Reader, minPerCycle, maxPerCycle int, rng *rand.Rand) (*Source, error) {
	var list []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		list = append(list, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read query list: %w", err)
	}
	return New(list, minPerCycle, maxPerCycle, rng)
}

// New builds a Source from an in-memory list.
func New(list []string, minPerCycle, maxPerCycle int, rng *rand.Rand) (*Source, error) {
	if len(list) == 0 {
		return nil, ErrEmpty
	}
	if minPerCycle <= 0 {
		minPerCycle = 1
	}
	if maxPerCycle < minPerCycle {
		maxPerCycle = minPerCycle
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Source{
		queries: append([]string(nil), list...),
		min:     minPerCycle,
		max:     maxPerCycle,
		rng:     rng,
	}, nil
}

// Len returns the size of the full list.
func (s *Source) Len() int {
	return len(s.queries)
}

// Sample shuffles the list and returns between min and max queries, capped
// at the list size.
func (s *Source) Sample() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	shuffled := append([]string(nil), s.queries...)
	s.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	n := s.min + s.rng.IntN(s.max-s.min+1)
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}
