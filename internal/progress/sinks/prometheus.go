package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/shopping-lead-harvester/internal/progress"
)

// PrometheusSink exports session lifecycle metrics via Prometheus.
type PrometheusSink struct {
	sessionsOpened  prometheus.Counter
	sessionsOpen    prometheus.Gauge
	sessionLifetime prometheus.Histogram
	units           *prometheus.CounterVec
	unitDuration    prometheus.Histogram
	acceptedLeads   prometheus.Counter
	cycles          prometheus.Counter

	mu   sync.Mutex
	open map[uuid.UUID]struct{}
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_sessions_opened_total",
			Help: "Browsing sessions opened, including restarts and rotations.",
		}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_sessions_open",
			Help: "Browsing sessions currently open.",
		}),
		sessionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_session_lifetime_seconds",
			Help:    "Wall time between session open and close.",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200},
		}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_units_total",
			Help: "Work units processed, partitioned by outcome.",
		}, []string{"outcome"}),
		unitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_unit_duration_seconds",
			Help:    "Wall time per work unit.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		acceptedLeads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_accepted_leads_total",
			Help: "Leads accepted by the ingestion service.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_cycles_total",
			Help: "Completed query cycles.",
		}),
		open: make(map[uuid.UUID]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsOpened,
		s.sessionsOpen,
		s.sessionLifetime,
		s.units,
		s.unitDuration,
		s.acceptedLeads,
		s.cycles,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSessionOpen:
			s.sessionsOpened.Inc()
			if s.track(evt.SessionID, true) {
				s.sessionsOpen.Inc()
			}
		case progress.StageSessionClose:
			if s.track(evt.SessionID, false) {
				s.sessionsOpen.Dec()
			}
			if evt.Dur > 0 {
				s.sessionLifetime.Observe(evt.Dur.Seconds())
			}
		case progress.StageUnitDone:
			s.units.WithLabelValues(evt.Outcome).Inc()
			if evt.Dur > 0 {
				s.unitDuration.Observe(evt.Dur.Seconds())
			}
			if evt.Leads > 0 {
				s.acceptedLeads.Add(float64(evt.Leads))
			}
		case progress.StageCycleDone:
			s.cycles.Inc()
		}
	}
	return nil
}

// track records open or closed state for id and reports whether it changed.
func (s *PrometheusSink) track(id uuid.UUID, open bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[id]
	if open {
		s.open[id] = struct{}{}
		return !ok
	}
	delete(s.open, id)
	return ok
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
