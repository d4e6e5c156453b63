package extract

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

// Unit is one processed result page.
type Unit struct {
	SessionID string
	Query     string
	Identity  harvest.Identity
	HTML      string
}

// Stats summarises one Process call.
type Stats struct {
	Candidates int
	Duplicates int
	New        int
	Forwarded  int
	Accepted   int
	Dropped    int
}

// Empty reports whether the unit produced no new leads.
func (s Stats) Empty() bool {
	return s.New == 0
}

// Pipeline deduplicates candidates against the session's URL set and
// forwards attributed leads to the sink.
type Pipeline struct {
	extractor *Extractor
	seen      *URLSet
	sink      harvest.LeadSink
	logger    *zap.Logger
}

// NewPipeline wires an extractor to a sink with an empty URL set.
func NewPipeline(extractor *Extractor, sink harvest.LeadSink, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		extractor: extractor,
		seen:      NewURLSet(),
		sink:      sink,
		logger:    logger,
	}
}

// Reset clears the URL set; call it whenever the session is replaced.
func (p *Pipeline) Reset() {
	p.seen.Reset()
}

// Seen exposes the URL set of the current session.
func (p *Pipeline) Seen() *URLSet {
	return p.seen
}

// Extractor returns the extractor the pipeline reads with.
func (p *Pipeline) Extractor() *Extractor {
	return p.extractor
}

// Process extracts, deduplicates and gates the leads on u. A lead is
// forwarded only when its comparison service is known and an identity is
// set; everything else is dropped without retry.
func (p *Pipeline) Process(ctx context.Context, u Unit) Stats {
	var stats Stats
	for lead := range p.extractor.Extract(u.HTML, u.Identity) {
		stats.Candidates++
		if !p.seen.Add(lead.CanonicalURL) {
			stats.Duplicates++
			continue
		}
		stats.New++
		lead.Query = u.Query
		if !lead.Attributed() || !lead.Identity.Known() {
			stats.Dropped++
			p.logger.Debug("lead dropped",
				zap.String("url", lead.CanonicalURL),
				zap.String("comparison_service", lead.ComparisonService),
				zap.String("identity", lead.Identity.String()),
			)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		stats.Forwarded++
		status := p.sink.Forward(ctx, u.SessionID, lead)
		if status != harvest.IngestFailed {
			stats.Accepted++
		}
		p.logger.Info("lead forwarded",
			zap.String("url", lead.CanonicalURL),
			zap.String("merchant", lead.MerchantName),
			zap.String("comparison_service", lead.ComparisonService),
			zap.String("status", string(status)),
		)
	}
	return stats
}
