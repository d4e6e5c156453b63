package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/clock/system"
	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
	"github.com/JakeFAU/shopping-lead-harvester/internal/id/uuid"
)

const enrichTimeout = 30 * time.Second

// Submitter is the subset of Client the forwarder needs.
type Submitter interface {
	Submit(ctx context.Context, lead harvest.Lead, email string) (Result, error)
}

// LeadEvent is published for every accepted lead.
type LeadEvent struct {
	ID        string               `json:"id"`
	SessionID string               `json:"session_id"`
	Lead      harvest.Lead         `json:"lead"`
	Email     string               `json:"email,omitempty"`
	Status    harvest.IngestStatus `json:"status"`
	SentAt    time.Time            `json:"sent_at"`
}

// Attributes returns routing attributes for brokers that support them.
func (e LeadEvent) Attributes() map[string]string {
	return map[string]string{
		"session_id": e.SessionID,
		"identity":   e.Lead.Identity.String(),
		"status":     string(e.Status),
	}
}

// ForwarderOption customises a Forwarder.
type ForwarderOption func(*Forwarder)

// WithEmailFinder enriches leads with a contact address before delivery.
func WithEmailFinder(f harvest.EmailFinder) ForwarderOption {
	return func(fw *Forwarder) { fw.emails = f }
}

// WithLedger records every attempt.
func WithLedger(l harvest.LeadLedger) ForwarderOption {
	return func(fw *Forwarder) { fw.ledger = l }
}

// WithPublisher publishes accepted leads to topic.
func WithPublisher(p harvest.Publisher, topic string) ForwarderOption {
	return func(fw *Forwarder) {
		fw.publisher = p
		fw.topic = topic
	}
}

// WithObserver is called with the outcome of every attempt.
func WithObserver(fn func(harvest.IngestStatus)) ForwarderOption {
	return func(fw *Forwarder) { fw.observer = fn }
}

// WithIDGenerator overrides record ids.
func WithIDGenerator(g harvest.IDGenerator) ForwarderOption {
	return func(fw *Forwarder) { fw.ids = g }
}

// WithClock overrides attempt timestamps.
func WithClock(c harvest.Clock) ForwarderOption {
	return func(fw *Forwarder) { fw.clock = c }
}

// Forwarder implements harvest.LeadSink with at-most-once delivery: every
// lead is submitted once and failures are logged and dropped.
type Forwarder struct {
	client    Submitter
	emails    harvest.EmailFinder
	ledger    harvest.LeadLedger
	publisher harvest.Publisher
	topic     string
	observer  func(harvest.IngestStatus)
	ids       harvest.IDGenerator
	clock     harvest.Clock
	logger    *zap.Logger
}

// NewForwarder builds a Forwarder around client.
func NewForwarder(client Submitter, logger *zap.Logger, opts ...ForwarderOption) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw := &Forwarder{
		client: client,
		ids:    uuid.New(),
		clock:  system.New(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(fw)
	}
	return fw
}

// Forward submits lead and returns the classified outcome.
func (f *Forwarder) Forward(ctx context.Context, sessionID string, lead harvest.Lead) harvest.IngestStatus {
	logger := f.logger.With(zap.String("session_id", sessionID), zap.String("url", lead.CanonicalURL))
	email := f.findEmail(ctx, lead, logger)

	res, err := f.client.Submit(ctx, lead, email)
	if err != nil {
		logger.Warn("lead delivery failed", zap.Int("status_code", res.StatusCode), zap.Error(err))
	}
	if res.Status == "" {
		res.Status = harvest.IngestFailed
	}

	record := harvest.IngestRecord{
		ID:          f.newID(),
		SessionID:   sessionID,
		Lead:        lead,
		Email:       email,
		Status:      res.Status,
		StatusCode:  res.StatusCode,
		AttemptedAt: f.clock.Now(),
	}
	if err != nil {
		record.ErrorText = err.Error()
	}
	if f.ledger != nil {
		if lerr := f.ledger.RecordAttempt(ctx, record); lerr != nil {
			logger.Warn("ledger write failed", zap.Error(lerr))
		}
	}
	if f.publisher != nil && f.topic != "" && res.Status != harvest.IngestFailed {
		event := LeadEvent{
			ID:        record.ID,
			SessionID: sessionID,
			Lead:      lead,
			Email:     email,
			Status:    res.Status,
			SentAt:    record.AttemptedAt,
		}
		if _, perr := f.publisher.Publish(ctx, f.topic, event); perr != nil {
			logger.Warn("lead event publish failed", zap.Error(perr))
		}
	}
	if f.observer != nil {
		f.observer(res.Status)
	}
	return res.Status
}

func (f *Forwarder) findEmail(ctx context.Context, lead harvest.Lead, logger *zap.Logger) string {
	if f.emails == nil {
		return ""
	}
	enrichCtx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()
	email, err := f.emails.FindEmail(enrichCtx, lead.CanonicalURL)
	if err != nil {
		logger.Debug("email enrichment failed", zap.Error(err))
		return ""
	}
	return email
}

func (f *Forwarder) newID() string {
	id, err := f.ids.NewID()
	if err != nil {
		return uuid.New().MustNewID()
	}
	return id
}
