package harvest

import (
	"errors"
	"time"
)

// ErrSessionClosed is returned by a Browser after Close has been called.
var ErrSessionClosed = errors.New("browser session closed")

// Identity is the apparent origin (a country name) a Session presents.
type Identity string

// Known reports whether the identity carries a usable value.
func (i Identity) Known() bool {
	return i != ""
}

// String returns the identity label.
func (i Identity) String() string {
	return string(i)
}

// Placeholder is the value extraction uses for fields it could not resolve.
const Placeholder = "Unknown"

// Lead is a merchant discovered on a result page. It is immutable once built.
type Lead struct {
	Identity          Identity  `json:"identity"`
	CanonicalURL      string    `json:"canonical_url"`
	MerchantName      string    `json:"merchant_name"`
	ComparisonService string    `json:"comparison_service"`
	Query             string    `json:"query,omitempty"`
	DiscoveredAt      time.Time `json:"discovered_at"`
}

// Attributed reports whether the lead resolved a comparison service.
func (l Lead) Attributed() bool {
	return l.ComparisonService != "" && l.ComparisonService != Placeholder
}

// Page is a snapshot of what the browser currently shows.
type Page struct {
	URL  string
	HTML string
}

// SolveRequest is the payload sent to a CAPTCHA-solving service.
type SolveRequest struct {
	SiteKey   string
	PageURL   string
	Version   string
	Invisible bool
	Action    string
	MinScore  float64
}

// SolveResponse carries the solution token returned by the solving service.
type SolveResponse struct {
	Token    string
	TaskID   string
	Duration time.Duration
}

// IngestStatus classifies the ingestion service response.
type IngestStatus string

// Ingest outcomes recorded for every forwarding attempt.
const (
	IngestCreated       IngestStatus = "created"
	IngestAlreadyExists IngestStatus = "already_exists"
	IngestFailed        IngestStatus = "failed"
)

// IngestRecord is the ledger row written after a forwarding attempt.
type IngestRecord struct {
	ID          string
	SessionID   string
	Lead        Lead
	Email       string
	Status      IngestStatus
	StatusCode  int
	ErrorText   string
	AttemptedAt time.Time
}
