package harvest

import (
	"context"
	"io"
	"time"
)

// Browser is the remote browsing session surface the controller drives. Any
// call may fail if the underlying browser process is gone.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	ReadDOM(ctx context.Context) (string, error)
	Execute(ctx context.Context, script string) (any, error)
	Restart(ctx context.Context) error
	Close() error
}

// Screenshotter is implemented by browsers that can capture the viewport.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Stopper is implemented by browsers that can halt page loading natively.
type Stopper interface {
	StopLoading(ctx context.Context) error
}

// BrowserFactory opens a new browser bound to an identity.
type BrowserFactory interface {
	Open(ctx context.Context, identity Identity) (Browser, error)
}

// Solver resolves a challenge through a third-party solving service.
type Solver interface {
	Solve(ctx context.Context, req SolveRequest) (SolveResponse, error)
}

// LeadSink receives leads that passed gating.
type LeadSink interface {
	Forward(ctx context.Context, sessionID string, lead Lead) IngestStatus
}

// LeadLedger records every forwarding attempt.
type LeadLedger interface {
	RecordAttempt(ctx context.Context, record IngestRecord) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes accepted-lead events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// EmailFinder looks up a contact address for a shop.
type EmailFinder interface {
	FindEmail(ctx context.Context, shopURL string) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
