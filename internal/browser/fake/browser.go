// Package fake provides a scripted in-memory browser for tests.
package fake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

// ErrDead is returned while the browser is scripted to be unresponsive.
var ErrDead = errors.New("fake browser unresponsive")

// Browser is a harvest.Browser whose behaviour is driven by hooks and
// counters. The zero value is a healthy browser on about:blank.
type Browser struct {
	mu sync.Mutex

	URL  string
	HTML string
	// Dead makes every probe fail until cleared.
	Dead bool
	// FailProbes makes the next N CurrentURL calls fail.
	FailProbes int

	OnNavigate func(url string) error
	OnExecute  func(script string) (any, error)
	OnRestart  func() error
	OnStop     func() error

	Navigations []string
	Scripts     []string
	Restarts    int
	Stops       int
	Shots       int
	Closed      bool
}

// Navigate records url and makes it current.
func (b *Browser) Navigate(_ context.Context, url string) error {
	b.mu.Lock()
	hook := b.OnNavigate
	b.Navigations = append(b.Navigations, url)
	b.mu.Unlock()
	if hook != nil {
		if err := hook(url); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.URL = url
	b.mu.Unlock()
	return nil
}

// CurrentURL returns URL or fails while Dead or FailProbes > 0.
func (b *Browser) CurrentURL(_ context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Closed {
		return "", harvest.ErrSessionClosed
	}
	if b.Dead {
		return "", ErrDead
	}
	if b.FailProbes > 0 {
		b.FailProbes--
		return "", ErrDead
	}
	if b.URL == "" {
		return "about:blank", nil
	}
	return b.URL, nil
}

// ReadDOM returns HTML.
func (b *Browser) ReadDOM(_ context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Closed {
		return "", harvest.ErrSessionClosed
	}
	if b.Dead {
		return "", ErrDead
	}
	return b.HTML, nil
}

// Execute records script and delegates to OnExecute.
func (b *Browser) Execute(_ context.Context, script string) (any, error) {
	b.mu.Lock()
	hook := b.OnExecute
	b.Scripts = append(b.Scripts, script)
	b.mu.Unlock()
	if hook != nil {
		return hook(script)
	}
	return nil, nil
}

// StopLoading counts calls and delegates to OnStop.
func (b *Browser) StopLoading(_ context.Context) error {
	b.mu.Lock()
	b.Stops++
	hook := b.OnStop
	b.mu.Unlock()
	if hook != nil {
		return hook()
	}
	return nil
}

// Screenshot returns a tiny PNG signature.
func (b *Browser) Screenshot(_ context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Shots++
	return []byte("\x89PNG\r\n\x1a\n"), nil
}

// Restart counts restarts and delegates to OnRestart.
func (b *Browser) Restart(_ context.Context) error {
	b.mu.Lock()
	b.Restarts++
	hook := b.OnRestart
	b.mu.Unlock()
	if hook != nil {
		return hook()
	}
	return nil
}

// Close marks the browser closed.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	return nil
}

// SetHTML replaces the current document.
func (b *Browser) SetHTML(html string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.HTML = html
}

// SetDead toggles unresponsiveness.
func (b *Browser) SetDead(dead bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Dead = dead
}

// ScriptLog returns a copy of executed scripts.
func (b *Browser) ScriptLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.Scripts...)
}

// Factory opens fake browsers and remembers them.
type Factory struct {
	mu sync.Mutex

	// New builds the browser for an identity; nil yields a zero Browser.
	New func(identity harvest.Identity) (*Browser, error)

	Opened     []*Browser
	Identities []harvest.Identity
}

// Open implements harvest.BrowserFactory.
func (f *Factory) Open(_ context.Context, identity harvest.Identity) (harvest.Browser, error) {
	var (
		b   *Browser
		err error
	)
	if f.New != nil {
		b, err = f.New(identity)
		if err != nil {
			return nil, err
		}
	} else {
		b = &Browser{}
	}
	f.mu.Lock()
	f.Opened = append(f.Opened, b)
	f.Identities = append(f.Identities, identity)
	f.mu.Unlock()
	return b, nil
}

// Count returns how many browsers were opened.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Opened)
}

// Last returns the most recently opened browser.
func (f *Factory) Last() *Browser {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Opened) == 0 {
		return nil
	}
	return f.Opened[len(f.Opened)-1]
}

// Clock is a manually advanced harvest.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a Clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
