// Package headless implements the remote browsing session on top of chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

const defaultNavTimeout = 45 * time.Second

// Config controls how browsers are launched and which identity knobs apply.
type Config struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	WindowWidth       int
	WindowHeight      int
	NavigationTimeout time.Duration
	// Proxies maps a lower-cased identity to a proxy server URL.
	Proxies map[string]string
	// Locales maps a lower-cased identity to an ICU locale such as "fr_FR".
	Locales map[string]string
	// AcceptLanguage maps a lower-cased identity to an Accept-Language value.
	AcceptLanguage map[string]string
}

// Factory opens chromedp sessions bound to an identity.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if cfg.WindowWidth < 0 || cfg.WindowHeight < 0 {
		return nil, fmt.Errorf("window size must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg, logger: logger}, nil
}

// Open launches a browser for identity and waits until it accepts commands.
func (f *Factory) Open(ctx context.Context, identity harvest.Identity) (harvest.Browser, error) {
	s := &Session{
		cfg:      f.cfg,
		identity: identity,
		logger:   f.logger.With(zap.String("identity", identity.String())),
	}
	if err := s.launch(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Session is one live chromedp browser. It is used by a single goroutine at
// a time; the mutex only guards launch/teardown against Close.
type Session struct {
	cfg      Config
	identity harvest.Identity
	logger   *zap.Logger

	mu          sync.Mutex
	taskCtx     context.Context
	taskCancel  context.CancelFunc
	allocCancel context.CancelFunc
	closed      bool
}

func (s *Session) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-notifications", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("enable-automation", false),
		chromedp.NoSandbox,
	)
	if s.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	if s.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ExecPath))
	}
	if s.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(s.cfg.UserAgent))
	}
	if s.cfg.WindowWidth > 0 && s.cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(s.cfg.WindowWidth, s.cfg.WindowHeight))
	}
	if proxy := lookup(s.cfg.Proxies, s.identity); proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	return opts
}

func (s *Session) launch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return harvest.ErrSessionClosed
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), s.allocatorOptions()...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	startCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(startCtx, s.identitySetupAction()); err != nil {
		taskCancel()
		allocCancel()
		return fmt.Errorf("launch browser: %w", err)
	}
	s.taskCtx = taskCtx
	s.taskCancel = taskCancel
	s.allocCancel = allocCancel
	s.logger.Debug("browser launched")
	return nil
}

func (s *Session) identitySetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		lang := lookup(s.cfg.AcceptLanguage, s.identity)
		if s.cfg.UserAgent != "" || lang != "" {
			override := emulation.SetUserAgentOverride(s.cfg.UserAgent)
			if lang != "" {
				override = override.WithAcceptLanguage(lang)
			}
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if locale := lookup(s.cfg.Locales, s.identity); locale != "" {
			if err := emulation.SetLocaleOverride().WithLocale(locale).Do(ctx); err != nil {
				return fmt.Errorf("set locale: %w", err)
			}
		}
		return nil
	})
}

func (s *Session) context() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.taskCtx == nil {
		return nil, harvest.ErrSessionClosed
	}
	return s.taskCtx, nil
}

func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	taskCtx, err := s.context()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Navigate loads url and waits for the body to be ready.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// CurrentURL reads the current location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var location string
	if err := s.run(ctx, chromedp.Location(&location)); err != nil {
		return "", err
	}
	return location, nil
}

// ReadDOM returns the outer HTML of the document.
func (s *Session) ReadDOM(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Execute evaluates script, which must be a JavaScript expression, and
// returns its JSON-decoded value. An undefined result decodes to nil.
func (s *Session) Execute(ctx context.Context, script string) (any, error) {
	var out any
	if err := s.run(ctx, chromedp.Evaluate(wrapExpression(script), &out)); err != nil {
		return nil, err
	}
	return out, nil
}

// StopLoading halts in-flight loads and script-driven navigation.
func (s *Session) StopLoading(ctx context.Context) error {
	return s.run(ctx, page.StopLoading())
}

// Screenshot captures the current viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Restart tears the browser process down and launches a fresh one with the
// same identity.
func (s *Session) Restart(ctx context.Context) error {
	s.teardown()
	if err := s.launch(ctx); err != nil {
		return fmt.Errorf("restart browser: %w", err)
	}
	return nil
}

// Close terminates the browser process. It is safe to call more than once.
func (s *Session) Close() error {
	s.teardown()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) teardown() {
	s.mu.Lock()
	taskCancel, allocCancel := s.taskCancel, s.allocCancel
	s.taskCtx, s.taskCancel, s.allocCancel = nil, nil, nil
	s.mu.Unlock()
	if taskCancel != nil {
		taskCancel()
	}
	if allocCancel != nil {
		allocCancel()
	}
}

func wrapExpression(script string) string {
	script = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(script), ";"))
	return "(() => { const __r = (" + script + "); return __r === undefined ? null : __r; })()"
}

func lookup(m map[string]string, identity harvest.Identity) string {
	if len(m) == 0 || !identity.Known() {
		return ""
	}
	if v, ok := m[identity.String()]; ok {
		return v
	}
	return m[strings.ToLower(identity.String())]
}

// IsClosed reports whether err signals a session that was already closed.
func IsClosed(err error) bool {
	return errors.Is(err, harvest.ErrSessionClosed)
}
