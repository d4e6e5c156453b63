// Package enrich looks up a contact e-mail for a shop with a colly collector.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

const (
	defaultMaxContactPages = 3
	defaultTimeout         = 20 * time.Second
	maxLocalPart           = 20
)

// ErrNoEmail is returned when neither the homepage nor the contact pages
// expose a plausible address.
var ErrNoEmail = errors.New("no contact email found")

var (
	emailPattern    = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	contactKeywords = []string{"contact", "kontakt", "about", "o nas", "impressum"}
	assetSuffixes   = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".css", ".js"}
)

// Config controls the collector.
type Config struct {
	UserAgent       string
	MaxContactPages int
	Timeout         time.Duration
	// RespectRobots makes the collector honour robots.txt on shop sites.
	RespectRobots bool
	Transport     http.RoundTripper
}

// Finder implements harvest.EmailFinder.
type Finder struct {
	cfg  Config
	base *colly.Collector
	log  *zap.Logger
}

// New builds a Finder.
func New(cfg Config, logger *zap.Logger) *Finder {
	if cfg.MaxContactPages <= 0 {
		cfg.MaxContactPages = defaultMaxContactPages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	var transport http.RoundTripper = newHTTPTransport()
	if cfg.Transport != nil {
		transport = cfg.Transport
	}
	if cfg.RespectRobots {
		c.IgnoreRobotsTxt = false
		transport = newRobotsTransport(transport, logger)
	}
	c.WithTransport(transport)
	return &Finder{cfg: cfg, base: c, log: logger}
}

type pageResult struct {
	emails   []string
	contacts []string
}

// FindEmail returns the first plausible address on shopURL or, failing that,
// on up to MaxContactPages contact-like pages linked from it.
func (f *Finder) FindEmail(ctx context.Context, shopURL string) (string, error) {
	home, err := f.visit(ctx, shopURL)
	if err != nil {
		return "", err
	}
	if email := firstValid(home.emails); email != "" {
		return email, nil
	}
	for i, contact := range home.contacts {
		if i >= f.cfg.MaxContactPages {
			break
		}
		page, err := f.visit(ctx, contact)
		if err != nil {
			f.log.Debug("contact page failed", zap.String("url", contact), zap.Error(err))
			continue
		}
		if email := firstValid(page.emails); email != "" {
			return email, nil
		}
	}
	return "", ErrNoEmail
}

func (f *Finder) visit(ctx context.Context, target string) (pageResult, error) {
	var (
		res      pageResult
		fetchErr error
		seen     = map[string]bool{}
	)
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if strings.HasPrefix(strings.ToLower(href), "mailto:") {
			addr := strings.SplitN(strings.TrimPrefix(href[len("mailto:"):], "//"), "?", 2)[0]
			res.emails = append([]string{addr}, res.emails...)
			return
		}
		text := strings.ToLower(strings.TrimSpace(e.Text))
		for _, kw := range contactKeywords {
			if strings.Contains(text, kw) {
				abs := e.Request.AbsoluteURL(href)
				if abs != "" && !seen[abs] {
					seen[abs] = true
					res.contacts = append(res.contacts, abs)
				}
				return
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		res.emails = append(res.emails, emailPattern.FindAllString(string(r.Body), -1)...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()
	select {
	case <-ctx.Done():
		return pageResult{}, fmt.Errorf("enrich canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return pageResult{}, fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return pageResult{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return res, nil
	}
}

func firstValid(candidates []string) string {
	for _, c := range candidates {
		if Plausible(c) {
			return strings.ToLower(c)
		}
	}
	return ""
}

// Plausible reports whether addr looks like a real contact address.
func Plausible(addr string) bool {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at > maxLocalPart {
		return false
	}
	if !emailPattern.MatchString(addr) || emailPattern.FindString(addr) != addr {
		return false
	}
	lower := strings.ToLower(addr)
	for _, suffix := range assetSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}
	return true
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
