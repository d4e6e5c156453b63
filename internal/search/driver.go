// Package search drives the shopping result surface: homepage preparation,
// query navigation and the "buy" fallback.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

// queryPlaceholder marks where the escaped query goes in Config.SearchURL.
// Other percent sequences in the URL are left untouched.
const queryPlaceholder = "%s"

// ErrNoResults is returned when a page holds no result containers.
var ErrNoResults = errors.New("no result containers")

// Config describes the result surface.
type Config struct {
	HomeURL        string
	SearchURL      string
	ConsentText    string
	RegionSelector string
	FallbackPrefix string
}

// ContainerCounter counts result containers in a document.
type ContainerCounter interface {
	CountContainers(html string) int
}

// Driver issues searches through a harvest.Browser.
type Driver struct {
	cfg     Config
	counter ContainerCounter
	logger  *zap.Logger
}

// NewDriver validates cfg and builds a Driver.
func NewDriver(cfg Config, counter ContainerCounter, logger *zap.Logger) (*Driver, error) {
	if cfg.HomeURL == "" {
		cfg.HomeURL = "https://www.google.com"
	}
	if cfg.SearchURL == "" {
		cfg.SearchURL = "https://www.google.com/search?tbm=shop&q=%s"
	}
	if strings.Count(cfg.SearchURL, queryPlaceholder) != 1 {
		return nil, errors.New("search url must contain exactly one %s")
	}
	if cfg.ConsentText == "" {
		cfg.ConsentText = "Accept all"
	}
	if cfg.RegionSelector == "" {
		cfg.RegionSelector = ".uU7dJb"
	}
	if cfg.FallbackPrefix == "" {
		cfg.FallbackPrefix = "buy"
	}
	if counter == nil {
		return nil, errors.New("container counter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{cfg: cfg, counter: counter, logger: logger}, nil
}

// Prepare opens the homepage, accepts the consent dialog if present and
// returns the region label shown there ("" when absent). Only a failed
// navigation is an error.
func (d *Driver) Prepare(ctx context.Context, b harvest.Browser) (string, error) {
	if err := b.Navigate(ctx, d.cfg.HomeURL); err != nil {
		return "", fmt.Errorf("open homepage: %w", err)
	}
	clicked, err := b.Execute(ctx, ConsentScript(d.cfg.ConsentText))
	if err != nil {
		d.logger.Debug("consent click failed", zap.Error(err))
	} else if ok, _ := clicked.(bool); ok {
		d.logger.Info("consent accepted")
	}
	html, err := b.ReadDOM(ctx)
	if err != nil {
		d.logger.Debug("homepage read failed", zap.Error(err))
		return "", nil
	}
	return d.RegionLabel(html), nil
}

// RegionLabel reads the region label from a homepage document.
func (d *Driver) RegionLabel(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find(d.cfg.RegionSelector).First().Text())
}

// QueryURL renders the search URL for query.
func (d *Driver) QueryURL(query string) string {
	return strings.Replace(d.cfg.SearchURL, queryPlaceholder, url.QueryEscape(query), 1)
}

// Search navigates to the result page for query.
func (d *Driver) Search(ctx context.Context, b harvest.Browser, query string) error {
	if err := b.Navigate(ctx, d.QueryURL(query)); err != nil {
		return fmt.Errorf("search %q: %w", query, err)
	}
	return nil
}

// Read snapshots the current page and reports ErrNoResults when it holds no
// result containers.
func (d *Driver) Read(ctx context.Context, b harvest.Browser) (harvest.Page, error) {
	location, err := b.CurrentURL(ctx)
	if err != nil {
		return harvest.Page{}, fmt.Errorf("read url: %w", err)
	}
	html, err := b.ReadDOM(ctx)
	if err != nil {
		return harvest.Page{}, fmt.Errorf("read dom: %w", err)
	}
	page := harvest.Page{URL: location, HTML: html}
	if d.counter.CountContainers(html) == 0 {
		return page, ErrNoResults
	}
	return page, nil
}

// FallbackQuery returns the prefixed query when query does not already
// contain the prefix.
func (d *Driver) FallbackQuery(query string) (string, bool) {
	if strings.Contains(strings.ToLower(query), strings.ToLower(d.cfg.FallbackPrefix)) {
		return "", false
	}
	return d.cfg.FallbackPrefix + " " + query, true
}

const consentTemplate = `(function(text){
  var nodes = Array.prototype.slice.call(document.querySelectorAll('button, [role="button"], input[type="submit"]'));
  for (var i = 0; i < nodes.length; i++) {
    var label = nodes[i].innerText || nodes[i].value || '';
    if (label.indexOf(text) !== -1) { nodes[i].click(); return true; }
  }
  return false;
})(%s)`

// ConsentScript clicks the first button whose label contains text.
func ConsentScript(text string) string {
	encoded, err := json.Marshal(text)
	if err != nil {
		encoded = []byte(`""`)
	}
	return fmt.Sprintf(consentTemplate, encoded)
}
