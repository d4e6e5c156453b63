// Package extract turns a result page into leads and forwards the ones that
// pass deduplication and attribution gating.
package extract

import (
	"iter"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/shopping-lead-harvester/internal/clock/system"
	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

// Default selectors for the shopping result surface.
var (
	DefaultContainerSelector   = "div.pla-unit-container"
	DefaultLinkSelector        = "a.plantl"
	DefaultMerchantSelectors   = []string{".VuuXrf", ".zPEcBd", ".KbpByd", ".aULzUe"}
	DefaultComparisonSelectors = []string{".nNuQVc a", ".OkcyVb", ".pla-extensions-container"}
)

// Config lists the selectors used to read containers.
type Config struct {
	ContainerSelector   string
	LinkSelector        string
	MerchantSelectors   []string
	ComparisonSelectors []string
}

// Extractor parses result pages.
type Extractor struct {
	cfg   Config
	clock harvest.Clock
}

// NewExtractor builds an Extractor, filling empty selectors with defaults.
func NewExtractor(cfg Config, clock harvest.Clock) *Extractor {
	if cfg.ContainerSelector == "" {
		cfg.ContainerSelector = DefaultContainerSelector
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = DefaultLinkSelector
	}
	if len(cfg.MerchantSelectors) == 0 {
		cfg.MerchantSelectors = DefaultMerchantSelectors
	}
	if len(cfg.ComparisonSelectors) == 0 {
		cfg.ComparisonSelectors = DefaultComparisonSelectors
	}
	if clock == nil {
		clock = system.New()
	}
	return &Extractor{cfg: cfg, clock: clock}
}

// CountContainers returns how many result containers html holds.
func (e *Extractor) CountContainers(html string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0
	}
	return doc.Find(e.cfg.ContainerSelector).Length()
}

// Extract yields one candidate lead per outbound link in every container.
// The sequence is parsed lazily and is not deduplicated.
func (e *Extractor) Extract(html string, identity harvest.Identity) iter.Seq[harvest.Lead] {
	return func(yield func(harvest.Lead) bool) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return
		}
		now := e.clock.Now()
		doc.Find(e.cfg.ContainerSelector).EachWithBreak(func(_ int, container *goquery.Selection) bool {
			merchant := e.merchant(container)
			service := e.comparisonService(container)
			keep := true
			container.Find(e.cfg.LinkSelector).EachWithBreak(func(_ int, link *goquery.Selection) bool {
				href, ok := link.Attr("href")
				if !ok {
					return true
				}
				canonical, ok := CanonicalURL(href)
				if !ok {
					return true
				}
				name := merchant
				if name == harvest.Placeholder {
					name = Domain(canonical)
				}
				keep = yield(harvest.Lead{
					Identity:          identity,
					CanonicalURL:      canonical,
					MerchantName:      name,
					ComparisonService: service,
					DiscoveredAt:      now,
				})
				return keep
			})
			return keep
		})
	}
}

func (e *Extractor) merchant(container *goquery.Selection) string {
	for _, sel := range e.cfg.MerchantSelectors {
		if text := strings.TrimSpace(container.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return harvest.Placeholder
}

// comparisonService reads the "By X" attribution. The first selector is
// trusted as-is; the others must carry the "By " marker.
func (e *Extractor) comparisonService(container *goquery.Selection) string {
	for i, sel := range e.cfg.ComparisonSelectors {
		text := strings.Join(strings.Fields(container.Find(sel).First().Text()), " ")
		if text == "" {
			continue
		}
		idx := strings.Index(text, "By ")
		if idx < 0 {
			if i == 0 {
				return text
			}
			continue
		}
		if name := strings.TrimSpace(text[idx+len("By "):]); name != "" {
			return name
		}
	}
	return harvest.Placeholder
}
