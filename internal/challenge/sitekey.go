package challenge

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

// Version is the detected challenge generation.
type Version string

// Challenge versions. VersionUnknown is only the zero value; detection never
// produces it.
const (
	VersionUnknown Version = ""
	VersionV2      Version = "v2"
	VersionV3      Version = "v3"
)

var (
	contentSiteKey = regexp.MustCompile(`(?i)(?:data-sitekey|sitekey)["']?\s*[:=]\s*["']([0-9A-Za-z_-]{20,})["']`)
	srcSiteKey     = regexp.MustCompile(`[?&](?:k|render)=([0-9A-Za-z_-]{20,})`)
	executeCall    = regexp.MustCompile(`grecaptcha\s*\.\s*(?:enterprise\s*\.\s*)?execute\s*\(`)
	invisibleAttr  = regexp.MustCompile(`(?i)data-size\s*=\s*["']invisible["']`)
)

// ExtractSiteKey looks for the site identifier in order: the data-sitekey
// attribute on a known container, a pattern over page content, and a pattern
// over referenced script and frame URLs. It returns "" when nothing matches.
func ExtractSiteKey(p harvest.Page) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
	if err == nil {
		if key, ok := doc.Find(".g-recaptcha[data-sitekey], [data-sitekey]").First().Attr("data-sitekey"); ok && strings.TrimSpace(key) != "" {
			return strings.TrimSpace(key)
		}
	}
	if m := contentSiteKey.FindStringSubmatch(p.HTML); len(m) == 2 {
		return m[1]
	}
	if err != nil {
		return ""
	}
	var key string
	doc.Find("script[src], iframe[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		if m := srcSiteKey.FindStringSubmatch(src); len(m) == 2 {
			key = m[1]
			return false
		}
		return true
	})
	return key
}

// DetectVersion returns v3 when an execute-style invocation is present and
// v2 otherwise.
func DetectVersion(html string) Version {
	if executeCall.MatchString(html) {
		return VersionV3
	}
	return VersionV2
}

// IsInvisible reports whether the widget is declared invisible.
func IsInvisible(html string) bool {
	return invisibleAttr.MatchString(html)
}
