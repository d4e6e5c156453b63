// Package challenge detects anti-bot interrogations and drives them to a
// terminal state through an automatic solver and a timed manual fallback.
package challenge

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

// Kind classifies a detected challenge.
type Kind string

// Challenge kinds.
const (
	KindCheckbox         Kind = "inline_checkbox"
	KindImageGrid        Kind = "image_grid"
	KindVerificationPage Kind = "verification_page"
	KindTextSignal       Kind = "text_signal"
)

// Signal names the predicate that fired.
type Signal string

// Detection signals, checked in this order.
const (
	SignalImageFrame      Signal = "image_challenge_frame"
	SignalCheckbox        Signal = "checkbox"
	SignalRecaptchaFrame  Signal = "recaptcha_frame"
	SignalVerificationURL Signal = "verification_url"
	SignalCaptchaForm     Signal = "captcha_form"
	SignalPhrase          Signal = "phrase"
)

// Challenge is a detected interrogation. It lives until the machine reaches
// a terminal state.
type Challenge struct {
	Kind      Kind
	Signal    Signal
	SiteKey   string
	Version   Version
	Invisible bool
	PageURL   string
	Phrase    string
}

// DefaultPhrases are lower-case human-verification markers.
var DefaultPhrases = []string{
	"please complete the security check",
	"i'm not a robot",
	"verify you are human",
	"security verification",
	"complete the captcha",
	"please verify you're a human",
	"unusual traffic from your computer network",
}

// DefaultVerificationURLPatterns mark dedicated verification pages.
var DefaultVerificationURLPatterns = []string{"/sorry/"}

// DetectorConfig tunes the heuristics.
type DetectorConfig struct {
	Phrases                 []string
	VerificationURLPatterns []string
}

// Detector evaluates the named signals against a page. It is best effort and
// may report false positives.
type Detector struct {
	phrases     []string
	urlPatterns []string
}

// NewDetector builds a Detector, falling back to the default signal sets.
func NewDetector(cfg DetectorConfig) *Detector {
	phrases := cfg.Phrases
	if len(phrases) == 0 {
		phrases = DefaultPhrases
	}
	patterns := cfg.VerificationURLPatterns
	if len(patterns) == 0 {
		patterns = DefaultVerificationURLPatterns
	}
	lowered := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	return &Detector{phrases: lowered, urlPatterns: patterns}
}

// Detect returns the challenge on p, if any.
func (d *Detector) Detect(p harvest.Page) (*Challenge, bool) {
	kind, signal, phrase := d.classify(p)
	if signal == "" {
		return nil, false
	}
	return &Challenge{
		Kind:      kind,
		Signal:    signal,
		SiteKey:   ExtractSiteKey(p),
		Version:   DetectVersion(p.HTML),
		Invisible: IsInvisible(p.HTML),
		PageURL:   p.URL,
		Phrase:    phrase,
	}, true
}

func (d *Detector) classify(p harvest.Page) (Kind, Signal, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
	if err == nil {
		if doc.Find(`iframe[title*='recaptcha challenge'], iframe[src*='/recaptcha/api2/bframe']`).Length() > 0 {
			return KindImageGrid, SignalImageFrame, ""
		}
		if doc.Find(".recaptcha-checkbox-border, .recaptcha-checkbox").Length() > 0 {
			return KindCheckbox, SignalCheckbox, ""
		}
		if recaptchaFrame(doc) {
			return KindCheckbox, SignalRecaptchaFrame, ""
		}
	}
	if d.verificationURL(p.URL) {
		return KindVerificationPage, SignalVerificationURL, ""
	}
	if err == nil && doc.Find("form#captcha-form").Length() > 0 {
		return KindVerificationPage, SignalCaptchaForm, ""
	}
	text := strings.ToLower(p.HTML)
	if err == nil {
		text = strings.ToLower(doc.Text())
	}
	for _, phrase := range d.phrases {
		if strings.Contains(text, phrase) {
			return KindTextSignal, SignalPhrase, phrase
		}
	}
	return "", "", ""
}

// Unsupported reports whether url matches a pattern in patterns.
func Unsupported(url string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern != "" && strings.Contains(url, pattern) {
			return true
		}
	}
	return false
}

func (d *Detector) verificationURL(url string) bool {
	return Unsupported(url, d.urlPatterns)
}

func recaptchaFrame(doc *goquery.Document) bool {
	found := false
	doc.Find("iframe").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		title, _ := s.Attr("title")
		src = strings.ToLower(src)
		if strings.Contains(src, "/recaptcha/") || (src != "" && strings.Contains(strings.ToLower(title), "recaptcha")) {
			found = true
			return false
		}
		return true
	})
	return found
}
