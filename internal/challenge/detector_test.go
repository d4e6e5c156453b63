package challenge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

const siteKey = "6LfwuyUTAAAAAOAmoS0fdqijC2PbbdH4kjq62Y1b"

func TestDetectSignals(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})
	tests := []struct {
		name   string
		page   harvest.Page
		kind   Kind
		signal Signal
	}{
		{
			name:   "image grid frame",
			page:   harvest.Page{URL: "https://www.google.com/search", HTML: `<iframe title="recaptcha challenge expires in two minutes" src="x"></iframe>`},
			kind:   KindImageGrid,
			signal: SignalImageFrame,
		},
		{
			name:   "checkbox",
			page:   harvest.Page{URL: "https://www.google.com/search", HTML: `<div class="recaptcha-checkbox-border"></div>`},
			kind:   KindCheckbox,
			signal: SignalCheckbox,
		},
		{
			name:   "recaptcha frame",
			page:   harvest.Page{URL: "https://shop.example", HTML: `<iframe title="reCAPTCHA" src="https://www.google.com/recaptcha/api2/anchor?k=abc"></iframe>`},
			kind:   KindCheckbox,
			signal: SignalRecaptchaFrame,
		},
		{
			name:   "verification url",
			page:   harvest.Page{URL: "https://www.google.com/sorry/index?continue=x", HTML: `<html><body>hi</body></html>`},
			kind:   KindVerificationPage,
			signal: SignalVerificationURL,
		},
		{
			name:   "captcha form",
			page:   harvest.Page{URL: "https://www.google.com/x", HTML: `<form id="captcha-form"></form>`},
			kind:   KindVerificationPage,
			signal: SignalCaptchaForm,
		},
		{
			name:   "phrase",
			page:   harvest.Page{URL: "https://www.google.com/search", HTML: `<p>Please VERIFY you are human to continue</p>`},
			kind:   KindTextSignal,
			signal: SignalPhrase,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ch, ok := d.Detect(tt.page)
			require.True(t, ok)
			require.Equal(t, tt.kind, ch.Kind)
			require.Equal(t, tt.signal, ch.Signal)
			require.Equal(t, tt.page.URL, ch.PageURL)
			require.Equal(t, VersionV2, ch.Version)
		})
	}
}

func TestDetectCleanPage(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})
	ch, ok := d.Detect(harvest.Page{
		URL:  "https://www.google.com/search?tbm=shop&q=lamp",
		HTML: `<div class="pla-unit-container"><a class="plantl" href="https://shop.example/p">Lamp</a></div><iframe src="https://www.youtube.com/embed/x"></iframe>`,
	})
	require.False(t, ok)
	require.Nil(t, ch)
}

func TestDetectCustomPhrases(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{Phrases: []string{"  Zeig uns, dass du kein Roboter bist "}})
	ch, ok := d.Detect(harvest.Page{HTML: "<p>zeig uns, dass du kein roboter bist</p>"})
	require.True(t, ok)
	require.Equal(t, "zeig uns, dass du kein roboter bist", ch.Phrase)

	_, ok = d.Detect(harvest.Page{HTML: "<p>verify you are human</p>"})
	require.False(t, ok)
}

func TestDetectCarriesSiteKey(t *testing.T) {
	t.Parallel()

	d := NewDetector(DetectorConfig{})
	ch, ok := d.Detect(harvest.Page{
		URL:  "https://shop.example/login",
		HTML: `<div class="g-recaptcha" data-sitekey="` + siteKey + `" data-size="invisible"></div><p>i'm not a robot</p>`,
	})
	require.True(t, ok)
	require.Equal(t, siteKey, ch.SiteKey)
	require.True(t, ch.Invisible)
}

func TestUnsupported(t *testing.T) {
	t.Parallel()

	require.True(t, Unsupported("https://www.google.com/sorry/index", []string{"/sorry/"}))
	require.False(t, Unsupported("https://www.google.com/search", []string{"/sorry/", ""}))
}
