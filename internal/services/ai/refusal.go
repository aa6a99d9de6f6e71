package ai

import (
	"math/rand"
	"strings"
	"unicode/utf8"

	"github.com/pollinations-tgbot-go/internal/config"
)

// RefusalDetector classifies model output that declines instead of answering.
// It prefers false positives: a useless apology must not reach the user as content.
type RefusalDetector struct {
	phrases       []string
	serviceWords  map[string]bool
	formalPhrases []string
	minLength     int
	maxWords      int
	prefixes      []string
	suffixes      []string
	fallbacks     []string
}

// NewRefusalDetector builds a detector from the configured pattern tables
func NewRefusalDetector(cfg *config.RefusalConfig) *RefusalDetector {
	d := &RefusalDetector{
		phrases:       lowerAll(cfg.Phrases),
		serviceWords:  make(map[string]bool, len(cfg.ServiceWords)),
		formalPhrases: lowerAll(cfg.FormalPhrases),
		minLength:     cfg.MinLength,
		maxWords:      cfg.MaxWords,
		prefixes:      cfg.StripPrefixes,
		suffixes:      cfg.StripSuffixes,
		fallbacks:     cfg.Fallbacks,
	}
	for _, w := range lowerAll(cfg.ServiceWords) {
		d.serviceWords[w] = true
	}
	return d
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsRefusal reports whether text looks like a refusal or a non-answer. Empty text is not a
// refusal; callers treat it as "no content".
func (d *RefusalDetector) IsRefusal(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)

	for _, p := range d.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}

	if utf8.RuneCountInString(trimmed) < d.minLength {
		return true
	}

	if words := strings.Fields(lower); len(words) <= d.maxWords {
		allService := true
		for _, w := range words {
			if !d.serviceWords[w] {
				allService = false
				break
			}
		}
		if allService {
			return true
		}
	}

	for _, p := range d.formalPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// CleanTranscript removes framing the model sometimes wraps around a transcript
func (d *RefusalDetector) CleanTranscript(text string) string {
	text = strings.TrimSpace(text)
	for _, p := range d.prefixes {
		if strings.HasPrefix(text, p) {
			text = strings.TrimSpace(text[len(p):])
			break
		}
	}
	for _, s := range d.suffixes {
		if strings.HasSuffix(text, s) {
			text = strings.TrimSpace(text[:len(text)-len(s)])
			break
		}
	}
	return text
}

// Fallback returns a random apology shown instead of a refused transcript
func (d *RefusalDetector) Fallback() string {
	if len(d.fallbacks) == 0 {
		return "Sorry, I could not recognize this message."
	}
	return d.fallbacks[rand.Intn(len(d.fallbacks))]
}

// IsFallback reports whether text is one of the configured apologies
func (d *RefusalDetector) IsFallback(text string) bool {
	for _, f := range d.fallbacks {
		if text == f {
			return true
		}
	}
	return false
}
