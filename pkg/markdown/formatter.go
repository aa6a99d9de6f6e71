package markdown

import (
	"fmt"
	"strings"
)

// Telegram parse modes
const (
	ModeMarkdown = "Markdown"
	ModeHTML     = "HTML"
	ModePlain    = ""
)

// markerReserve is the room kept free in each part for the "Part i/N" header and balance repair
const markerReserve = 32

// Part is one outbound message: the formatted text and its plain-text fallback
type Part struct {
	Text      string
	ParseMode string
	Plain     string
}

// Formatter turns raw model output into transport-safe message parts
type Formatter struct {
	ads   *AdFilter
	limit int
}

// NewFormatter creates a formatter with a per-message character ceiling
func NewFormatter(limit int, adPatterns []string) (*Formatter, error) {
	ads, err := NewAdFilter(adPatterns)
	if err != nil {
		return nil, err
	}
	return &Formatter{ads: ads, limit: limit}, nil
}

// Clean strips advertisement blocks; the result is what gets stored as the assistant reply
func (f *Formatter) Clean(raw string) string {
	return strings.TrimSpace(f.ads.Strip(raw))
}

// Split runs cleaning, heading normalization and segmentation, returning the raw segments
func (f *Formatter) Split(raw string) []string {
	text := NormalizeHeadings(f.Clean(raw))
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= f.limit {
		return []string{text}
	}
	return Segment(text, f.limit-markerReserve)
}

// Prepare returns the parts to send for the given chat output format (md, html or plain)
func (f *Formatter) Prepare(raw, format string) []Part {
	var segments []string
	for _, s := range f.Split(raw) {
		if s = strings.TrimSpace(s); s != "" {
			segments = append(segments, s)
		}
	}

	parts := make([]Part, 0, len(segments))
	for i, s := range segments {
		marker := ""
		if len(segments) > 1 {
			marker = fmt.Sprintf("📄 Part %d/%d\n\n", i+1, len(segments))
		}
		p := Part{Plain: marker + s}
		switch format {
		case "plain":
			p.Text, p.ParseMode = p.Plain, ModePlain
		case "html":
			p.Text, p.ParseMode = escapeHTML(marker)+ToTelegramHTML(s), ModeHTML
		default:
			p.Text, p.ParseMode = marker+BalanceMarkup(s), ModeMarkdown
		}
		parts = append(parts, p)
	}
	return parts
}

func escapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

// Truncate cuts text to at most limit characters, marking the cut with an ellipsis
func Truncate(text string, limit int) string {
	r := []rune(text)
	if limit <= 0 || len(r) <= limit {
		return text
	}
	if limit <= 1 {
		return string(r[:limit])
	}
	return string(r[:limit-1]) + "…"
}
