package markdown

import (
	"fmt"
	"regexp"
	"strings"
)

// AdFilter removes sponsor footers appended by the upstream API
type AdFilter struct {
	patterns []*regexp.Regexp
}

// NewAdFilter compiles the configured patterns
func NewAdFilter(patterns []string) (*AdFilter, error) {
	f := &AdFilter{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid ad pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Strip removes every matched span. Text outside the matches is left as is, except
// trailing whitespace exposed by a removal.
func (f *AdFilter) Strip(text string) string {
	if f == nil {
		return text
	}
	stripped := text
	for _, re := range f.patterns {
		stripped = re.ReplaceAllString(stripped, "")
	}
	if stripped == text {
		return text
	}
	return strings.TrimRight(stripped, " \t\r\n")
}

var headingRe = regexp.MustCompile(`^[ \t]{0,3}#{1,6}[ \t]+(.+?)[ \t#]*$`)

// NormalizeHeadings turns "# Title" lines into a bold line, outside fenced code
func NormalizeHeadings(text string) string {
	lines := strings.Split(text, "\n")
	inCode := false
	for i, line := range lines {
		if isFence(line) {
			inCode = !inCode
			continue
		}
		if inCode {
			continue
		}
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		title := strings.TrimSpace(strings.ReplaceAll(m[1], "*", ""))
		if title == "" {
			continue
		}
		lines[i] = "*" + title + "*"
	}
	return strings.Join(lines, "\n")
}

func isFence(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), "```")
}
