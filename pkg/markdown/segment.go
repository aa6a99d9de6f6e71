package markdown

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type run struct {
	text string
	code bool
}

// splitRuns cuts text into alternating prose and fenced-code runs. A code run spans from its
// opening fence line through the closing fence line; an unclosed fence runs to the end.
func splitRuns(text string) []run {
	var runs []run
	var cur strings.Builder
	inCode := false

	emit := func(code bool) {
		if cur.Len() > 0 {
			runs = append(runs, run{text: cur.String(), code: code})
			cur.Reset()
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		if isFence(line) {
			if !inCode {
				emit(false)
				cur.WriteString(line)
				inCode = true
				continue
			}
			cur.WriteString(line)
			emit(true)
			inCode = false
			continue
		}
		cur.WriteString(line)
	}
	emit(inCode)
	return runs
}

// Segment splits text into pieces of at most limit characters. Fenced code blocks are never
// split, so a block longer than limit becomes one oversized piece. Prose is cut after the last
// whitespace that fits, and only mid-word when a single word exceeds limit. Concatenating the
// pieces yields text exactly.
func Segment(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, r := range splitRuns(text) {
		if r.code {
			n := utf8.RuneCountInString(r.text)
			if curLen+n > limit {
				flush()
			}
			cur.WriteString(r.text)
			curLen += n
			continue
		}

		rest := []rune(r.text)
		for len(rest) > 0 {
			room := limit - curLen
			if len(rest) <= room {
				cur.WriteString(string(rest))
				curLen += len(rest)
				break
			}
			cut := splitPoint(rest, room)
			if cut == 0 {
				if curLen > 0 {
					flush()
					continue
				}
				cut = room
			}
			cur.WriteString(string(rest[:cut]))
			curLen += cut
			flush()
			rest = rest[cut:]
		}
	}
	flush()
	return parts
}

// splitPoint returns the length of the longest prefix of rest within room that ends on
// whitespace, preferring a newline in the second half of the window. 0 means no such prefix.
func splitPoint(rest []rune, room int) int {
	if room <= 0 {
		return 0
	}
	if room > len(rest) {
		room = len(rest)
	}
	space := -1
	for i := room - 1; i >= 0; i-- {
		if rest[i] == '\n' {
			if i >= room/2 {
				return i + 1
			}
			if space < 0 {
				space = i
			}
			break
		}
		if space < 0 && unicode.IsSpace(rest[i]) {
			space = i
		}
	}
	return space + 1
}
