package markdown

import (
	"regexp"
	"strings"
)

var (
	inlineCodeRe = regexp.MustCompile("`[^`\n]*`")
	danglingLink = regexp.MustCompile(`\[[^\]]*\]\([^)]*$`)
)

// BalanceMarkup appends the closing markers Telegram needs to accept legacy Markdown:
// "]" for an unmatched "[", ")" for a dangling "[text](", then "_" and "*" when their
// counts are odd. Code is ignored when counting.
func BalanceMarkup(text string) string {
	prose := withoutCode(text)
	var suffix strings.Builder

	if strings.Count(prose, "[") > strings.Count(prose, "]") {
		suffix.WriteString("]")
		prose += "]"
	}
	if danglingLink.MatchString(prose) {
		suffix.WriteString(")")
	}
	if strings.Count(prose, "_")%2 == 1 {
		suffix.WriteString("_")
	}
	if strings.Count(prose, "*")%2 == 1 {
		suffix.WriteString("*")
	}
	return text + suffix.String()
}

// withoutCode drops fenced blocks and inline code spans
func withoutCode(text string) string {
	var b strings.Builder
	inCode := false
	for _, line := range strings.SplitAfter(text, "\n") {
		if isFence(line) {
			inCode = !inCode
			continue
		}
		if !inCode {
			b.WriteString(line)
		}
	}
	return inlineCodeRe.ReplaceAllString(b.String(), "")
}
