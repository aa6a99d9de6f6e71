package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

var (
	paragraphRe  = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	headingTagRe = regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	codeBlockRe  = regexp.MustCompile(`(?s)<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	anyTagRe     = regexp.MustCompile(`</?([a-zA-Z0-9]+)(?:\s[^>]*)?/?>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

var telegramTags = map[string]bool{
	"b": true, "i": true, "u": true, "s": true, "code": true, "pre": true, "a": true,
}

// ToTelegramHTML converts markdown to the HTML subset Telegram accepts
func ToTelegramHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(blackfriday.CommonExtensions)))
	return cleanHTMLForTelegram(html)
}

func cleanHTMLForTelegram(html string) string {
	html = codeBlockRe.ReplaceAllString(html, "<pre>$1</pre>")
	html = headingTagRe.ReplaceAllString(html, "<b>$1</b>\n")
	html = paragraphRe.ReplaceAllString(html, "$1\n")

	html = strings.NewReplacer(
		"<strong>", "<b>", "</strong>", "</b>",
		"<em>", "<i>", "</em>", "</i>",
		"<del>", "<s>", "</del>", "</s>",
		"<ul>", "", "</ul>", "",
		"<ol>", "", "</ol>", "",
		"<li>", "• ", "</li>", "",
		"<br>", "\n", "<br/>", "\n", "<br />", "\n",
		"<hr>", "", "<hr/>", "", "<hr />", "",
	).Replace(html)

	html = anyTagRe.ReplaceAllStringFunc(html, func(tag string) string {
		m := anyTagRe.FindStringSubmatch(tag)
		if len(m) > 1 && telegramTags[strings.ToLower(m[1])] {
			return tag
		}
		return ""
	})

	html = blankLinesRe.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
