package lms

import (
	"strings"

	"golang.org/x/net/html"
)

// MaxBodyChars caps the cleaned text kept for a page or assignment body.
const MaxBodyChars = 20000

// blockTags separate words when stripped.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"tr": true, "td": true, "th": true, "table": true, "section": true,
	"article": true, "header": true, "footer": true, "blockquote": true, "pre": true,
}

// CleanText strips HTML markup, drops script and style content, decodes
// entities, collapses whitespace and cuts the result to limit runes.
func CleanText(s string, limit int) string {
	if !strings.ContainsAny(s, "<&") {
		return clip(strings.Join(strings.Fields(s), " "), limit)
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && tt == html.StartTagToken {
				skip++
			}
			if blockTags[tag] {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if blockTags[tag] {
				b.WriteByte(' ')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}

	return clip(strings.Join(strings.Fields(b.String()), " "), limit)
}

// clip cuts s to at most limit runes. A non-positive limit disables the cap.
func clip(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
