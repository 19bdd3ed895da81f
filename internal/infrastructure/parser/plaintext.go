package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var markupExpr = regexp.MustCompile(`(?i)<(br|p|div|a|b|i|u|s|strong|em|span|ul|ol|li|pre|code|blockquote|tg-spoiler)\b[^>]*>|&[a-z]+;|&#\d+;`)

const blockSelector = "p, div, li, tr, blockquote, pre, h1, h2, h3, h4, h5, h6"

// PlainText turns an incoming body into the text the classifier and keyword constraints see.
// Bodies rendered as Telegram HTML are stripped to text with line structure kept; links keep
// their target when it differs from the anchor text. Plain bodies only get whitespace normalised.
func PlainText(body string) string {
	if !markupExpr.MatchString(body) {
		return normalizeWhitespace(body)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return normalizeWhitespace(body)
	}

	doc.Find("script, style").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		text := strings.TrimSpace(a.Text())
		if href == "" || href == text || strings.HasPrefix(href, "tg://") {
			return
		}
		a.AppendHtml(" (" + escapeText(href) + ")")
	})
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	return normalizeWhitespace(doc.Text())
}

// normalizeWhitespace collapses runs of blanks inside lines and drops repeated empty lines.
func normalizeWhitespace(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
