package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	markupExpr  = regexp.MustCompile(`<[a-zA-Z/!][^>]*>|&[a-zA-Z#0-9]+;`)
	mentionExpr = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9_][A-Za-z0-9_\-]{0,63})`)
)

var folder = strings.NewReplacer(
	"\u2018", "'", "\u2019", "'", "\u201b", "'", "\u2032", "'",
	"\u201c", `"`, "\u201d", `"`, "\u201f", `"`, "\u2033", `"`,
	"\u2013", "-", "\u2014", "-", "\u2212", "-",
	"\u00a0", " ", "\u200b", "",
)

// PlainText renders HTML fragments to text, folds typographic quotes and
// dashes to ASCII, lowercases and collapses whitespace.
func PlainText(s string) string {
	if markupExpr.MatchString(s) {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			doc.Find("script, style").Remove()
			doc.Find("br, p, div, li").Each(func(_ int, sel *goquery.Selection) {
				sel.AppendHtml(" ")
			})
			s = doc.Text()
		}
	}
	s = folder.Replace(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Mentions returns the distinct @names in s, sorted.
func Mentions(s string) []string {
	matches := mentionExpr.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := map[string]bool{}
	for _, m := range matches {
		seen[m[1]] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Normalizer exposes PlainText and Mentions to the detection pipeline.
type Normalizer struct{}

func (Normalizer) Normalize(s string) string { return PlainText(s) }

func (Normalizer) Mentions(s string) []string { return Mentions(s) }
