package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// stripHTML walks a parsed HTML document and concatenates its text nodes,
// space-separated. WhatsApp Business messages occasionally carry HTML
// entities or tags pasted in from a supplier's web catalog; this keeps Pass A
// from seeing raw markup as part of a product name or price token.
func stripHTML(text string) string {
	if !looksLikeHTML(text) {
		return text
	}
	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return text
	}
	var b strings.Builder
	collectText(doc, &b)
	collapsed := whitespace.ReplaceAllString(b.String(), " ")
	return strings.TrimSpace(collapsed)
}

// looksLikeHTML is a cheap guard so plain chat text never pays for a parse.
func looksLikeHTML(text string) bool {
	return strings.ContainsAny(text, "<&") && (strings.Contains(text, "</") || strings.Contains(text, "&"))
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteString(" ")
	}
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}
