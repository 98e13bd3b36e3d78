// Package normalize strips HTML markup from a mailbox message body while
// preserving reading order, deterministically: a golang.org/x/net/html tree
// walk that skips hidden and boilerplate containers, converts block
// elements to newlines and list items to bullets, and collapses whitespace.
// Email bodies have no <main>/<article> landmark, so the walk always starts
// at <body>.
package normalize

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Text strips scripts, styles, tracking pixels, and hidden/preheader markup
// from input, converts block elements to newlines, list items to bullets,
// and collapses whitespace runs while preserving paragraph breaks. Same
// input always yields the same output. On structurally invalid input it
// falls back to a naive tag-strip so the pipeline never aborts on a single
// malformed message.
func Text(input string) string {
	node, err := html.Parse(strings.NewReader(input))
	if err != nil || node == nil {
		return naiveTagStrip(input)
	}

	body := findFirst(node, "body")
	if body == nil {
		// A fragment with no <html>/<body> wrapper still parses; walk the
		// whole tree in that case.
		body = node
	}

	var b strings.Builder
	collectText(&b, body, false)
	return normalizeWhitespace(b.String())
}

func findFirst(n *html.Node, tag string) *html.Node {
	var res *html.Node
	var dfs func(*html.Node)
	dfs = func(cur *html.Node) {
		if res != nil {
			return
		}
		if cur.Type == html.ElementNode && strings.EqualFold(cur.Data, tag) {
			res = cur
			return
		}
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			dfs(c)
			if res != nil {
				return
			}
		}
	}
	dfs(n)
	return res
}

func collectText(b *strings.Builder, n *html.Node, inPre bool) {
	if n.Type == html.ElementNode {
		if isHiddenOrBoilerplate(n) {
			return
		}
		name := strings.ToLower(n.Data)
		switch name {
		case "script", "style", "noscript", "nav", "footer", "aside", "iframe", "head", "title":
			return
		case "pre", "code":
			inPre = true
		case "br", "hr":
			b.WriteString("\n")
		case "p", "h1", "h2", "h3", "h4", "h5", "h6":
			b.WriteString("\n")
		case "li":
			if s := b.String(); s != "" && !strings.HasSuffix(s, "\n") {
				b.WriteString("\n")
			}
			b.WriteString("• ")
		case "ul", "ol":
			b.WriteString("\n")
		}
	}

	if n.Type == html.TextNode {
		data := n.Data
		if !inPre {
			data = strings.ReplaceAll(data, "\t", " ")
			data = strings.ReplaceAll(data, "\r", " ")
		}
		b.WriteString(data)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(b, c, inPre)
	}

	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "p", "h1", "h2", "h3", "h4", "h5", "h6":
			b.WriteString("\n\n")
		case "li":
			b.WriteString("\n")
		case "pre", "code":
			b.WriteString("\n")
		}
	}
}

// isHiddenOrBoilerplate flags tracking pixels, preheader spans, and
// cookie/consent-style containers by inspecting style/width/height/class/id
// attributes.
func isHiddenOrBoilerplate(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	name := strings.ToLower(n.Data)
	var style, class, id, width, height string
	for _, attr := range n.Attr {
		switch strings.ToLower(attr.Key) {
		case "style":
			style = strings.ToLower(attr.Val)
		case "class":
			class = strings.ToLower(attr.Val)
		case "id":
			id = strings.ToLower(attr.Val)
		case "width":
			width = attr.Val
		case "height":
			height = attr.Val
		}
	}
	if strings.Contains(style, "display:none") || strings.Contains(style, "display: none") ||
		strings.Contains(style, "visibility:hidden") || strings.Contains(style, "mso-hide") {
		return true
	}
	if name == "img" && (width == "1" || height == "1") {
		return true
	}
	if containsAny(class, []string{"preheader", "cookie", "consent", "gdpr"}) ||
		containsAny(id, []string{"preheader", "cookie", "consent", "gdpr"}) {
		return true
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(out) > 0 && out[len(out)-1] == "" {
				continue
			}
			out = append(out, "")
			continue
		}
		out = append(out, collapseSpaces(trimmed))
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	for len(out) > 0 && out[0] == "" {
		out = out[1:]
	}
	return strings.Join(out, "\n")
}

func collapseSpaces(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return b.String()
}

var tagRe = regexp.MustCompile(`(?s)<[^>]*>`)

// naiveTagStrip is the fallback path for structurally invalid HTML: strip
// every "<...>" run and collapse whitespace. It never fails.
func naiveTagStrip(input string) string {
	stripped := tagRe.ReplaceAll([]byte(input), []byte(" "))
	return normalizeWhitespace(string(bytes.TrimSpace(stripped)))
}
