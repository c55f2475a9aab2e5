package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// chrome lists elements whose subtrees carry no readable content:
// scripts, styling, and page furniture.
var chrome = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
}

// blocky lists elements that render as blocks and therefore deserve a
// paragraph break in the extracted text.
var blocky = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Blockquote: true,
	atom.Pre: true, atom.Ul: true, atom.Ol: true, atom.Table: true,
	atom.Tr: true, atom.Dl: true, atom.Dd: true, atom.Dt: true,
	atom.Figure: true, atom.Figcaption: true, atom.Details: true,
	atom.Summary: true, atom.Hr: true,
}

// extractHTML parses a page and returns its title and readable text.
// Malformed markup falls back to a tag-stripping tokenizer pass.
func extractHTML(raw string) (string, string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", stripTags(raw)
	}

	var ext extractor
	ext.walk(doc)
	return strings.TrimSpace(ext.title.String()), cleanWhitespace(ext.text.String())
}

// extractor accumulates the title and visible text in one DOM pass.
// Inside <head> ordinary text is suppressed but the walk continues so
// the title is still found.
type extractor struct {
	title   strings.Builder
	text    strings.Builder
	inTitle bool
	inHead  bool
}

func (e *extractor) walk(n *html.Node) {
	switch n.Type {
	case html.ElementNode:
		switch {
		case n.DataAtom == atom.Title:
			e.inTitle = true
			defer func() { e.inTitle = false }()
		case n.DataAtom == atom.Head:
			e.inHead = true
			defer func() { e.inHead = false }()
		case chrome[n.DataAtom]:
			return
		case blocky[n.DataAtom] && e.text.Len() > 0:
			e.text.WriteString("\n\n")
		}
	case html.TextNode:
		if e.inTitle {
			e.title.WriteString(n.Data)
			return
		}
		if e.inHead {
			return
		}
		if t := strings.TrimSpace(n.Data); t != "" {
			e.text.WriteString(t)
			e.text.WriteByte(' ')
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		e.walk(c)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		e.text.WriteByte('\n')
	}
}

// cleanWhitespace collapses horizontal whitespace within lines and
// squeezes runs of blank lines down to one.
func cleanWhitespace(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// stripTags keeps only text tokens. Used when html.Parse gives up.
func stripTags(s string) string {
	tok := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		tt := tok.Next()
		if tt == html.ErrorToken {
			return cleanWhitespace(b.String())
		}
		if tt == html.TextToken {
			b.Write(tok.Text())
			b.WriteByte(' ')
		}
	}
}
