package script

import (
	"bytes"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/pkg/errors"
	"golang.org/x/net/html"

	"calfeed/internal/fetch"
)

var (
	scriptSelector      = cascadia.MustCompile("script")
	titleSelector       = cascadia.MustCompile("head > title")
	descriptionSelector = cascadia.MustCompile(`head > meta[name="description"]`)
)

// Document is the part of an HTML page the extractor cares about.
type Document struct {
	Title       string
	Description string
	// Scripts holds inline script bodies in document order.
	Scripts []string
}

// ParseDocument parses an HTML page and collects its inline scripts.
// External scripts (src without body) and non-JavaScript blocks such as
// application/ld+json are left out.
func ParseDocument(body []byte) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(fetch.ErrDecode, "parse html: %v", err)
	}

	doc := &Document{}
	if n := titleSelector.MatchFirst(root); n != nil {
		doc.Title = strings.TrimSpace(nodeText(n))
	}
	if n := descriptionSelector.MatchFirst(root); n != nil {
		doc.Description = strings.TrimSpace(attr(n, "content"))
	}

	for _, n := range scriptSelector.MatchAll(root) {
		if !isJavaScript(attr(n, "type")) {
			continue
		}
		src := nodeText(n)
		if strings.TrimSpace(src) == "" {
			continue
		}
		doc.Scripts = append(doc.Scripts, src)
	}
	return doc, nil
}

func isJavaScript(typ string) bool {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "text/javascript", "application/javascript", "application/x-javascript", "text/ecmascript":
		return true
	default:
		return false
	}
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
