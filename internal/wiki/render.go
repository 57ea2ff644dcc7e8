/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package wiki

import (
	"context"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// RefAttr numbers the anchors of a rendered document so the browser can
// report which one was clicked.
const RefAttr = "data-ref"

// Elements removed from rendered documents, subtree included.
var stripped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Link:     true,
	atom.Meta:     true,
	atom.Base:     true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Embed:    true,
	atom.Form:     true,
	atom.Noscript: true,
}

// Render parses document markup into a sandboxed tree: active content and
// inline handlers are removed and every anchor gets a RefAttr index. The
// returned node is the document's <body>.
func Render(markup string) (*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, err
	}

	body := findBody(doc)
	if body == nil {
		body = doc
	}
	if body.Parent != nil {
		body.Parent.RemoveChild(body)
	}

	sanitize(body)

	n := 0
	walk(body, func(el *html.Node) {
		if el.DataAtom == atom.A {
			el.Attr = append(el.Attr, html.Attribute{Key: RefAttr, Val: strconv.Itoa(n)})
			n++
		}
	})

	return body, nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

func sanitize(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling

		switch {
		case c.Type == html.CommentNode:
			n.RemoveChild(c)
		case c.Type == html.ElementNode && stripped[c.DataAtom]:
			n.RemoveChild(c)
		case c.Type == html.ElementNode:
			c.Attr = cleanAttrs(c.Attr)
			sanitize(c)
		}

		c = next
	}
}

func cleanAttrs(attrs []html.Attribute) []html.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		switch {
		case strings.HasPrefix(key, "on"):
			continue
		case key == RefAttr:
			continue
		case (key == "href" || key == "src") && strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Val)), "javascript:"):
			a.Val = "#"
		case key == "target":
			continue
		}
		out = append(out, a)
	}
	return out
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

// Anchors returns the anchors of a rendered document indexed by RefAttr.
func Anchors(root *html.Node) []*html.Node {
	var out []*html.Node
	walk(root, func(el *html.Node) {
		if el.DataAtom != atom.A {
			return
		}
		for _, a := range el.Attr {
			if a.Key == RefAttr {
				out = append(out, el)
				return
			}
		}
	})
	return out
}

// InnerHTML serializes the children of root.
func InnerHTML(root *html.Node) (string, error) {
	var sb strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&sb, c); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

// Load fetches and renders a document.
func (c *Client) Load(ctx context.Context, title string) (*html.Node, error) {
	markup, err := c.FetchDocumentMarkup(ctx, title)
	if err != nil {
		return nil, err
	}

	root, err := Render(markup)
	if err != nil {
		return nil, unavailable("render %q: %v", title, err)
	}
	return root, nil
}
