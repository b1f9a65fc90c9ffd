// Package segment splits a raw HTML document into its translatable parts:
// head-level metadata (title, description) translated as one atomic unit,
// and the body tree from which protected zones are extracted.
package segment

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// ErrMalformed marks a document the segmenter cannot work with. The
// orchestrator treats it as fatal for that URL.
var ErrMalformed = errors.New("malformed document")

// Page is a segmented source document.
type Page struct {
	Doctype     string
	HTMLAttrs   []html.Attribute
	Head        *html.Node
	Title       string
	Description string
	Body        *html.Node
}

// Segment parses rawHTML and separates metadata from body content. The body
// node is returned live so the placeholder store can rewrite it in place.
func Segment(rawHTML string) (*Page, error) {
	if strings.TrimSpace(rawHTML) == "" {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}

	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	page := &Page{Doctype: "<!DOCTYPE html>"}

	for node := doc.FirstChild; node != nil; node = node.NextSibling {
		switch node.Type {
		case html.DoctypeNode:
			var b strings.Builder
			if err := html.Render(&b, node); err == nil {
				page.Doctype = b.String()
			}
		case html.ElementNode:
			if node.Data == "html" {
				page.HTMLAttrs = node.Attr
				page.Head = findChild(node, "head")
				page.Body = findChild(node, "body")
			}
		}
	}

	if page.Body == nil || !hasContent(page.Body) {
		return nil, fmt.Errorf("%w: no body content", ErrMalformed)
	}

	if page.Head != nil {
		if title := findChild(page.Head, "title"); title != nil {
			page.Title = strings.TrimSpace(nodeText(title))
		}
		page.Description = metaDescription(page.Head)
	}

	return page, nil
}

// RenderChildren serializes the children of node in order. This is the body
// representation the fragmenter and reassembler operate on: concatenating
// the rendered top-level blocks reproduces it exactly.
func RenderChildren(node *html.Node) (string, error) {
	var b strings.Builder
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if err := html.Render(&b, child); err != nil {
			return "", fmt.Errorf("render body: %w", err)
		}
	}
	return b.String(), nil
}

func findChild(node *html.Node, name string) *html.Node {
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && child.Data == name {
			return child
		}
	}
	return nil
}

func hasContent(body *html.Node) bool {
	for child := body.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case html.ElementNode, html.CommentNode:
			return true
		case html.TextNode:
			if strings.TrimSpace(child.Data) != "" {
				return true
			}
		}
	}
	return false
}

func nodeText(node *html.Node) string {
	var b strings.Builder

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}

	walk(node)
	return b.String()
}

func metaDescription(head *html.Node) string {
	for child := head.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode || child.Data != "meta" {
			continue
		}
		var name, content string
		for _, attr := range child.Attr {
			switch attr.Key {
			case "name":
				name = attr.Val
			case "content":
				content = attr.Val
			}
		}
		if strings.EqualFold(name, "description") {
			return strings.TrimSpace(content)
		}
	}
	return ""
}
