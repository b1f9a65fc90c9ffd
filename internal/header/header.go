// Package header injects a translation-notice banner into reassembled
// pages: a link back to the English original plus the translator credit.
// It runs strictly after reassembly and before the page is persisted.
package header

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Inject inserts the banner at the top of the article container, falling
// back to the start of the body when no recognizable container exists.
func Inject(htmlContent string, originalURL string, translatorName string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", fmt.Errorf("parse document for header injection: %w", err)
	}

	banner, err := bannerNode(originalURL, translatorName)
	if err != nil {
		return "", err
	}

	target := insertionPoint(doc)
	if target == nil {
		return htmlContent, nil
	}

	if target.FirstChild != nil {
		target.InsertBefore(banner, target.FirstChild)
	} else {
		target.AppendChild(banner)
	}

	var b strings.Builder
	if err := html.Render(&b, doc); err != nil {
		return "", fmt.Errorf("render document after header injection: %w", err)
	}
	return b.String(), nil
}

// insertionPoint prefers the distill-style post container, then the parent
// of d-title, then the body itself.
func insertionPoint(doc *html.Node) *html.Node {
	if post := findByClass(doc, "div", "post"); post != nil {
		return post
	}
	if title := findElement(doc, "d-title"); title != nil && title.Parent != nil {
		return title.Parent
	}
	return findElement(doc, "body")
}

func bannerHTML(originalURL string, translatorName string) string {
	escapedURL := html.EscapeString(originalURL)
	return `<div class="translation-info" style="padding:16px 0;margin-bottom:20px;` +
		`border-bottom:1px solid rgba(0,0,0,0.15);font-size:16px;line-height:1.5;">` +
		`<div><span style="font-weight:600;">英文原文：</span>` +
		`<a href="` + escapedURL + `" target="_blank" rel="noopener noreferrer">` + escapedURL + `</a></div>` +
		`<div><span style="font-weight:600;">翻译：</span>` +
		`<span>` + html.EscapeString(translatorName) + `</span></div>` +
		`</div>`
}

func bannerNode(originalURL string, translatorName string) (*html.Node, error) {
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(bannerHTML(originalURL, translatorName)), context)
	if err != nil || len(nodes) == 0 {
		return nil, fmt.Errorf("build header banner: %w", err)
	}
	return nodes[0], nil
}

func findElement(node *html.Node, name string) *html.Node {
	if node.Type == html.ElementNode && node.Data == name {
		return node
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, name); found != nil {
			return found
		}
	}
	return nil
}

func findByClass(node *html.Node, name string, class string) *html.Node {
	if node.Type == html.ElementNode && node.Data == name {
		for _, attr := range node.Attr {
			if attr.Key == "class" && containsClass(attr.Val, class) {
				return node
			}
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if found := findByClass(child, name, class); found != nil {
			return found
		}
	}
	return nil
}

func containsClass(classAttr string, class string) bool {
	for _, field := range strings.Fields(classAttr) {
		if field == class {
			return true
		}
	}
	return false
}
