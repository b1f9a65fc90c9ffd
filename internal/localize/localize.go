// Package localize rewrites in-book navigation links in translated pages so
// chapters point at their local translated files instead of the original
// site.
package localize

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Localizer maps source URLs to local translated filenames.
type Localizer struct {
	baseDomain string
	mapping    map[string]string
}

// New builds the URL mapping for the run's source URLs. Links outside
// baseDomain are never touched; an empty baseDomain disables rewriting.
func New(baseDomain string, urls []string) *Localizer {
	l := &Localizer{
		baseDomain: strings.TrimSuffix(strings.TrimSpace(baseDomain), "/"),
		mapping:    make(map[string]string, len(urls)*2),
	}
	for _, raw := range urls {
		name := FilenameForURL(raw)
		l.mapping[raw] = name
		l.mapping[strings.TrimSuffix(raw, "/")] = name
	}
	return l
}

// FilenameForURL derives the local output filename from the last URL path
// segment.
func FilenameForURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "index.html"
	}

	path := strings.Trim(parsed.Path, "/")
	if path == "" {
		return "index.html"
	}

	parts := strings.Split(path, "/")
	name := parts[len(parts)-1]
	if name == "" {
		return "index.html"
	}
	name = strings.TrimSuffix(name, ".html")
	return name + ".html"
}

// Rewrite converts every in-book href to its local filename, returning the
// rewritten document and the number of links converted.
func (l *Localizer) Rewrite(htmlContent string) (string, int, error) {
	if l.baseDomain == "" || len(l.mapping) == 0 {
		return htmlContent, 0, nil
	}

	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", 0, fmt.Errorf("parse document for link rewrite: %w", err)
	}

	converted := 0
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			for i, attr := range node.Attr {
				if attr.Key != "href" || !l.isLocalLink(attr.Val) {
					continue
				}
				if local, ok := l.lookup(attr.Val); ok {
					node.Attr[i].Val = local
					converted++
				}
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	if converted == 0 {
		return htmlContent, 0, nil
	}

	var b strings.Builder
	if err := html.Render(&b, doc); err != nil {
		return "", 0, fmt.Errorf("render document after link rewrite: %w", err)
	}
	return b.String(), converted, nil
}

func (l *Localizer) lookup(href string) (string, bool) {
	if local, ok := l.mapping[href]; ok {
		return local, true
	}
	local, ok := l.mapping[strings.TrimSuffix(href, "/")]
	return local, ok
}

func (l *Localizer) isLocalLink(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}
	if strings.HasPrefix(href, "mailto:") ||
		strings.HasPrefix(href, "tel:") ||
		strings.HasPrefix(href, "javascript:") {
		return false
	}
	return strings.HasPrefix(href, l.baseDomain)
}
