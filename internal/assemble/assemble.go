// Package assemble reconstructs the final translated document from the
// segmented page, the atomically translated metadata, the ordered translated
// chunks, and the placeholder store. A document is either fully reassembled
// or withheld; nothing partially translated is ever emitted.
package assemble

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"transbook/internal/fragment"
	"transbook/internal/placeholder"
	"transbook/internal/segment"
)

// ErrIncomplete marks a document with at least one untranslated chunk.
var ErrIncomplete = errors.New("translation incomplete")

// Reassemble concatenates translated chunks strictly by index, restores
// protected zones, substitutes translated metadata into the head, and
// rebuilds the full document with the lang attribute set to langCode.
func Reassemble(
	page *segment.Page,
	title string,
	description string,
	chunks []fragment.Chunk,
	store *placeholder.Store,
	langCode string,
) (string, error) {
	var body strings.Builder
	for i, chunk := range chunks {
		if chunk.Index != i {
			return "", fmt.Errorf("chunk order corrupted: index %d at position %d", chunk.Index, i)
		}
		if chunk.Translated == "" {
			return "", fmt.Errorf("%w: chunk %d has no translation", ErrIncomplete, i)
		}
		body.WriteString(chunk.Translated)
	}

	restoredBody, err := store.Restore(body.String())
	if err != nil {
		return "", err
	}

	head, err := renderHead(page, title, description)
	if err != nil {
		return "", err
	}

	doctype := page.Doctype
	if strings.TrimSpace(doctype) == "" {
		doctype = "<!DOCTYPE html>"
	}

	var doc strings.Builder
	doc.WriteString(doctype)
	doc.WriteString("\n<html")
	doc.WriteString(attrsString(withLang(page.HTMLAttrs, langCode)))
	doc.WriteString(">\n")
	doc.WriteString(head)
	doc.WriteString("\n<body")
	if page.Body != nil {
		doc.WriteString(attrsString(page.Body.Attr))
	}
	doc.WriteString(">")
	doc.WriteString(restoredBody)
	doc.WriteString("</body>\n</html>\n")

	return doc.String(), nil
}

// renderHead serializes the original head with title and meta description
// replaced by their translations. Empty translations leave the originals.
func renderHead(page *segment.Page, title string, description string) (string, error) {
	if page.Head == nil {
		var b strings.Builder
		b.WriteString("<head>")
		if title != "" {
			b.WriteString("<title>")
			b.WriteString(html.EscapeString(title))
			b.WriteString("</title>")
		}
		b.WriteString("</head>")
		return b.String(), nil
	}

	if title != "" {
		setTitle(page.Head, title)
	}
	if description != "" {
		setMetaDescription(page.Head, description)
	}

	var b strings.Builder
	if err := html.Render(&b, page.Head); err != nil {
		return "", fmt.Errorf("render head: %w", err)
	}
	return b.String(), nil
}

func setTitle(head *html.Node, title string) {
	for child := head.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && child.Data == "title" {
			for child.FirstChild != nil {
				child.RemoveChild(child.FirstChild)
			}
			child.AppendChild(&html.Node{Type: html.TextNode, Data: title})
			return
		}
	}

	titleNode := &html.Node{Type: html.ElementNode, Data: "title"}
	titleNode.AppendChild(&html.Node{Type: html.TextNode, Data: title})
	if head.FirstChild != nil {
		head.InsertBefore(titleNode, head.FirstChild)
	} else {
		head.AppendChild(titleNode)
	}
}

func setMetaDescription(head *html.Node, description string) {
	for child := head.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode || child.Data != "meta" {
			continue
		}
		isDescription := false
		for _, attr := range child.Attr {
			if attr.Key == "name" && strings.EqualFold(attr.Val, "description") {
				isDescription = true
			}
		}
		if !isDescription {
			continue
		}
		for i, attr := range child.Attr {
			if attr.Key == "content" {
				child.Attr[i].Val = description
				return
			}
		}
		child.Attr = append(child.Attr, html.Attribute{Key: "content", Val: description})
		return
	}

	head.AppendChild(&html.Node{
		Type: html.ElementNode,
		Data: "meta",
		Attr: []html.Attribute{
			{Key: "name", Val: "description"},
			{Key: "content", Val: description},
		},
	})
}

// withLang returns attrs with lang set to langCode, replacing any existing
// lang attribute.
func withLang(attrs []html.Attribute, langCode string) []html.Attribute {
	out := make([]html.Attribute, 0, len(attrs)+1)
	replaced := false
	for _, attr := range attrs {
		if attr.Key == "lang" {
			out = append(out, html.Attribute{Key: "lang", Val: langCode})
			replaced = true
			continue
		}
		out = append(out, attr)
	}
	if !replaced {
		out = append(out, html.Attribute{Key: "lang", Val: langCode})
	}
	return out
}

var attrEscaper = strings.NewReplacer(
	"&", "&amp;",
	"'", "&#39;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&#34;",
	"\r", "&#13;",
)

func attrsString(attrs []html.Attribute) string {
	var b strings.Builder
	for _, attr := range attrs {
		b.WriteByte(' ')
		if attr.Namespace != "" {
			b.WriteString(attr.Namespace)
			b.WriteByte(':')
		}
		b.WriteString(attr.Key)
		b.WriteString(`="`)
		b.WriteString(attrEscaper.Replace(attr.Val))
		b.WriteByte('"')
	}
	return b.String()
}
