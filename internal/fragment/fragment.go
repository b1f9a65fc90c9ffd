// Package fragment splits a placeholdered body into ordered, bounded chunks
// for independent translation. Chunk boundaries fall only between blocks;
// concatenating every chunk's source in index order reproduces the body
// byte-for-byte.
package fragment

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Chunk is one translation unit.
type Chunk struct {
	Index      int
	Source     string
	Translated string
	Chars      int
}

// containerTags are structural wrappers that may be unwrapped into their
// children when their rendered form exceeds the chunk limit. Everything
// else is atomic: a paragraph, heading, list, or table is never split.
var containerTags = map[string]bool{
	"div":       true,
	"section":   true,
	"article":   true,
	"main":      true,
	"header":    true,
	"footer":    true,
	"aside":     true,
	"nav":       true,
	"d-article": true,
}

// Fragment splits bodyHTML into chunks of at most maxChars characters.
// A single block larger than maxChars becomes its own oversized chunk;
// content is never truncated. The result is a pure function of the input,
// so chunk regeneration for retries is deterministic.
func Fragment(bodyHTML string, maxChars int) ([]Chunk, error) {
	if maxChars <= 0 {
		maxChars = 8000
	}
	if bodyHTML == "" {
		return nil, nil
	}

	nodes, err := html.ParseFragment(strings.NewReader(bodyHTML), bodyContext())
	if err != nil {
		return nil, fmt.Errorf("parse body fragment: %w", err)
	}

	var segments []string
	for _, node := range nodes {
		parts, err := blockSegments(node, maxChars)
		if err != nil {
			return nil, err
		}
		segments = append(segments, parts...)
	}

	return pack(segments, maxChars), nil
}

// blockSegments renders node as one or more block segments. Oversized
// containers contribute their open tag, each child's segments, and their
// close tag as separate segments, which keeps concatenation exact while
// letting chunk boundaries fall between the children.
func blockSegments(node *html.Node, maxChars int) ([]string, error) {
	rendered, err := renderNode(node)
	if err != nil {
		return nil, err
	}

	if utf8.RuneCountInString(rendered) <= maxChars ||
		node.Type != html.ElementNode || !containerTags[node.Data] {
		return []string{rendered}, nil
	}

	segments := []string{openTag(node)}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		parts, err := blockSegments(child, maxChars)
		if err != nil {
			return nil, err
		}
		segments = append(segments, parts...)
	}
	segments = append(segments, "</"+node.Data+">")

	// Unwrapping must not change a single byte of the reassembled body.
	if strings.Join(segments, "") != rendered {
		return []string{rendered}, nil
	}
	return segments, nil
}

// pack greedily accumulates segments into chunks without ever splitting a
// segment or adding separators.
func pack(segments []string, maxChars int) []Chunk {
	var chunks []Chunk
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Index:  len(chunks),
			Source: current.String(),
			Chars:  currentLen,
		})
		current.Reset()
		currentLen = 0
	}

	for _, segment := range segments {
		segmentLen := utf8.RuneCountInString(segment)

		if segmentLen > maxChars {
			flush()
			chunks = append(chunks, Chunk{
				Index:  len(chunks),
				Source: segment,
				Chars:  segmentLen,
			})
			continue
		}

		if currentLen > 0 && currentLen+segmentLen > maxChars {
			flush()
		}
		current.WriteString(segment)
		currentLen += segmentLen
	}

	flush()
	return chunks
}

// attrEscaper mirrors the escaping html.Render applies to attribute values,
// so a synthesized open tag matches the byte output of rendering the whole
// element.
var attrEscaper = strings.NewReplacer(
	"&", "&amp;",
	"'", "&#39;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&#34;",
	"\r", "&#13;",
)

func openTag(node *html.Node) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(node.Data)
	for _, attr := range node.Attr {
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
	b.WriteByte('>')
	return b.String()
}

func renderNode(node *html.Node) (string, error) {
	var b strings.Builder
	if err := html.Render(&b, node); err != nil {
		return "", fmt.Errorf("render block: %w", err)
	}
	return b.String(), nil
}

func bodyContext() *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	}
}
