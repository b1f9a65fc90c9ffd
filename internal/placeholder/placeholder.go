// Package placeholder protects non-translatable markup behind stable tokens.
//
// Protected nodes (math containers, code, script, style, comments, embedded
// raw content) are cut out of the body tree and replaced by bare text tokens
// such as MATH_PLACEHOLDER_000. The tokens travel through translation
// untouched and are swapped back for the original markup afterwards.
package placeholder

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Kind classifies a protected zone.
type Kind string

const (
	KindMath    Kind = "math"
	KindCode    Kind = "code"
	KindScript  Kind = "script"
	KindStyle   Kind = "style"
	KindComment Kind = "comment"
	KindRaw     Kind = "raw"
)

// TokenPattern matches exactly the tokens Extract can mint. Width 3 keeps
// tokens lexically sortable; documents with more than 999 zones extend the
// number without padding and still match. Exported so later passes over
// translated text can leave token spans untouched.
var TokenPattern = regexp.MustCompile(`(?:MATH|CODE|SCRIPT|STYLE|COMMENT|RAW)_PLACEHOLDER_\d{3,}`)

// Zone is one protected region cut from a document body.
type Zone struct {
	Token    string
	Kind     Kind
	Content  string
	Position int
}

// DanglingError reports a token in translated text that has no stored zone,
// or a stored token the oracle duplicated.
type DanglingError struct {
	Token string
}

func (e *DanglingError) Error() string {
	return fmt.Sprintf("placeholder %s has no matching stored zone", e.Token)
}

// UnresolvedError reports a stored zone whose token never appears in the
// translated text.
type UnresolvedError struct {
	Token string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("stored zone %s missing from translated text", e.Token)
}

// Store holds the zones of a single document. Tokens are assigned from one
// monotonically increasing counter and are never reused.
type Store struct {
	zones   []Zone
	byToken map[string]int
}

func NewStore() *Store {
	return &Store{byToken: map[string]int{}}
}

// Zones returns the extracted zones in document order.
func (s *Store) Zones() []Zone {
	return s.zones
}

func (s *Store) Len() int {
	return len(s.zones)
}

// Extract walks body in document order, replacing every protected node with
// a text token and recording the original markup. Already-substituted tokens
// are plain text nodes and are never re-extracted, so running Extract twice
// is a no-op the second time.
func (s *Store) Extract(body *html.Node) ([]Zone, error) {
	start := len(s.zones)
	if err := s.extractNode(body); err != nil {
		return nil, err
	}
	return s.zones[start:], nil
}

func (s *Store) extractNode(node *html.Node) error {
	for child := node.FirstChild; child != nil; {
		next := child.NextSibling

		kind, protected := classify(child)
		if protected {
			content, err := renderNode(child)
			if err != nil {
				return err
			}
			token := s.mint(kind, content)
			node.InsertBefore(&html.Node{Type: html.TextNode, Data: token}, child)
			node.RemoveChild(child)
		} else if err := s.extractNode(child); err != nil {
			return err
		}

		child = next
	}
	return nil
}

func (s *Store) mint(kind Kind, content string) string {
	id := len(s.zones)
	token := fmt.Sprintf("%s_PLACEHOLDER_%03d", strings.ToUpper(string(kind)), id)
	s.zones = append(s.zones, Zone{
		Token:    token,
		Kind:     kind,
		Content:  content,
		Position: id,
	})
	s.byToken[token] = id
	return token
}

// Restore substitutes original markup for every token in translated. It
// fails rather than emit partially broken output: an unknown or duplicated
// token yields DanglingError, a stored token absent from the text yields
// UnresolvedError.
func (s *Store) Restore(translated string) (string, error) {
	seen := make(map[string]int, len(s.zones))
	for _, match := range TokenPattern.FindAllString(translated, -1) {
		seen[match]++
	}

	for token, count := range seen {
		if _, ok := s.byToken[token]; !ok {
			return "", &DanglingError{Token: token}
		}
		if count > 1 {
			return "", &DanglingError{Token: token}
		}
	}
	for _, zone := range s.zones {
		if seen[zone.Token] == 0 {
			return "", &UnresolvedError{Token: zone.Token}
		}
	}

	restored := TokenPattern.ReplaceAllStringFunc(translated, func(token string) string {
		return s.zones[s.byToken[token]].Content
	})
	return restored, nil
}

// classify reports whether node is a protected zone and of which kind.
func classify(node *html.Node) (Kind, bool) {
	switch node.Type {
	case html.CommentNode:
		return KindComment, true
	case html.ElementNode:
		switch node.Data {
		case "mjx-container", "math", "d-math":
			return KindMath, true
		case "pre", "code", "d-code":
			return KindCode, true
		case "script":
			return KindScript, true
		case "style":
			return KindStyle, true
		case "svg", "iframe", "noscript":
			return KindRaw, true
		}
	}
	return "", false
}

func renderNode(node *html.Node) (string, error) {
	var b strings.Builder
	if err := html.Render(&b, node); err != nil {
		return "", fmt.Errorf("render protected node: %w", err)
	}
	return b.String(), nil
}
