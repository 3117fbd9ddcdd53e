package extract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrUnsafeContent is returned when sanitized output still carries an executable construct
var ErrUnsafeContent = errors.New("sanitized content still contains unsafe markup")

// forbiddenElements must never survive sanitization
var forbiddenElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Iframe: true,
	atom.Object: true,
	atom.Embed:  true,
	atom.Svg:    true,
	atom.Math:   true,
	atom.Style:  true,
	atom.Link:   true,
	atom.Meta:   true,
	atom.Base:   true,
	atom.Form:   true,
	atom.Frame:  true,
	atom.Applet: true,
}

// urlAttributes are checked for script-bearing URL schemes
var urlAttributes = map[string]bool{
	"href": true, "src": true, "action": true, "formaction": true,
	"xlink:href": true, "poster": true, "background": true,
}

// Sanitizer removes executable content from archived HTML. It is an allow-list:
// anything not explicitly permitted by the policy is dropped.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer builds the archive policy on top of bluemonday's UGC policy
func NewSanitizer() *Sanitizer {
	p := bluemonday.UGCPolicy()
	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireParseableURLs(true)
	p.AllowElements("article", "section", "figure", "figcaption", "main")
	return &Sanitizer{policy: p}
}

// Sanitize applies the policy and then re-parses the result to prove no forbidden
// element, event-handler attribute or javascript: URL remains.
func (s *Sanitizer) Sanitize(input string) (string, error) {
	out := s.policy.Sanitize(input)
	if err := verifySafe(out); err != nil {
		return "", err
	}
	return out, nil
}

func verifySafe(fragment string) error {
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), context)
	if err != nil {
		return fmt.Errorf("%w: output does not parse: %v", ErrUnsafeContent, err)
	}
	for _, n := range nodes {
		if err := checkNode(n); err != nil {
			return err
		}
	}
	return nil
}

func checkNode(n *html.Node) error {
	if n.Type == html.ElementNode {
		if forbiddenElements[n.DataAtom] || strings.EqualFold(n.Data, "svg") {
			return fmt.Errorf("%w: <%s> element", ErrUnsafeContent, n.Data)
		}
		for _, a := range n.Attr {
			key := strings.ToLower(a.Key)
			if strings.HasPrefix(key, "on") {
				return fmt.Errorf("%w: %s attribute on <%s>", ErrUnsafeContent, a.Key, n.Data)
			}
			if urlAttributes[key] && hasScriptScheme(a.Val) {
				return fmt.Errorf("%w: script URL in %s on <%s>", ErrUnsafeContent, a.Key, n.Data)
			}
			// Inline CSS can embed url() anywhere in the value
			if key == "style" && containsScriptURL(a.Val) {
				return fmt.Errorf("%w: script URL in style on <%s>", ErrUnsafeContent, n.Data)
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := checkNode(c); err != nil {
			return err
		}
	}
	return nil
}

// hasScriptScheme reports whether the URL's scheme is executable. Whitespace and control
// characters browsers also ignore are stripped first; the path and query are not inspected.
func hasScriptScheme(v string) bool {
	compact := compactLower(v)
	return strings.HasPrefix(compact, "javascript:") || strings.HasPrefix(compact, "vbscript:") ||
		strings.HasPrefix(compact, "data:text/html")
}

func containsScriptURL(v string) bool {
	compact := compactLower(v)
	return strings.Contains(compact, "javascript:") || strings.Contains(compact, "vbscript:")
}

func compactLower(v string) string {
	return strings.Map(func(r rune) rune {
		if r <= ' ' {
			return -1
		}
		return r
	}, strings.ToLower(v))
}
