// Package tghtml builds Telegram HTML-parse-mode payloads: escaped text
// fragments and chunking that respects the per-message size limit.
package tghtml

import (
	"html"
	"strings"
)

// H is a fragment that is already safe for ParseMode="HTML". Build values
// through Esc and the tag helpers; only use Raw for trusted markup.
type H string

func (h H) String() string { return string(h) }

// Esc escapes user text for HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw marks s as trusted markup.
func Raw(s string) H { return H(s) }

// B renders bold, I italic, Code monospace. Each escapes its argument.
func B(s string) H    { return tag("b", s) }
func I(s string) H    { return tag("i", s) }
func Code(s string) H { return tag("code", s) }

func tag(name, inner string) H {
	var b strings.Builder
	b.Grow(len(inner) + 2*len(name) + 5)
	b.WriteByte('<')
	b.WriteString(name)
	b.WriteByte('>')
	b.WriteString(html.EscapeString(inner))
	b.WriteString("</")
	b.WriteString(name)
	b.WriteByte('>')
	return H(b.String())
}

// Link renders an anchor. Both text and url are escaped; html.EscapeString
// covers quotes, so the href attribute stays intact.
func Link(text, url string) H {
	return H(`<a href="` + html.EscapeString(url) + `">` + html.EscapeString(text) + `</a>`)
}

// JoinH concatenates fragments with sep. Fragments that are empty or
// whitespace-only are dropped so callers can pass optional lines untested.
func JoinH(sep string, parts ...H) H {
	kept := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return ""
	case 1:
		return kept[0]
	}
	var b strings.Builder
	for i, p := range kept {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(string(p))
	}
	return H(b.String())
}

// Lines joins fragments with newlines, dropping blank ones.
func Lines(parts ...H) H { return JoinH("\n", parts...) }
