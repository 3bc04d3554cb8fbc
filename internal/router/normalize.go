package router

import (
	"strings"

	"modelrouter/internal/core"
)

// Normalize turns a raw completion into reply text. Structured content is
// flattened by concatenating the "text" parts, then any leading "<name>:"
// (case-insensitive) or "[<name>]" prefix for one of names is stripped.
// Applying it to its own output returns the same string.
func Normalize(raw any, names ...string) string {
	text := flattenContent(raw)
	for {
		stripped := text
		for _, name := range names {
			stripped = stripNamePrefix(stripped, name)
		}
		if stripped == text {
			return text
		}
		text = stripped
	}
}

func flattenContent(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case core.FlexibleString:
		return string(v)
	case []any:
		var b strings.Builder
		for _, part := range v {
			if m, ok := part.(map[string]any); ok {
				appendTextPart(&b, m)
			}
		}
		return b.String()
	case []map[string]any:
		var b strings.Builder
		for _, m := range v {
			appendTextPart(&b, m)
		}
		return b.String()
	}
	return ""
}

func appendTextPart(b *strings.Builder, part map[string]any) {
	if typ, _ := part["type"].(string); typ != core.ContentPartText {
		return
	}
	if text, ok := part["text"].(string); ok {
		b.WriteString(text)
	}
}

func stripNamePrefix(text, name string) string {
	if name == "" {
		return text
	}

	n := len(name)
	if len(text) > n && text[n] == ':' && strings.EqualFold(text[:n], name) {
		return strings.TrimLeft(text[n+1:], " \t\r\n")
	}

	bracketed := "[" + name + "]"
	if strings.HasPrefix(text, bracketed) {
		return strings.TrimLeft(text[len(bracketed):], " \t\r\n")
	}
	return text
}
