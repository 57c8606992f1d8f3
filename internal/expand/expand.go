// Package expand substitutes escape sequences and $NAME references in
// configuration and job values.
//
// Escapes are resolved before variables, pair by pair from the left:
//
//	%%  -> %
//	%"  -> "
//	%n  -> newline
//	%$  -> $ (never starts a variable)
//	%\  -> \
//
// A variable is a $ followed by a name made of letters, digits,
// underscores and dots. It is replaced by the configuration value or by
// Unknown. Trailing dots are not part of the name, so "$HOME." reads as
// $HOME followed by a dot.
package expand

import (
	"log/slog"
	"strings"
)

// Unknown replaces references to keys missing from the configuration.
const Unknown = "UNKNOWN"

// Expand returns text with escapes and variables substituted from cfg.
// It never fails: if anything goes wrong the input is returned unchanged.
func Expand(text string, cfg map[string]string) (out string) {
	if !strings.ContainsAny(text, "%$") {
		return text
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("expand failed, value left as is", "value", text, "panic", r)
			out = text
		}
	}()

	var sb strings.Builder
	sb.Grow(len(text))
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == '%' && i+1 < len(text):
			if r, ok := escape(text[i+1]); ok {
				sb.WriteString(r)
				i += 2
				continue
			}
			sb.WriteByte(c)
			i++
		case c == '$':
			name := scanName(text[i+1:])
			if name == "" {
				sb.WriteByte(c)
				i++
				continue
			}
			v, ok := cfg[name]
			if !ok {
				v = Unknown
			}
			sb.WriteString(v)
			i += 1 + len(name)
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String()
}

func escape(c byte) (string, bool) {
	switch c {
	case '%':
		return "%", true
	case '"':
		return `"`, true
	case 'n':
		return "\n", true
	case '$':
		return "$", true
	case '\\':
		return `\`, true
	}
	return "", false
}

func scanName(s string) string {
	if s == "" || !isNameStart(s[0]) {
		return ""
	}
	end := 1
	for end < len(s) && isNameChar(s[end]) {
		end++
	}
	return strings.TrimRight(s[:end], ".")
}

func isNameStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c == '.' || ('0' <= c && c <= '9')
}

// Map expands every value of m against cfg and returns a new map.
func Map(m map[string]string, cfg map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Expand(v, cfg)
	}
	return out
}

// Dict expands the string values of m against cfg, descending into nested
// maps. Other values are copied as they are.
func Dict(m map[string]any, cfg map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case string:
			out[k] = Expand(x, cfg)
		case map[string]string:
			out[k] = Map(x, cfg)
		case map[string]any:
			out[k] = Dict(x, cfg)
		default:
			out[k] = v
		}
	}
	return out
}
