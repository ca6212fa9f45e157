package session

import (
	"strconv"
	"strings"
)

// parseStringLiteral reads reply as a single quoted string literal, either
// 'text' or "text", and returns its value. Anything else is rejected; the
// text is never evaluated.
func parseStringLiteral(reply string) (string, bool) {
	trimmed := strings.TrimSpace(reply)
	if len(trimmed) < 2 {
		return "", false
	}
	quote := trimmed[0]
	if (quote != '"' && quote != '\'') || trimmed[len(trimmed)-1] != quote {
		return "", false
	}

	if quote == '"' {
		value, err := strconv.Unquote(trimmed)
		if err != nil {
			return "", false
		}
		return value, true
	}

	inner := trimmed[1 : len(trimmed)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		switch {
		case c == '\\':
			if i+1 >= len(inner) {
				return "", false
			}
			i++
			switch inner[i] {
			case '\\', '\'', '"':
				b.WriteByte(inner[i])
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				return "", false
			}
		case c == '\'':
			// unescaped quote inside the literal
			return "", false
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), true
}
