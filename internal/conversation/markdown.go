package conversation

import "strings"

// EscapeMarkdown escapes every '$' not already preceded by a backslash so a
// markdown renderer shows it literally instead of starting math mode.
func EscapeMarkdown(text string) string {
	if !strings.Contains(text, "$") {
		return text
	}
	var sb strings.Builder
	sb.Grow(len(text) + 8)
	prev := rune(0)
	for _, r := range text {
		if r == '$' && prev != '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
		prev = r
	}
	return sb.String()
}
