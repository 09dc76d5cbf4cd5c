package models

import (
	"strings"
)

// TextSpan is the agent wire representation of a piece of message content.
type TextSpan struct {
	Text string `json:"text"`
}

// NormalizeContent reduces loosely typed content to one text value.
//
// Accepted shapes: a string, a single span ({"text": ...}), or a non-empty
// list of spans or strings, in which case the first element wins. Anything
// else, and content that is empty after trimming, is rejected.
func NormalizeContent(v any) (string, bool) {
	var text string
	switch c := v.(type) {
	case string:
		text = c
	case TextSpan:
		text = c.Text
	case *TextSpan:
		if c == nil {
			return "", false
		}
		text = c.Text
	case map[string]any:
		s, ok := spanText(c)
		if !ok {
			return "", false
		}
		text = s
	case []TextSpan:
		if len(c) == 0 {
			return "", false
		}
		text = c[0].Text
	case []string:
		if len(c) == 0 {
			return "", false
		}
		text = c[0]
	case []map[string]any:
		if len(c) == 0 {
			return "", false
		}
		s, ok := spanText(c[0])
		if !ok {
			return "", false
		}
		text = s
	case []any:
		if len(c) == 0 {
			return "", false
		}
		switch first := c[0].(type) {
		case string:
			text = first
		case map[string]any:
			s, ok := spanText(first)
			if !ok {
				return "", false
			}
			text = s
		default:
			return "", false
		}
	default:
		return "", false
	}

	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

func spanText(m map[string]any) (string, bool) {
	s, ok := m["text"].(string)
	return s, ok
}
