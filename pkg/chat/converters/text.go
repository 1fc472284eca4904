package converters

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// envelope is the loosely-typed view of a message as stored or relayed
type envelope struct {
	Role    string          `json:"role"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// IsUserMessage reports whether a raw message has role or type user/human
func IsUserMessage(raw json.RawMessage) bool {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	role := strings.ToLower(env.Role)
	if role == "" {
		role = strings.ToLower(env.Type)
	}
	return role == RoleUser || role == MessageTypeHuman
}

// LastUserMessage returns the last user/human message, or nil
func LastUserMessage(messages []json.RawMessage) json.RawMessage {
	for i := len(messages) - 1; i >= 0; i-- {
		if IsUserMessage(messages[i]) {
			return messages[i]
		}
	}
	return nil
}

// MessageText extracts display text from a raw message
func MessageText(raw json.RawMessage) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return ContentText(env.Content)
}

// ContentText extracts display text from raw content: a string, the first text part of a
// parts list (falling back to every part's text joined by spaces), or an object's text field.
func ContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var parts []map[string]any
	if err := json.Unmarshal(raw, &parts); err == nil {
		for _, p := range parts {
			if t, ok := p["text"].(string); ok && t != "" {
				return t
			}
		}
		pieces := make([]string, 0, len(parts))
		for _, p := range parts {
			if t, ok := p["text"].(string); ok {
				pieces = append(pieces, t)
			} else if c, ok := p["content"].(string); ok {
				pieces = append(pieces, c)
			} else {
				pieces = append(pieces, "")
			}
		}
		return strings.TrimSpace(strings.Join(pieces, " "))
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if t, ok := obj["text"].(string); ok {
			return t
		}
		if c, ok := obj["content"].(string); ok {
			return c
		}
	}
	return ""
}

// TitleLength is the longest title derived from a message
const TitleLength = 40

// Title derives a conversation title: NFC-normalized, trimmed, at most max characters
func Title(text string, max int) string {
	text = strings.TrimSpace(norm.NFC.String(text))
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:max]))
}
