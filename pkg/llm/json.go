package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON returns the JSON payload of a model reply. Replies often wrap
// the object in a ```json fence or surround it with prose; the fenced block
// wins, then the outermost {...} span.
func ExtractJSON(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// DecodeJSON extracts and decodes the JSON payload of a model reply.
func DecodeJSON(text string, v any) error {
	payload := ExtractJSON(text)
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return &JSONParseError{Input: payload, Message: err.Error()}
	}
	return nil
}
