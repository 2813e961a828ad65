package structured

import (
	"encoding/json"
	"regexp"
	"strings"
)

var thinkBlock = regexp.MustCompile(`(?is)<think>.*?</think>`)

// stripThinking removes reasoning blocks emitted by thinking models. An
// unterminated block drops everything before the closing tag.
func stripThinking(text string) string {
	text = thinkBlock.ReplaceAllString(text, "")
	if idx := strings.Index(strings.ToLower(text), "</think>"); idx >= 0 {
		text = text[idx+len("</think>"):]
	}
	return strings.TrimSpace(text)
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func extractJSONObject(text string) string {
	if strings.HasPrefix(text, "{") {
		return text
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// parseObject decodes the outermost JSON object in model output.
func parseObject(text string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(extractJSONObject(stripCodeFence(text))), &out); err != nil {
		return nil, err
	}
	return out, nil
}
