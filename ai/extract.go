package ai

import (
	"strings"

	"github.com/aard-labs/aard/core"
)

// ExtractJSON pulls the first JSON object out of model text. Models wrap
// structured output in markdown fences and prose often enough that every
// consumer expecting JSON goes through this before unmarshaling.
func ExtractJSON(text string) ([]byte, error) {
	const op = "ai.ExtractJSON"

	content := strings.TrimSpace(text)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	if start == -1 {
		return nil, &core.Error{Op: op, Kind: core.KindValidationFailed, Message: "no JSON object in model output"}
	}
	end := jsonObjectEnd(content, start)
	if end == -1 {
		return nil, &core.Error{Op: op, Kind: core.KindValidationFailed, Message: "unterminated JSON object in model output"}
	}
	return []byte(content[start:end]), nil
}

// jsonObjectEnd scans for the close of the object opened at start,
// ignoring braces inside strings. Returns the index one past the closing
// brace, or -1.
func jsonObjectEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i + 1
				}
			}
		}
	}
	return -1
}
