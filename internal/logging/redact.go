package logging

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Document content flows through RPC params in full. Logging it verbatim
// would copy every streamed chunk into the log file, so content-bearing
// keys are reduced to a byte count.
var contentKeys = map[string]bool{
	"content":     true,
	"new_content": true,
	"original":    true,
	"text":        true,
	"source":      true,
}

func summarize(value string) string {
	return fmt.Sprintf("<%d bytes>", len(value))
}

func RedactAny(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, val := range typed {
			if isContentKey(key) {
				out[key] = summarize(fmt.Sprint(val))
				continue
			}
			out[key] = RedactAny(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(typed))
		for key, val := range typed {
			if isContentKey(key) {
				out[key] = summarize(val)
				continue
			}
			out[key] = val
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = RedactAny(val)
		}
		return out
	case []string:
		out := make([]string, len(typed))
		copy(out, typed)
		return out
	default:
		return value
	}
}

func RedactJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return RedactAny(payload)
}

func isContentKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	return contentKeys[lower]
}
