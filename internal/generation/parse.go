package generation

import (
	"encoding/json"
	"errors"
	"strings"
)

var errNoJSONObject = errors.New("no JSON object found in completion")

// decodeObject decodes a model response into target. Responses wrapped in prose or markdown fences
// are retried on the span between the first '{' and the last '}'.
func decodeObject(text string, target any) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyCompletion
	}
	if json.Valid([]byte(trimmed)) {
		return json.Unmarshal([]byte(trimmed), target)
	}
	span, err := extractJSON(trimmed)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(span), target)
}

func extractJSON(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return "", errNoJSONObject
	}
	return s[start : end+1], nil
}
