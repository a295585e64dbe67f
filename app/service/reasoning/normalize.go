package reasoning

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// cleanJSON strips markdown fences some models wrap around JSON answers.
func cleanJSON(raw string) string {
	result := strings.TrimSpace(raw)
	result = strings.Trim(result, "`")
	result = strings.TrimSpace(result)
	result = strings.TrimPrefix(result, "json")
	return strings.TrimSpace(result)
}

// decodeObject parses a response into a keyed record. A non-empty list is reduced
// to its first element; anything else that is not an object is ErrMalformed.
func decodeObject(raw string) (map[string]any, error) {
	var data any
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if list, ok := data.([]any); ok && len(list) > 0 {
		data = list[0]
	}

	obj, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected object, got %T", ErrMalformed, data)
	}

	return obj, nil
}

func decodeAnalysis(obj map[string]any) AnalysisResult {
	return AnalysisResult{
		Priority:       intField(obj, "priority", maxPriority),
		Summary:        summaryField(obj),
		ActionRequired: boolField(obj, "action_required"),
		Deadline:       optionalString(obj, "deadline"),
		ReplyText:      optionalString(obj, "reply_text"),
		SaveMemory:     optionalString(obj, "save_memory"),
	}
}

// summaryField keeps records without a summary usable downstream.
func summaryField(obj map[string]any) string {
	if s := stringField(obj, "summary"); s != "" {
		return s
	}
	return summaryMissing
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

func optionalString(obj map[string]any, key string) *string {
	s := stringField(obj, key)
	switch strings.ToLower(s) {
	case "", "null", "none":
		return nil
	}
	return &s
}

func boolField(obj map[string]any, key string) bool {
	switch v := obj[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	default:
		return false
	}
}

// intField reads a priority-like value; anything outside 1..4 becomes def.
func intField(obj map[string]any, key string, def int) int {
	var value int

	switch v := obj[key].(type) {
	case float64:
		value = int(v)
	case string:
		parsed, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(strings.ToUpper(v)), "P"))
		if err != nil {
			return def
		}
		value = parsed
	default:
		return def
	}

	if value < minPriority || value > maxPriority {
		return def
	}

	return value
}

// stringList extracts the non-blank strings of obj[key].
func stringList(obj map[string]any, key string) []string {
	items, ok := obj[key].([]any)
	if !ok {
		return nil
	}

	result := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}

	return result
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
