package pipeline

import (
	"encoding/json"
	"strconv"
)

// Job options arrive either as Go values from the CLI or decoded from JSON
// by the server, so numeric and list values are accepted in both shapes.

func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

func optBool(opts map[string]any, key string) (bool, bool) {
	switch v := opts[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func optFloats(opts map[string]any, key string) []float64 {
	switch v := opts[key].(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			switch f := item.(type) {
			case float64:
				out = append(out, f)
			case json.Number:
				if x, err := f.Float64(); err == nil {
					out = append(out, x)
				}
			}
		}
		return out
	}
	return nil
}
