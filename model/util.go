package model

import (
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/exp/slices"
)

// numbers decoded with `UseNumber` arrive as `json.Number`
func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if f, err := v.Float64(); err == nil {
			return int64(f), true
		}
		return 0, false
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

func toIds(value any) []int64 {
	switch v := value.(type) {
	case []int64:
		ids := make([]int64, len(v))
		copy(ids, v)
		return ids
	case []any:
		ids := make([]int64, 0, len(v))
		for _, item := range v {
			if id, ok := toInt64(item); ok {
				ids = append(ids, id)
			}
		}
		return ids
	case []int:
		ids := make([]int64, 0, len(v))
		for _, id := range v {
			ids = append(ids, int64(id))
		}
		return ids
	default:
		return []int64{}
	}
}

// a json.Number becomes int64 when integral, else float64
func normalizeNumber(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeNumber(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = normalizeNumber(item)
		}
		return out
	default:
		return value
	}
}

// values are replaced wholesale on update so a shallow copy is enough,
// except for id lists which are copied
func cloneValue(value any) any {
	switch v := value.(type) {
	case []int64:
		ids := make([]int64, len(v))
		copy(ids, v)
		return ids
	default:
		return v
	}
}

func cloneValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = cloneValue(value)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func method(modelName string, name string) string {
	return fmt.Sprintf("model.%s.%s", modelName, name)
}
