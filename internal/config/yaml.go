package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts YAML config to JSON bytes so both formats go
// through the same strict JSON decoder (DisallowUnknownFields).
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML turns map keys into strings. Discord snowflakes written as bare
// numbers under *_id / *_ids keys are kept as digit strings so they decode
// into the string fields of Config.
func normalizeYAML(in any) any { return normalizeYAMLKey("", in) }

func normalizeYAMLKey(key string, in any) any {
	isID := strings.HasSuffix(key, "_id") || strings.HasSuffix(key, "_ids")
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			ks := fmt.Sprint(k)
			m[ks] = normalizeYAMLKey(ks, v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAMLKey(k, v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAMLKey(key, x[i])
		}
		return x
	case int, int64, uint64:
		if isID {
			return fmt.Sprint(x)
		}
		return in
	default:
		return in
	}
}
