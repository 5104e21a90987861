package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
)

// fileBackend reads config as a flat JSON object keyed by the dotted key
// names in keys.go, e.g. {"server.port": 4600, "storage.backend": "sqlite"}.
type fileBackend struct {
	data map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{data: make(map[string]any)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
		}
		return b
	}
	if err := json.Unmarshal(raw, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", path, err)
	}
	return b
}

func (b *fileBackend) get(key string) (any, bool) {
	v, ok := b.data[key]
	return v, ok
}

// coerce converts a JSON value into the key's Go type. JSON numbers arrive
// as float64 regardless of the target type.
func coerce(spec keySpec, raw any) (any, error) {
	switch spec.typ {
	case kString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", raw), nil
	case kInt:
		n, err := jsonInt(spec.key, raw)
		if err != nil {
			return nil, err
		}
		return int(n), nil
	case kInt64:
		return jsonInt(spec.key, raw)
	case kBool:
		if v, ok := raw.(bool); ok {
			return v, nil
		}
		return nil, fmt.Errorf("config key %s: expected bool, got %T", spec.key, raw)
	case kFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case string:
			return strconv.ParseFloat(v, 64)
		}
		return nil, fmt.Errorf("config key %s: expected number, got %T", spec.key, raw)
	}
	return nil, fmt.Errorf("config key %s: unknown type", spec.key)
}

func jsonInt(key string, raw any) (int64, error) {
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("config key %s: %v is not an integer", key, v)
		}
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("config key %s: expected integer, got %T", key, raw)
	}
}
