package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Setting is one resolved config key for display.
type Setting struct {
	Key   string
	Value string
}

// ShowAll returns every config key with its effective value, in the order
// keys are declared. Secret values are masked.
func ShowAll(cfg Config) []Setting {
	out := make([]Setting, 0, len(specs))
	for _, spec := range specs {
		v := spec.read(&cfg)
		val := fmt.Sprintf("%v", v)
		if spec.secret && val != "" {
			val = mask(val)
		}
		out = append(out, Setting{Key: spec.key, Value: val})
	}
	return out
}

// SetKey validates and persists a single key into the JSON config file.
func SetKey(key, value string) error {
	var found *keySpec
	for i := range specs {
		if specs[i].key == key {
			found = &specs[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("unknown config key %q", key)
	}

	coerced, err := coerceString(*found, value)
	if err != nil {
		return fmt.Errorf("config key %s: %w", key, err)
	}

	path := configFilePath()
	data := make(map[string]any)
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	data[key] = coerced

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(out, '\n'), 0o600)
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}
