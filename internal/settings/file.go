package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// LoadFile reads a YAML or JSON document of settings overrides and applies it
// on top of base. Values go through the same validation as table reloads.
func LoadFile(path string, base Settings, log *slog.Logger) (Settings, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return base, fmt.Errorf("read settings file: %w", err)
	}

	raw, err := decodeFile(bytes.TrimPrefix(data, utf8BOM))
	if err != nil {
		return base, fmt.Errorf("decode settings file %s: %w", path, err)
	}

	next, changed := apply(&base, raw, log)
	log.Debug("settings file applied", "path", path, "keys", changed)
	return *next, nil
}

func decodeFile(data []byte) (map[string]string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	raw := make(map[string]string, len(doc))
	for k, v := range doc {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			raw[k] = val
		case []any, map[string]any:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", k, err)
			}
			raw[k] = string(b)
		default:
			raw[k] = fmt.Sprint(val)
		}
	}
	return raw, nil
}
