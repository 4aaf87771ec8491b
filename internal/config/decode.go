package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode parses a config document. Files ending in .yaml or .yml are YAML,
// anything else is JSON. Both go through the same strict JSON decoder, so an
// unknown key is an error in either format.
func Decode(path string, data []byte) (*Config, error) {
	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
		var err error
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s (%s): %w", path, format, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("trailing data after document")
		}
		return nil, fmt.Errorf("config %s (%s): %w", path, format, err)
	}
	return &cfg, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	v, err := jsonValue(doc, "")
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// jsonValue rewrites a decoded YAML tree into JSON-compatible values. Mapping
// keys must be strings; a numeric or boolean key is almost always a typo.
func jsonValue(v any, at string) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, item := range x {
			conv, err := jsonValue(item, at+"."+k)
			if err != nil {
				return nil, err
			}
			x[k] = conv
		}
		return x, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("yaml: non-string key %v at %q", k, strings.TrimPrefix(at, "."))
			}
			conv, err := jsonValue(item, at+"."+ks)
			if err != nil {
				return nil, err
			}
			out[ks] = conv
		}
		return out, nil
	case []any:
		for i := range x {
			conv, err := jsonValue(x[i], fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			x[i] = conv
		}
		return x, nil
	default:
		return v, nil
	}
}
