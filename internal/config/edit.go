package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Get returns the effective value at a dotted path such as "slack.channels".
func Get(path string) (any, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	keys, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path not found: %s", path)
		}
		if cur, ok = obj[k]; !ok {
			return nil, fmt.Errorf("path not found: %s", path)
		}
	}
	return cur, nil
}

// Set writes a value at a dotted path into the config file. The value is
// parsed as JSON when possible and kept as a string otherwise. The edited
// file must still decode into a Config with known keys only.
func Set(path, raw string) error {
	keys, err := splitPath(path)
	if err != nil {
		return err
	}
	file, m, err := readFileMap()
	if err != nil {
		return err
	}
	node := m
	for _, k := range keys[:len(keys)-1] {
		next, ok := node[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[k] = next
		}
		node = next
	}
	node[keys[len(keys)-1]] = parseValue(raw)
	return writeFileMap(file, m)
}

// Unset removes the value at a dotted path from the config file.
func Unset(path string) error {
	keys, err := splitPath(path)
	if err != nil {
		return err
	}
	file, m, err := readFileMap()
	if err != nil {
		return err
	}
	node := m
	for _, k := range keys[:len(keys)-1] {
		next, ok := node[k].(map[string]any)
		if !ok {
			return fmt.Errorf("path not found: %s", path)
		}
		node = next
	}
	last := keys[len(keys)-1]
	if _, ok := node[last]; !ok {
		return fmt.Errorf("path not found: %s", path)
	}
	delete(node, last)
	return writeFileMap(file, m)
}

func splitPath(path string) ([]string, error) {
	var keys []string
	for _, k := range strings.Split(strings.TrimSpace(path), ".") {
		if k = strings.TrimSpace(k); k == "" {
			return nil, fmt.Errorf("invalid path %q", path)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	return m, json.Unmarshal(data, &m)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func readFileMap() (string, map[string]any, error) {
	path, err := ConfigPath()
	if err != nil {
		return "", nil, err
	}
	m := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return path, m, nil
	case err != nil:
		return "", nil, err
	}
	if isYAML(path) {
		err = yaml.Unmarshal(data, &m)
	} else {
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return "", nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return path, m, nil
}

func writeFileMap(path string, m map[string]any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(DefaultConfig()); err != nil {
		return fmt.Errorf("rejected edit: %w", err)
	}

	if isYAML(path) {
		data, err = yaml.Marshal(m)
	} else {
		data, err = json.MarshalIndent(m, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
