// Package names maps sensor MAC addresses to human-friendly names.
package names

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Map is a lowercase-keyed MAC to name lookup. A nil Map is empty.
type Map map[string]string

// Load reads a JSON or YAML object of "mac": "name" pairs. A missing file
// yields an empty map.
func Load(path string) (Map, error) {
	if strings.TrimSpace(path) == "" {
		return Map{}, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Map{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read names %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes a names document. JSON is accepted since it is valid YAML.
func Parse(b []byte) (Map, error) {
	raw := map[string]string{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse names: %w", err)
	}
	m := make(Map, len(raw))
	for k, v := range raw {
		m[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return m, nil
}

// Lookup returns the name for mac, or "" if unknown.
func (m Map) Lookup(mac string) string {
	return m[strings.ToLower(mac)]
}
