// Package loader reads endpoint definitions from YAML or JSON files.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rpattn/dashdag/internal/domain"
)

// LoadFile decodes one endpoint file. The format follows the extension;
// anything other than .json is read as YAML.
func LoadFile(path string) (domain.Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Endpoint{}, fmt.Errorf("read graph file: %w", err)
	}
	endpoint, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return domain.Endpoint{}, fmt.Errorf("%s: %w", path, err)
	}
	return endpoint, nil
}

// Decode parses data as JSON when ext is ".json" and as YAML otherwise.
func Decode(data []byte, ext string) (domain.Endpoint, error) {
	var tree map[string]any
	if strings.EqualFold(ext, ".json") {
		if err := json.Unmarshal(data, &tree); err != nil {
			return domain.Endpoint{}, fmt.Errorf("decode json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return domain.Endpoint{}, fmt.Errorf("decode yaml: %w", err)
		}
	}
	if tree == nil {
		return domain.Endpoint{}, fmt.Errorf("empty graph file")
	}
	return domain.DecodeEndpoint(tree)
}

// LoadDir loads every *.yaml, *.yml and *.json file in dir, keyed by file
// name without extension. Subdirectories are not searched.
func LoadDir(dir string) (map[string]domain.Endpoint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read graph directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	endpoints := make(map[string]domain.Endpoint, len(files))
	for _, file := range files {
		name := strings.TrimSuffix(file, filepath.Ext(file))
		if _, dup := endpoints[name]; dup {
			return nil, fmt.Errorf("graph %q is defined by more than one file", name)
		}
		endpoint, err := LoadFile(filepath.Join(dir, file))
		if err != nil {
			return nil, err
		}
		endpoints[name] = endpoint
	}
	return endpoints, nil
}
