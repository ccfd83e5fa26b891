package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Memory is an in-process store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemory creates a memory store seeded with a copy of values.
func NewMemory(values map[string]any) *Memory {
	m := &Memory{values: make(map[string]any, len(values))}
	for key, value := range values {
		m.values[key] = value
	}
	return m
}

// LoadMemoryFile seeds a memory store from a JSON object of key -> value.
func LoadMemoryFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", path, err)
	}
	return NewMemory(values), nil
}

func (m *Memory) Get(_ context.Context, key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key], nil
}

func (m *Memory) GetMany(_ context.Context, keys []string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		if value, ok := m.values[key]; ok {
			out[key] = value
		}
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
