package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process DocumentStore for development and tests.
type Memory struct {
	mu   sync.RWMutex
	docs map[Ref]map[string]any
	now  func() time.Time
}

// NewMemory creates an empty in-memory store using the wall clock for server timestamps.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock creates an empty in-memory store with a custom server clock.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		docs: make(map[Ref]map[string]any),
		now:  now,
	}
}

// Set creates or replaces the document at ref.
func (m *Memory) Set(_ context.Context, ref Ref, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := normalize(resolveTimestamps(fields, m.now()))
	if err != nil {
		return err
	}
	body, ok := doc.(map[string]any)
	if !ok {
		body = map[string]any{}
	}
	m.docs[ref] = body
	return nil
}

// Update sets the value at path, creating intermediate maps as needed.
func (m *Memory) Update(_ context.Context, ref Ref, path string, value any) error {
	segments, err := SplitPath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[ref]
	if !ok {
		return fmt.Errorf("update %s: %w", ref, ErrNotFound)
	}

	resolved, err := normalize(resolveTimestamps(value, m.now()))
	if err != nil {
		return err
	}

	setPath(doc, segments, resolved)
	return nil
}

// Get returns a deep copy of the document at ref.
func (m *Memory) Get(_ context.Context, ref Ref) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[ref]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", ref, ErrNotFound)
	}

	clone, err := normalize(doc)
	if err != nil {
		return nil, err
	}
	out, _ := clone.(map[string]any)
	return out, nil
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
