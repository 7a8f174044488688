// Package store provides the document store the tracker writes session records to.
//
// Documents are JSON objects addressed by collection and id. Writers may place
// ServerTimestamp sentinels anywhere in a value; each backend replaces them with
// its own clock at write time.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidPath is returned for empty dotted paths or empty path segments.
	ErrInvalidPath = errors.New("invalid document path")
)

// Ref addresses one document.
type Ref struct {
	Collection string
	ID         string
}

func (r Ref) String() string {
	return r.Collection + "/" + r.ID
}

// DocumentStore persists JSON documents with field-level partial updates.
type DocumentStore interface {
	// Set creates or replaces the document at ref.
	Set(ctx context.Context, ref Ref, fields map[string]any) error
	// Update sets the value at a dotted path inside an existing document,
	// leaving the rest of the document untouched. It returns ErrNotFound when
	// the document does not exist.
	Update(ctx context.Context, ref Ref, path string, value any) error
	// Get returns the decoded document.
	Get(ctx context.Context, ref Ref) (map[string]any, error)
}

type serverTimestamp struct{}

// ServerTimestamp returns the sentinel replaced by the backend's clock on write.
func ServerTimestamp() any {
	return serverTimestamp{}
}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// SplitPath splits a dotted path into its segments.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	segments := strings.Split(path, ".")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segments, nil
}

// setPath stores value at segments inside doc, replacing non-map
// intermediates with empty maps.
func setPath(doc map[string]any, segments []string, value any) {
	parent := doc
	for _, seg := range segments[:len(segments)-1] {
		child, isMap := parent[seg].(map[string]any)
		if !isMap {
			child = make(map[string]any)
			parent[seg] = child
		}
		parent = child
	}
	parent[segments[len(segments)-1]] = value
}

// resolveTimestamps returns a copy of v with every sentinel replaced by now.
func resolveTimestamps(v any, now time.Time) any {
	switch val := v.(type) {
	case serverTimestamp:
		return now.UTC()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = resolveTimestamps(child, now)
		}
		return out
	default:
		return v
	}
}

// timestampPaths returns a copy of v with sentinels replaced by nil, plus the
// path of every replaced sentinel. A sentinel at the root yields one empty path.
func timestampPaths(v any) (any, [][]string) {
	var paths [][]string
	var walk func(v any, prefix []string) any
	walk = func(v any, prefix []string) any {
		switch val := v.(type) {
		case serverTimestamp:
			paths = append(paths, append([]string(nil), prefix...))
			return nil
		case map[string]any:
			out := make(map[string]any, len(val))
			for k, child := range val {
				out[k] = walk(child, append(prefix, k))
			}
			return out
		default:
			return v
		}
	}
	return walk(v, nil), paths
}

// normalize round-trips v through JSON so stored values match what Get decodes.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if unmarshalErr := json.Unmarshal(data, &out); unmarshalErr != nil {
		return nil, fmt.Errorf("decode value: %w", unmarshalErr)
	}
	return out, nil
}
