package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// updateScript writes one hash field only when the document hash exists.
var updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// Redis stores each document as a hash. Top-level fields and dotted update
// paths are hash fields holding JSON values; Get folds dotted fields back
// into nested objects.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed store. Keys are "<prefix>:<collection>:<id>".
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(ref Ref) string {
	return r.prefix + ":" + ref.Collection + ":" + ref.ID
}

// Set replaces the document hash at ref.
func (r *Redis) Set(ctx context.Context, ref Ref, fields map[string]any) error {
	now, err := r.client.Time(ctx).Result()
	if err != nil {
		return fmt.Errorf("read server time: %w", err)
	}

	resolved, _ := resolveTimestamps(fields, now).(map[string]any)
	values := make([]any, 0, len(resolved)*2)
	for name, v := range resolved {
		data, marshalErr := json.Marshal(v)
		if marshalErr != nil {
			return fmt.Errorf("encode field %s of %s: %w", name, ref, marshalErr)
		}
		values = append(values, name, string(data))
	}

	key := r.key(ref)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set document %s: %w", ref, err)
	}
	return nil
}

// Update stores value under the dotted path as its own hash field.
func (r *Redis) Update(ctx context.Context, ref Ref, path string, value any) error {
	if _, err := SplitPath(path); err != nil {
		return err
	}

	now, err := r.client.Time(ctx).Result()
	if err != nil {
		return fmt.Errorf("read server time: %w", err)
	}

	data, err := json.Marshal(resolveTimestamps(value, now))
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", ref, err)
	}

	written, err := updateScript.Run(ctx, r.client, []string{r.key(ref)}, path, string(data)).Int()
	if err != nil {
		return fmt.Errorf("update document %s: %w", ref, err)
	}
	if written == 0 {
		return fmt.Errorf("update %s: %w", ref, ErrNotFound)
	}
	return nil
}

// Get reads the hash and rebuilds the nested document.
func (r *Redis) Get(ctx context.Context, ref Ref) (map[string]any, error) {
	raw, err := r.client.HGetAll(ctx, r.key(ref)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get document %s: %w", ref, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("get %s: %w", ref, ErrNotFound)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	// shallow paths first so nested fields land inside their parents
	sort.Slice(names, func(i, j int) bool {
		di, dj := strings.Count(names[i], "."), strings.Count(names[j], ".")
		if di != dj {
			return di < dj
		}
		return names[i] < names[j]
	})

	doc := make(map[string]any, len(names))
	for _, name := range names {
		var v any
		if unmarshalErr := json.Unmarshal([]byte(raw[name]), &v); unmarshalErr != nil {
			return nil, fmt.Errorf("decode field %s of %s: %w", name, ref, unmarshalErr)
		}
		setPath(doc, strings.Split(name, "."), v)
	}
	return doc, nil
}
