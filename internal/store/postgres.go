package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
)

// Postgres stores documents as JSONB rows in the documents table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Set upserts the document at ref.
func (p *Postgres) Set(ctx context.Context, ref Ref, fields map[string]any) error {
	body, paths := timestampPaths(fields)
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", ref, err)
	}

	args := []any{ref.Collection, ref.ID, string(data)}
	expr, args := timestampExpr("$3::jsonb", paths, args)

	query := "INSERT INTO documents (collection, id, body) VALUES ($1, $2, " + expr + ") " +
		"ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = now()"

	if _, execErr := p.db.ExecContext(ctx, query, args...); execErr != nil {
		return fmt.Errorf("set document %s: %w", ref, execErr)
	}
	return nil
}

// Update sets the value at path with jsonb_set. Only the last path segment
// is created when missing; intermediate objects must already exist.
func (p *Postgres) Update(ctx context.Context, ref Ref, path string, value any) error {
	segments, err := SplitPath(path)
	if err != nil {
		return err
	}

	body, paths := timestampPaths(value)
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", ref, err)
	}

	args := []any{ref.Collection, ref.ID, pq.Array(segments), string(data)}
	valueExpr, args := timestampExpr("$4::jsonb", paths, args)

	query := "UPDATE documents SET body = jsonb_set(body, $3::text[], " + valueExpr + ", true), " +
		"updated_at = now() WHERE collection = $1 AND id = $2"

	result, execErr := p.db.ExecContext(ctx, query, args...)
	if execErr != nil {
		return fmt.Errorf("update document %s: %w", ref, execErr)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("update document %s: rows affected: %w", ref, rowsErr)
	}
	if rows == 0 {
		return fmt.Errorf("update %s: %w", ref, ErrNotFound)
	}
	return nil
}

// Get loads and decodes the document at ref.
func (p *Postgres) Get(ctx context.Context, ref Ref) (map[string]any, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		"SELECT body FROM documents WHERE collection = $1 AND id = $2",
		ref.Collection, ref.ID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", ref, err)
	}

	var doc map[string]any
	if unmarshalErr := json.Unmarshal(raw, &doc); unmarshalErr != nil {
		return nil, fmt.Errorf("decode document %s: %w", ref, unmarshalErr)
	}
	return doc, nil
}

// timestampExpr wraps base in one jsonb_set per server timestamp path,
// appending each path as a text[] parameter.
func timestampExpr(base string, paths [][]string, args []any) (string, []any) {
	var sb strings.Builder
	expr := base
	for _, path := range paths {
		if len(path) == 0 {
			return "to_jsonb(now())", args
		}
		args = append(args, pq.Array(path))
		sb.Reset()
		fmt.Fprintf(&sb, "jsonb_set(%s, $%d::text[], to_jsonb(now()), true)", expr, len(args))
		expr = sb.String()
	}
	return expr, args
}
