package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/store"
)

func newBadger(t *testing.T) *store.Badger {
	t.Helper()

	db, err := store.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return store.NewBadgerWithClock(db, func() time.Time { return fixedNow })
}

func TestBadger_SetGetUpdate(t *testing.T) {
	ctx := context.Background()
	b := newBadger(t)
	ref := store.Ref{Collection: "sessions", ID: "1700000000000"}

	require.NoError(t, b.Set(ctx, ref, map[string]any{
		"createdAt": store.ServerTimestamp(),
		"url":       "https://example.com/",
		"location":  nil,
		"device":    map[string]any{"screenWidth": 1280},
		"events":    map[string]any{},
	}))

	require.NoError(t, b.Update(ctx, ref, "events.0", map[string]any{
		"type":        "no",
		"interaction": "hover",
		"createdAt":   store.ServerTimestamp(),
	}))

	doc, err := b.Get(ctx, ref)
	require.NoError(t, err)

	assert.Equal(t, "2026-10-18T12:00:00Z", doc["createdAt"])
	assert.Nil(t, doc["location"])
	assert.Equal(t, map[string]any{"screenWidth": 1280.0}, doc["device"])
	assert.Equal(t, map[string]any{
		"0": map[string]any{
			"type":        "no",
			"interaction": "hover",
			"createdAt":   "2026-10-18T12:00:00Z",
		},
	}, doc["events"])
}

func TestBadger_SetReplacesDocument(t *testing.T) {
	ctx := context.Background()
	b := newBadger(t)
	ref := store.Ref{Collection: "sessions", ID: "1"}

	require.NoError(t, b.Set(ctx, ref, map[string]any{"url": "https://a.example/", "ip": "192.0.2.1"}))
	require.NoError(t, b.Set(ctx, ref, map[string]any{"url": "https://b.example/"}))

	doc, err := b.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"url": "https://b.example/"}, doc)
}

func TestBadger_Errors(t *testing.T) {
	ctx := context.Background()
	b := newBadger(t)
	missing := store.Ref{Collection: "sessions", ID: "nope"}

	_, err := b.Get(ctx, missing)
	require.ErrorIs(t, err, store.ErrNotFound)

	err = b.Update(ctx, missing, "events.1", "x")
	require.ErrorIs(t, err, store.ErrNotFound)

	ref := store.Ref{Collection: "sessions", ID: "1"}
	require.NoError(t, b.Set(ctx, ref, map[string]any{}))
	err = b.Update(ctx, ref, "events..1", "x")
	require.ErrorIs(t, err, store.ErrInvalidPath)
}

func TestBadger_CollectionsAreSeparate(t *testing.T) {
	ctx := context.Background()
	b := newBadger(t)

	require.NoError(t, b.Set(ctx, store.Ref{Collection: "sessions", ID: "1"}, map[string]any{"url": "a"}))

	_, err := b.Get(ctx, store.Ref{Collection: "archive", ID: "1"})
	require.ErrorIs(t, err, store.ErrNotFound)
}
