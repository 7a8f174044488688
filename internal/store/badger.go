package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Badger stores each document as one JSON value in an embedded BadgerDB,
// keyed "doc:<collection>/<id>".
type Badger struct {
	db  *badger.DB
	now func() time.Time
}

const badgerKeyPrefix = "doc:"

// NewBadger creates a Badger store over an open database.
func NewBadger(db *badger.DB) *Badger {
	return NewBadgerWithClock(db, time.Now)
}

// NewBadgerWithClock creates a Badger store with a custom server clock.
func NewBadgerWithClock(db *badger.DB, now func() time.Time) *Badger {
	return &Badger{db: db, now: now}
}

// OpenBadger opens (or creates) a BadgerDB at dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

func badgerKey(ref Ref) []byte {
	return []byte(badgerKeyPrefix + ref.String())
}

// Set creates or replaces the document at ref.
func (b *Badger) Set(_ context.Context, ref Ref, fields map[string]any) error {
	data, err := json.Marshal(resolveTimestamps(fields, b.now()))
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if setErr := txn.Set(badgerKey(ref), data); setErr != nil {
			return fmt.Errorf("set %s: %w", ref, setErr)
		}
		return nil
	})
}

// Update rewrites the document with value stored at path, inside one
// read-write transaction.
func (b *Badger) Update(_ context.Context, ref Ref, path string, value any) error {
	segments, err := SplitPath(path)
	if err != nil {
		return err
	}

	resolved, err := normalize(resolveTimestamps(value, b.now()))
	if err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		doc, getErr := readDocument(txn, ref)
		if getErr != nil {
			return getErr
		}

		setPath(doc, segments, resolved)

		data, marshalErr := json.Marshal(doc)
		if marshalErr != nil {
			return fmt.Errorf("marshal document: %w", marshalErr)
		}
		return txn.Set(badgerKey(ref), data)
	})
}

// Get returns the decoded document.
func (b *Badger) Get(_ context.Context, ref Ref) (map[string]any, error) {
	var doc map[string]any
	err := b.db.View(func(txn *badger.Txn) error {
		var readErr error
		doc, readErr = readDocument(txn, ref)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func readDocument(txn *badger.Txn, ref Ref) (map[string]any, error) {
	item, err := txn.Get(badgerKey(ref))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("get %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}

	var doc map[string]any
	if valueErr := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	}); valueErr != nil {
		return nil, fmt.Errorf("decode %s: %w", ref, valueErr)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}
