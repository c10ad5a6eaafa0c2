// Package docstore is a document collection store with server-assigned
// timestamps, equality queries and change listeners. It backs the remote
// side of task sync.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("document not found")
	// ErrInvalid wraps rejected ids and field values.
	ErrInvalid = errors.New("invalid document")
)

type Option func(*DB)

// WithClock overrides the clock used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(db *DB) {
		if log != nil {
			db.log = log
		}
	}
}

// DB holds named collections. All collections share one lock.
type DB struct {
	mu          sync.Mutex
	now         func() time.Time
	log         *zap.Logger
	store       *sqlStore
	collections map[string]*Collection
}

// New returns an in-memory store.
func New(opts ...Option) *DB {
	db := &DB{
		now:         time.Now,
		log:         zap.NewNop(),
		collections: make(map[string]*Collection),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Open returns a store persisted to conn, loading every stored document.
// The documents table must exist (see migrate).
func Open(ctx context.Context, conn *sql.DB, opts ...Option) (*DB, error) {
	db := New(opts...)
	db.store = &sqlStore{db: conn}
	loaded, err := db.store.loadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	for name, docs := range loaded {
		c := db.collectionLocked(name)
		for _, d := range docs {
			c.docs[d.ID] = d
		}
	}
	db.log.Debug("docstore loaded", zap.Int("collections", len(loaded)))
	return db, nil
}

// Collection returns the named collection, creating it on first use.
func (db *DB) Collection(name string) *Collection {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.collectionLocked(name)
}

// Collections lists collection names in sorted order.
func (db *DB) Collections() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (db *DB) collectionLocked(name string) *Collection {
	c, ok := db.collections[name]
	if !ok {
		c = &Collection{
			db:        db,
			name:      name,
			docs:      make(map[string]Document),
			listeners: make(map[int]*listener),
		}
		db.collections[name] = c
	}
	return c
}

func (db *DB) clock() time.Time {
	return db.now().UTC().Round(0)
}

type Collection struct {
	db        *DB
	name      string
	docs      map[string]Document
	listeners map[int]*listener
	nextID    int
}

func (c *Collection) Name() string { return c.name }

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("document id required")
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("document id %q must not contain '/'", id)
	}
	return nil
}

func (c *Collection) Get(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	d, ok := c.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return d.clone(), nil
}

// Set writes fields to document id. With merge the given fields are applied
// over the stored ones; otherwise the document is replaced.
func (c *Collection) Set(ctx context.Context, id string, fields Fields, merge bool) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if err := validID(id); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	now := c.db.clock()
	resolved, err := normalize(fields, now)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	prev, existed := c.docs[id]
	next := Document{ID: id, Fields: resolved, CreateTime: now, UpdateTime: now}
	if existed {
		next.CreateTime = prev.CreateTime
		if merge {
			merged := prev.Fields.Clone()
			for k, v := range resolved {
				merged[k] = v
			}
			next.Fields = merged
		}
	}
	if c.db.store != nil {
		if err := c.db.store.upsert(ctx, c.name, next); err != nil {
			return Document{}, fmt.Errorf("persist %s/%s: %w", c.name, id, err)
		}
	}
	c.docs[id] = next
	c.notifyLocked(prev, next, true)
	return next.clone(), nil
}

// Delete removes document id. Deleting a missing document is not an error.
func (c *Collection) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	prev, existed := c.docs[id]
	if !existed {
		return nil
	}
	if c.db.store != nil {
		if err := c.db.store.delete(ctx, c.name, id); err != nil {
			return fmt.Errorf("persist delete %s/%s: %w", c.name, id, err)
		}
	}
	delete(c.docs, id)
	c.notifyLocked(prev, Document{}, false)
	return nil
}

func (c *Collection) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	res := c.matchLocked(q)
	if q.Limit > 0 && len(res) > q.Limit {
		res = res[:q.Limit]
	}
	return res, nil
}

func (c *Collection) matchLocked(q Query) []Document {
	var res []Document
	for _, d := range c.docs {
		if q.Matches(d) {
			res = append(res, d.clone())
		}
	}
	q.sort(res)
	return res
}
