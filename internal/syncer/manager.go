// Package syncer keeps the local task store and the remote task collection
// converging: bulk upload, scoped bulk download, a live change feed, orphan
// cleanup and reachability-triggered sync rounds.
//
// The Manager is the only writer of the local store. Every local
// transaction, whether from a sync round, the live feed or a user mutation
// through Local, runs under one mutex.
package syncer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"taskflow/internal/docstore"
	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/merge"
	"taskflow/internal/repo"
)

const defaultUploadConcurrency = 8

// Remote is a document collection holding one document per work item.
type Remote interface {
	Get(ctx context.Context, id string) (docstore.Document, error)
	Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error)
	Set(ctx context.Context, id string, fields docstore.Fields, mergeFields bool) (docstore.Document, error)
	Delete(ctx context.Context, id string) error
	Listen(ctx context.Context, q docstore.Query, fn func(docstore.Batch)) (docstore.Subscription, error)
}

type LocalStore interface {
	Begin(ctx context.Context) (repo.Tx, error)
}

// IdentitySource yields the current viewer. It is consulted on every call,
// so a sign-in between rounds takes effect on the next one.
type IdentitySource interface {
	Viewer() domain.Viewer
}

// StaticIdentity is a fixed viewer.
type StaticIdentity domain.Viewer

func (s StaticIdentity) Viewer() domain.Viewer { return domain.Viewer(s) }

type Options struct {
	Logger            *zap.Logger
	Events            *events.Bus
	UploadConcurrency int
	Now               func() time.Time
}

type Manager struct {
	local    LocalStore
	remote   Remote
	identity IdentitySource
	log      *zap.Logger
	bus      *events.Bus
	now      func() time.Time
	fanout   int

	mu sync.Mutex

	liveMu sync.Mutex
	live   docstore.Subscription

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
	autoWG     sync.WaitGroup
	roundWG    sync.WaitGroup
	running    atomic.Bool
}

func New(local LocalStore, remote Remote, identity IdentitySource, opts Options) *Manager {
	m := &Manager{
		local:    local,
		remote:   remote,
		identity: identity,
		log:      opts.Logger,
		bus:      opts.Events,
		now:      opts.Now,
		fanout:   opts.UploadConcurrency,
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.fanout <= 0 {
		m.fanout = defaultUploadConcurrency
	}
	if m.identity == nil {
		m.identity = StaticIdentity{}
	}
	return m
}

// Viewer returns the current viewer.
func (m *Manager) Viewer() domain.Viewer {
	return m.identity.Viewer()
}

// Local runs fn in a serialized local transaction and commits when fn
// returns nil. Any error rolls the transaction back.
func (m *Manager) Local(ctx context.Context, fn func(tx repo.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localLocked(ctx, fn)
}

func (m *Manager) localLocked(ctx context.Context, fn func(tx repo.Tx) error) error {
	tx, err := m.local.Begin(ctx)
	if err != nil {
		return &LocalStorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Save(); err != nil {
		return &LocalStorageError{Op: "save", Err: err}
	}
	return nil
}

// MergeReport counts what a download or live batch did to the local store.
type MergeReport struct {
	Fetched int      `json:"fetched"`
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Stale   int      `json:"stale"`
	Skipped int      `json:"skipped"`
	Applied []string `json:"applied,omitempty"`
}

// mergeDocs resolves each document against the local store inside tx.
// Undecodable documents are logged and skipped.
func (m *Manager) mergeDocs(ctx context.Context, tx repo.Tx, docs []docstore.Document, r *MergeReport) error {
	for _, d := range docs {
		item, err := DecodeItem(d)
		if err != nil {
			var de *DecodeError
			if !errors.As(err, &de) {
				return err
			}
			m.log.Warn("skipping undecodable document", zap.String("id", de.ID), zap.String("field", de.Field), zap.String("reason", de.Reason))
			r.Skipped++
			continue
		}
		var prev *domain.WorkItem
		existing, err := tx.Get(ctx, item.ID)
		switch {
		case err == nil:
			prev = &existing
		case errors.Is(err, repo.ErrNotFound):
		default:
			return &LocalStorageError{Op: "get", Err: err}
		}
		merged, decision := merge.Resolve(item, prev)
		switch decision {
		case merge.Stale:
			r.Stale++
			continue
		case merge.Created:
			r.Created++
		default:
			r.Updated++
		}
		if err := tx.Insert(ctx, merged); err != nil {
			return &LocalStorageError{Op: "insert", Err: err}
		}
		r.Applied = append(r.Applied, merged.ID)
	}
	return nil
}

func (m *Manager) publish(e events.Event) {
	if e.At.IsZero() {
		e.At = m.now().UTC()
	}
	m.bus.Publish(e)
}

func (m *Manager) fail(op string, err error) {
	m.publish(events.Event{Type: events.SyncFailed, Op: op, Err: err.Error()})
}

func sortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
