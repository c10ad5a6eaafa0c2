package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskflow/internal/docstore"
	"taskflow/internal/domain"
)

// purgeChunk bounds the deletes issued per purge step.
const purgeChunk = 400

// Push writes item with its own timestamps. New records use mergeFields=false.
func (m *Manager) Push(ctx context.Context, item domain.WorkItem, mergeFields bool) error {
	fields := EncodeItem(item, m.identity.Viewer().Email)
	if _, err := m.remote.Set(ctx, item.ID, fields, mergeFields); err != nil {
		return &RemoteError{Op: "set", ID: item.ID, Err: err}
	}
	return nil
}

// Tombstone marks id deleted on the remote.
func (m *Manager) Tombstone(ctx context.Context, id string, at time.Time) error {
	fields := docstore.Fields{FieldIsDeleted: true, FieldUpdatedAt: at}
	if _, err := m.remote.Set(ctx, id, fields, true); err != nil {
		return &RemoteError{Op: "tombstone", ID: id, Err: err}
	}
	return nil
}

// DeleteRemote hard-deletes id. Reserved for admin purges.
func (m *Manager) DeleteRemote(ctx context.Context, id string) error {
	if err := m.remote.Delete(ctx, id); err != nil {
		return &RemoteError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

// PurgeRemote hard-deletes every remote document in chunks and returns the
// number removed. A failed chunk stops the purge.
func (m *Manager) PurgeRemote(ctx context.Context) (int, error) {
	docs, err := m.remote.Query(ctx, docstore.Query{})
	if err != nil {
		return 0, &RemoteError{Op: "query", Err: err}
	}
	removed := 0
	for start := 0; start < len(docs); start += purgeChunk {
		end := min(start+purgeChunk, len(docs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.fanout)
		for _, d := range docs[start:end] {
			g.Go(func() error {
				return m.DeleteRemote(gctx, d.ID)
			})
		}
		if err := g.Wait(); err != nil {
			m.log.Error("remote purge stopped", zap.Int("removed", removed), zap.Error(err))
			return removed, err
		}
		removed = end
	}
	m.log.Info("remote purge complete", zap.Int("removed", removed))
	return removed, nil
}
