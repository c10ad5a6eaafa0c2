package syncer

import (
	"context"

	"go.uber.org/zap"

	"taskflow/internal/docstore"
	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/repo"
)

// RemoteIndex scans every remote document. A missing isDeleted counts as false.
func (m *Manager) RemoteIndex(ctx context.Context) (domain.RemoteIndex, error) {
	docs, err := m.remote.Query(ctx, docstore.Query{})
	if err != nil {
		return domain.RemoteIndex{}, &RemoteError{Op: "query", Err: err}
	}
	idx := domain.NewRemoteIndex()
	for _, d := range docs {
		deleted, _ := d.Bool(FieldIsDeleted)
		idx.Add(d.ID, deleted)
	}
	return idx, nil
}

// PurgeLocalOrphans deletes local records that are tombstoned locally,
// tombstoned remotely, or unknown to the remote. It returns the removed ids.
func (m *Manager) PurgeLocalOrphans(ctx context.Context) ([]string, error) {
	idx, err := m.RemoteIndex(ctx)
	if err != nil {
		m.fail("cleanup", err)
		return nil, err
	}
	var removed []string
	err = m.Local(ctx, func(tx repo.Tx) error {
		items, err := tx.Fetch(ctx, repo.Filter{})
		if err != nil {
			return &LocalStorageError{Op: "fetch", Err: err}
		}
		for _, it := range items {
			if !idx.Orphan(it) {
				continue
			}
			if err := tx.Delete(ctx, it.ID); err != nil {
				return &LocalStorageError{Op: "delete", Err: err}
			}
			removed = append(removed, it.ID)
		}
		return nil
	})
	if err != nil {
		m.fail("cleanup", err)
		return nil, err
	}
	m.log.Info("local cleanup complete", zap.Int("removed", len(removed)), zap.Int("remote_active", len(idx.ActiveIDs)), zap.Int("remote_deleted", len(idx.DeletedIDs)))
	m.publish(events.Event{Type: events.CleanupCompleted, Count: len(removed), IDs: removed})
	return removed, nil
}
