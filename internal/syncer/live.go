package syncer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"taskflow/internal/docstore"
	"taskflow/internal/events"
	"taskflow/internal/repo"
)

// StartLive subscribes to every remote change, ordered by updatedAt, and
// merges each batch into the local store in one transaction. The feed is
// not scoped to the viewer. Calling StartLive while subscribed is a no-op.
func (m *Manager) StartLive(ctx context.Context) error {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	if m.live != nil {
		return nil
	}
	sub, err := m.remote.Listen(ctx, docstore.Query{OrderBy: FieldUpdatedAt}, func(b docstore.Batch) {
		m.applyBatch(ctx, b)
	})
	if err != nil {
		return &RemoteError{Op: "listen", Err: err}
	}
	m.live = sub
	m.log.Info("live sync started")
	return nil
}

// StopLive cancels the subscription. Safe to call when not subscribed.
func (m *Manager) StopLive() {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	if m.live == nil {
		return
	}
	m.live.Stop()
	m.live = nil
	m.log.Info("live sync stopped")
}

func (m *Manager) applyBatch(ctx context.Context, b docstore.Batch) {
	report := MergeReport{Fetched: len(b.Changes)}
	err := m.Local(ctx, func(tx repo.Tx) error {
		docs, err := liveDocs(ctx, tx, b.Changes)
		if err != nil {
			return err
		}
		return m.mergeDocs(ctx, tx, docs, &report)
	})
	if err != nil {
		m.log.Error("live batch not applied", zap.Int("changes", len(b.Changes)), zap.Error(err))
		m.fail("live", err)
		return
	}
	m.log.Debug("live batch applied", zap.Bool("initial", b.Initial), zap.Int("changes", len(b.Changes)), zap.Int("applied", len(report.Applied)))
	m.publish(events.Event{Type: events.RemoteApplied, Count: len(report.Applied), IDs: report.Applied, Initial: b.Initial})
}

// liveDocs selects the documents of a batch to merge. A removed document
// that is already gone locally was purged here and is not brought back.
func liveDocs(ctx context.Context, tx repo.Tx, changes []docstore.Change) ([]docstore.Document, error) {
	docs := make([]docstore.Document, 0, len(changes))
	for _, ch := range changes {
		if ch.Kind == docstore.Removed {
			_, err := tx.Get(ctx, ch.Document.ID)
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, &LocalStorageError{Op: "get", Err: err}
			}
		}
		docs = append(docs, ch.Document)
	}
	return docs, nil
}
