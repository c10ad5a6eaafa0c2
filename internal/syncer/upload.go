package syncer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskflow/internal/docstore"
	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/repo"
)

type UploadReport struct {
	Attempted int      `json:"attempted"`
	Uploaded  int      `json:"uploaded"`
	Failed    []string `json:"failed,omitempty"`
}

// UploadAll pushes every local record, tombstones included, to the remote.
// The remote createdAt is kept when present and updatedAt is stamped by the
// server. Every record is attempted; failures are returned together as an
// *UploadError. The local store stays locked for the whole round.
func (m *Manager) UploadAll(ctx context.Context) (UploadReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.snapshotLocked(ctx)
	if err != nil {
		m.fail("upload", err)
		return UploadReport{}, err
	}
	owner := m.identity.Viewer().Email

	var (
		mu     sync.Mutex
		errs   []error
		failed []string
	)
	g := new(errgroup.Group)
	g.SetLimit(m.fanout)
	for _, it := range items {
		g.Go(func() error {
			if err := m.uploadOne(ctx, it, owner); err != nil {
				mu.Lock()
				errs = append(errs, err)
				failed = append(failed, it.ID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	report := UploadReport{Attempted: len(items), Uploaded: len(items) - len(failed), Failed: sortedIDs(failed)}
	if len(errs) > 0 {
		err := &UploadError{Failed: report.Failed, Err: errors.Join(errs...)}
		m.log.Warn("upload incomplete", zap.Int("attempted", report.Attempted), zap.Strings("failed", report.Failed), zap.Error(err.Err))
		m.fail("upload", err)
		return report, err
	}
	m.log.Info("upload complete", zap.Int("uploaded", report.Uploaded))
	m.publish(events.Event{Type: events.UploadCompleted, Count: report.Uploaded})
	return report, nil
}

func (m *Manager) uploadOne(ctx context.Context, it domain.WorkItem, owner string) error {
	fields := EncodeItem(it, owner)
	fields[FieldCreatedAt] = docstore.ServerTimestamp
	existing, err := m.remote.Get(ctx, it.ID)
	switch {
	case err == nil:
		if created, ok := existing.Time(FieldCreatedAt); ok {
			fields[FieldCreatedAt] = created
		}
	case errors.Is(err, docstore.ErrNotFound):
	default:
		return &RemoteError{Op: "get", ID: it.ID, Err: err}
	}
	fields[FieldUpdatedAt] = docstore.ServerTimestamp
	if _, err := m.remote.Set(ctx, it.ID, fields, true); err != nil {
		return &RemoteError{Op: "set", ID: it.ID, Err: err}
	}
	return nil
}

// snapshotLocked reads every local record. Caller holds m.mu.
func (m *Manager) snapshotLocked(ctx context.Context) ([]domain.WorkItem, error) {
	var items []domain.WorkItem
	err := m.localLocked(ctx, func(tx repo.Tx) error {
		var err error
		items, err = tx.Fetch(ctx, repo.Filter{})
		if err != nil {
			return &LocalStorageError{Op: "fetch", Err: err}
		}
		return nil
	})
	return items, err
}
