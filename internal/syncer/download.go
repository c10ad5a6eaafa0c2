package syncer

import (
	"context"

	"go.uber.org/zap"

	"taskflow/internal/docstore"
	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/repo"
)

// DownloadQuery is the remote query for the viewer's records: every live
// record for an admin, otherwise those assigned to the viewer's display
// name. The assignee match is exact. ok is false when the viewer has no
// display name and nothing should be downloaded.
func DownloadQuery(v domain.Viewer) (q docstore.Query, ok bool) {
	q = docstore.Query{
		Where:   docstore.Fields{FieldIsDeleted: false},
		OrderBy: FieldUpdatedAt,
	}
	if v.IsAdmin() {
		return q, true
	}
	if v.DisplayName == "" {
		return q, false
	}
	q.Where[FieldAssigneeName] = v.DisplayName
	return q, true
}

// DownloadAll merges the viewer's remote records into the local store in
// one transaction.
func (m *Manager) DownloadAll(ctx context.Context) (MergeReport, error) {
	viewer := m.identity.Viewer()
	q, ok := DownloadQuery(viewer)
	if !ok {
		m.log.Info("download skipped: viewer has no display name")
		return MergeReport{}, nil
	}
	docs, err := m.remote.Query(ctx, q)
	if err != nil {
		err = &RemoteError{Op: "query", Err: err}
		m.fail("download", err)
		return MergeReport{}, err
	}
	report := MergeReport{Fetched: len(docs)}
	err = m.Local(ctx, func(tx repo.Tx) error {
		return m.mergeDocs(ctx, tx, docs, &report)
	})
	if err != nil {
		m.fail("download", err)
		return MergeReport{}, err
	}
	m.log.Info("download complete",
		zap.String("viewer", viewer.DisplayName),
		zap.Int("fetched", report.Fetched),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("stale", report.Stale),
		zap.Int("skipped", report.Skipped))
	m.publish(events.Event{Type: events.DownloadCompleted, Count: len(report.Applied), IDs: report.Applied})
	return report, nil
}
