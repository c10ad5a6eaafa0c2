package syncer

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Reachability reports network transitions. Watch blocks until ctx is done
// and calls onChange only when reachability changes.
type Reachability interface {
	Watch(ctx context.Context, onChange func(reachable bool))
}

type SyncReport struct {
	Upload   UploadReport `json:"upload"`
	Download MergeReport  `json:"download"`
}

// SyncNow runs UploadAll then DownloadAll. A failed upload does not prevent
// the download; both errors are returned.
func (m *Manager) SyncNow(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	var errs []error
	up, err := m.UploadAll(ctx)
	report.Upload = up
	if err != nil {
		errs = append(errs, err)
	}
	down, err := m.DownloadAll(ctx)
	report.Download = down
	if err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

// StartAutoSync runs a sync round each time r reports the network became
// reachable. Rounds are single-flight: a trigger while one runs is dropped.
// A second StartAutoSync replaces the first watcher.
func (m *Manager) StartAutoSync(ctx context.Context, r Reachability) {
	m.StopAutoSync()
	ctx, cancel := context.WithCancel(ctx)
	m.autoMu.Lock()
	m.autoCancel = cancel
	m.autoMu.Unlock()

	m.autoWG.Add(1)
	go func() {
		defer m.autoWG.Done()
		r.Watch(ctx, func(reachable bool) {
			if !reachable {
				m.log.Info("remote unreachable")
				return
			}
			m.log.Info("remote reachable, starting sync round")
			m.TriggerSync(ctx)
		})
	}()
}

// StopAutoSync stops watching and waits for a running round to finish.
// Rounds are never started while it waits on them.
func (m *Manager) StopAutoSync() {
	m.autoMu.Lock()
	cancel := m.autoCancel
	m.autoCancel = nil
	m.autoMu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.autoWG.Wait()
	m.autoMu.Lock()
	m.roundWG.Wait()
	m.autoMu.Unlock()
}

// TriggerSync starts a background sync round unless one is running. It
// reports whether a round was started.
func (m *Manager) TriggerSync(ctx context.Context) bool {
	if !m.running.CompareAndSwap(false, true) {
		m.log.Debug("sync round already running, trigger dropped")
		return false
	}
	m.autoMu.Lock()
	m.roundWG.Add(1)
	m.autoMu.Unlock()
	go func() {
		defer m.roundWG.Done()
		defer m.running.Store(false)
		report, err := m.SyncNow(ctx)
		if err != nil {
			m.log.Warn("sync round failed", zap.Error(err))
			return
		}
		m.log.Info("sync round complete", zap.Int("uploaded", report.Upload.Uploaded), zap.Int("downloaded", len(report.Download.Applied)))
	}()
	return true
}

// Syncing reports whether a triggered round is in progress.
func (m *Manager) Syncing() bool {
	return m.running.Load()
}
