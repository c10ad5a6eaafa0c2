// Package merge resolves a remote version of a work item against the local one.
//
// Resolution is last-writer-wins on UpdatedAt. Equal timestamps favor the
// remote version so that a device converges on what the remote holds.
package merge

import "taskflow/internal/domain"

// Decision names the outcome of a resolution.
type Decision string

const (
	Created Decision = "created"
	Updated Decision = "updated"
	Stale   Decision = "stale"
)

// Resolve returns the record the local store should hold after seeing remote.
// existing is nil when the id is not present locally.
func Resolve(remote domain.WorkItem, existing *domain.WorkItem) (domain.WorkItem, Decision) {
	if existing == nil {
		out := remote
		if out.CreatedAt.IsZero() {
			out.CreatedAt = out.UpdatedAt
		}
		return out, Created
	}
	if remote.UpdatedAt.Before(existing.UpdatedAt) {
		return *existing, Stale
	}
	out := remote
	out.ID = existing.ID
	if out.CreatedAt.IsZero() {
		out.CreatedAt = existing.CreatedAt
	}
	return out, Updated
}

// Apply is Resolve without the decision.
func Apply(remote domain.WorkItem, existing *domain.WorkItem) domain.WorkItem {
	out, _ := Resolve(remote, existing)
	return out
}
