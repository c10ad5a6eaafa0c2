package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func item(id string, status domain.Status, updated time.Time) domain.WorkItem {
	return domain.WorkItem{
		ID:        id,
		Title:     "Replace valve",
		Status:    status,
		CreatedAt: t0,
		UpdatedAt: updated,
	}
}

func TestResolveNewRecordMaterializedVerbatim(t *testing.T) {
	remote := item("t1", domain.StatusReview, t0.Add(time.Hour))
	remote.AssigneeName = strPtr("Alice")
	got, d := Resolve(remote, nil)
	assert.Equal(t, Created, d)
	assert.Equal(t, remote, got)
}

func TestResolveNewRecordWithoutCreatedAt(t *testing.T) {
	remote := item("t1", domain.StatusTodo, t0.Add(time.Hour))
	remote.CreatedAt = time.Time{}
	got, _ := Resolve(remote, nil)
	assert.Equal(t, remote.UpdatedAt, got.CreatedAt)
}

func TestResolveStaleRejected(t *testing.T) {
	local := item("t1", domain.StatusDone, t0.Add(2*time.Hour))
	remote := item("t1", domain.StatusTodo, t0.Add(time.Hour))
	got, d := Resolve(remote, &local)
	assert.Equal(t, Stale, d)
	assert.Equal(t, local, got)
}

func TestResolveNewerOverwrites(t *testing.T) {
	// t1: local Todo at T, remote Done at T+1 -> Done.
	local := item("t1", domain.StatusTodo, t0)
	remote := item("t1", domain.StatusDone, t0.Add(time.Second))
	got, d := Resolve(remote, &local)
	require.Equal(t, Updated, d)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Equal(t, remote.UpdatedAt, got.UpdatedAt)
}

func TestResolveOlderRemoteKeepsLocal(t *testing.T) {
	local := item("t1", domain.StatusTodo, t0.Add(time.Second))
	remote := item("t1", domain.StatusDone, t0)
	got := Apply(remote, &local)
	assert.Equal(t, domain.StatusTodo, got.Status)
}

func TestResolveTieGoesToRemote(t *testing.T) {
	local := item("t1", domain.StatusTodo, t0)
	remote := item("t1", domain.StatusReview, t0)
	got, d := Resolve(remote, &local)
	assert.Equal(t, Updated, d)
	assert.Equal(t, domain.StatusReview, got.Status)
}

func TestResolveKeepsCreatedAtWhenRemoteMissing(t *testing.T) {
	local := item("t1", domain.StatusTodo, t0)
	remote := item("t1", domain.StatusReview, t0.Add(time.Minute))
	remote.CreatedAt = time.Time{}
	got := Apply(remote, &local)
	assert.Equal(t, t0, got.CreatedAt)
}

func TestResolveClearsOptionalFields(t *testing.T) {
	local := item("t1", domain.StatusTodo, t0)
	local.AssigneeName = strPtr("Bob")
	local.SignatureName = strPtr("Bob")
	remote := item("t1", domain.StatusTodo, t0.Add(time.Minute))
	got := Apply(remote, &local)
	assert.Nil(t, got.AssigneeName)
	assert.Nil(t, got.SignatureName)
}

func TestApplyIdempotent(t *testing.T) {
	local := item("t1", domain.StatusTodo, t0)
	remote := item("t1", domain.StatusDone, t0.Add(time.Minute))
	once := Apply(remote, &local)
	twice := Apply(remote, &once)
	assert.Equal(t, once, twice)
}

func TestApplyCommutative(t *testing.T) {
	a := item("t1", domain.StatusInProgress, t0.Add(time.Minute))
	a.CreatedAt = t0.Add(-time.Hour)
	b := item("t1", domain.StatusReview, t0.Add(2*time.Minute))
	base := item("t1", domain.StatusPlanned, t0)

	ab := Apply(a, &base)
	ab = Apply(b, &ab)
	ba := Apply(b, &base)
	ba = Apply(a, &ba)
	assert.Equal(t, ab, ba)

	fromNothingAB := Apply(a, nil)
	fromNothingAB = Apply(b, &fromNothingAB)
	fromNothingBA := Apply(b, nil)
	fromNothingBA = Apply(a, &fromNothingBA)
	assert.Equal(t, fromNothingAB, fromNothingBA)
}
