package domain

// RemoteIndex partitions the ids of every remote document by tombstone state.
// It is rebuilt on each cleanup pass and never persisted.
type RemoteIndex struct {
	ActiveIDs  map[string]struct{}
	DeletedIDs map[string]struct{}
}

func NewRemoteIndex() RemoteIndex {
	return RemoteIndex{
		ActiveIDs:  make(map[string]struct{}),
		DeletedIDs: make(map[string]struct{}),
	}
}

// Add records id. A document seen twice keeps its latest state.
func (idx RemoteIndex) Add(id string, deleted bool) {
	if deleted {
		delete(idx.ActiveIDs, id)
		idx.DeletedIDs[id] = struct{}{}
		return
	}
	delete(idx.DeletedIDs, id)
	idx.ActiveIDs[id] = struct{}{}
}

func (idx RemoteIndex) IsActive(id string) bool {
	_, ok := idx.ActiveIDs[id]
	return ok
}

func (idx RemoteIndex) IsDeleted(id string) bool {
	_, ok := idx.DeletedIDs[id]
	return ok
}

// Orphan reports whether item should be removed from the local store:
// tombstoned locally, tombstoned remotely, or unknown to the remote.
func (idx RemoteIndex) Orphan(item WorkItem) bool {
	return item.IsDeleted || idx.IsDeleted(item.ID) || !idx.IsActive(item.ID)
}
