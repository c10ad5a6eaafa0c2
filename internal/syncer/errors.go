package syncer

import (
	"fmt"
	"strings"
)

// LocalStorageError is a failed read, write or commit of the local store.
// The round that hit it is aborted and its transaction rolled back.
type LocalStorageError struct {
	Op  string
	Err error
}

func (e *LocalStorageError) Error() string {
	return fmt.Sprintf("local storage %s: %v", e.Op, e.Err)
}

func (e *LocalStorageError) Unwrap() error { return e.Err }

// RemoteError is a failed call to the remote store.
type RemoteError struct {
	Op  string
	ID  string
	Err error
}

func (e *RemoteError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("remote %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// DecodeError is a remote document that cannot be mapped to a work item.
// Batches skip the document and continue.
type DecodeError struct {
	ID     string
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode document %s: field %s: %s", e.ID, e.Field, e.Reason)
}

// UploadError lists the records an upload round could not push. Every
// other record was uploaded.
type UploadError struct {
	Failed []string
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed for %d record(s) [%s]: %v", len(e.Failed), strings.Join(e.Failed, ","), e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
