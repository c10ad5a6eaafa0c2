package syncer

import (
	"fmt"
	"strings"
	"time"

	"taskflow/internal/docstore"
	"taskflow/internal/domain"
)

// Remote field names of a task document.
const (
	FieldID            = "id"
	FieldTitle         = "title"
	FieldDetail        = "detail"
	FieldStatus        = "status"
	FieldAssigneeName  = "assigneeName"
	FieldLocationName  = "locationName"
	FieldDeadline      = "deadline"
	FieldCreatedAt     = "createdAt"
	FieldUpdatedAt     = "updatedAt"
	FieldIsDeleted     = "isDeleted"
	FieldSignatureName = "signatureName"
	FieldSignatureAt   = "signatureAt"
	FieldOwnerEmail    = "ownerEmail"
)

// EncodeItem maps w to remote fields. Absent optionals are written as nil so
// that a merge write clears them. ownerEmail is recorded lower-cased when set.
func EncodeItem(w domain.WorkItem, ownerEmail string) docstore.Fields {
	f := docstore.Fields{
		FieldID:            w.ID,
		FieldTitle:         w.Title,
		FieldDetail:        w.Detail,
		FieldStatus:        string(w.Status),
		FieldAssigneeName:  optionalString(w.AssigneeName),
		FieldLocationName:  optionalString(w.LocationName),
		FieldDeadline:      optionalTime(w.Deadline),
		FieldCreatedAt:     w.CreatedAt,
		FieldUpdatedAt:     w.UpdatedAt,
		FieldIsDeleted:     w.IsDeleted,
		FieldSignatureName: optionalString(w.SignatureName),
		FieldSignatureAt:   optionalTime(w.SignatureAt),
	}
	if email := strings.ToLower(strings.TrimSpace(ownerEmail)); email != "" {
		f[FieldOwnerEmail] = email
	}
	return f
}

// DecodeItem maps a remote document to a work item. The document id is
// authoritative. A missing updatedAt decodes as the zero time, which never
// wins against a stored record.
func DecodeItem(d docstore.Document) (domain.WorkItem, error) {
	w := domain.WorkItem{ID: d.ID}
	var err error
	fail := func(field, reason string) error {
		return &DecodeError{ID: d.ID, Field: field, Reason: reason}
	}
	if d.ID == "" {
		return w, fail(FieldID, "empty document id")
	}
	title, ok := d.Fields[FieldTitle].(string)
	if !ok {
		return w, fail(FieldTitle, describe(d.Fields[FieldTitle], "string"))
	}
	w.Title = title
	if w.Detail, err = stringField(d, FieldDetail); err != nil {
		return w, err
	}
	tag, ok := d.Fields[FieldStatus].(string)
	if !ok {
		return w, fail(FieldStatus, describe(d.Fields[FieldStatus], "string"))
	}
	if w.Status, err = domain.ParseStatus(tag); err != nil {
		return w, fail(FieldStatus, err.Error())
	}
	if w.AssigneeName, err = optionalStringField(d, FieldAssigneeName); err != nil {
		return w, err
	}
	if w.LocationName, err = optionalStringField(d, FieldLocationName); err != nil {
		return w, err
	}
	if w.SignatureName, err = optionalStringField(d, FieldSignatureName); err != nil {
		return w, err
	}
	if w.Deadline, err = optionalTimeField(d, FieldDeadline); err != nil {
		return w, err
	}
	if w.SignatureAt, err = optionalTimeField(d, FieldSignatureAt); err != nil {
		return w, err
	}
	created, err := optionalTimeField(d, FieldCreatedAt)
	if err != nil {
		return w, err
	}
	if created != nil {
		w.CreatedAt = *created
	}
	updated, err := optionalTimeField(d, FieldUpdatedAt)
	if err != nil {
		return w, err
	}
	if updated != nil {
		w.UpdatedAt = *updated
	}
	switch v := d.Fields[FieldIsDeleted].(type) {
	case nil:
	case bool:
		w.IsDeleted = v
	default:
		return w, fail(FieldIsDeleted, describe(v, "bool"))
	}
	return w, nil
}

func stringField(d docstore.Document, field string) (string, error) {
	switch v := d.Fields[field].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", &DecodeError{ID: d.ID, Field: field, Reason: describe(v, "string")}
	}
}

func optionalStringField(d docstore.Document, field string) (*string, error) {
	switch v := d.Fields[field].(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return &v, nil
	default:
		return nil, &DecodeError{ID: d.ID, Field: field, Reason: describe(v, "string")}
	}
}

func optionalTimeField(d docstore.Document, field string) (*time.Time, error) {
	switch v := d.Fields[field].(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &v, nil
	default:
		return nil, &DecodeError{ID: d.ID, Field: field, Reason: describe(v, "timestamp")}
	}
}

func describe(v any, want string) string {
	if v == nil {
		return "missing, want " + want
	}
	return fmt.Sprintf("got %T, want %s", v, want)
}

func optionalString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
