package docstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

type Document struct {
	ID         string    `json:"id"`
	Fields     Fields    `json:"fields"`
	CreateTime time.Time `json:"create_time" format:"date-time"`
	UpdateTime time.Time `json:"update_time" format:"date-time"`
}

func (d Document) clone() Document {
	d.Fields = d.Fields.Clone()
	return d
}

// Has reports whether field is present, even when its value is nil.
func (d Document) Has(field string) bool {
	_, ok := d.Fields[field]
	return ok
}

func (d Document) String(field string) (string, bool) {
	s, ok := d.Fields[field].(string)
	return s, ok
}

func (d Document) Bool(field string) (bool, bool) {
	b, ok := d.Fields[field].(bool)
	return b, ok
}

func (d Document) Time(field string) (time.Time, bool) {
	t, ok := d.Fields[field].(time.Time)
	return t, ok
}

// ETag is a content hash of the fields.
func (d Document) ETag() string {
	b, err := json.Marshal(d.Fields)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// Query selects documents by field equality, in field order.
// Documents lacking OrderBy are excluded from the result.
type Query struct {
	Where      Fields `json:"where,omitempty"`
	OrderBy    string `json:"order_by,omitempty"`
	Descending bool   `json:"descending,omitempty"`
	// Limit caps Query results. Listen ignores it.
	Limit int `json:"limit,omitempty"`
}

// Matches reports whether d belongs to the query result.
func (q Query) Matches(d Document) bool {
	for field, want := range q.Where {
		got, ok := d.Fields[field]
		if !ok || !equalValues(got, want) {
			return false
		}
	}
	if q.OrderBy != "" {
		if v, ok := d.Fields[q.OrderBy]; !ok || v == nil {
			return false
		}
	}
	return true
}

func (q Query) sort(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		c := 0
		if q.OrderBy != "" {
			c, _ = compareValues(docs[i].Fields[q.OrderBy], docs[j].Fields[q.OrderBy])
		}
		if c == 0 {
			c = compareStrings(docs[i].ID, docs[j].ID)
		}
		if q.Descending {
			return c > 0
		}
		return c < 0
	})
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	// Removed means the document left the result set, by deletion or by no longer matching.
	Removed ChangeKind = "removed"
)

type Change struct {
	Kind     ChangeKind `json:"kind" enum:"added,modified,removed"`
	Document Document   `json:"document"`
}

// Batch is one delivery to a listener. The first batch is the initial snapshot.
type Batch struct {
	Initial bool     `json:"initial,omitempty"`
	Changes []Change `json:"changes"`
}
