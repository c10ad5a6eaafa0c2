package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the workflow position of a work item. Statuses are totally ordered.
type Status string

const (
	StatusPlanned    Status = "planned"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "inProgress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

var statusOrder = []Status{StatusPlanned, StatusTodo, StatusInProgress, StatusReview, StatusDone}

// Statuses returns all statuses in workflow order.
func Statuses() []Status {
	out := make([]Status, len(statusOrder))
	copy(out, statusOrder)
	return out
}

// ParseStatus maps a wire tag to a Status.
func ParseStatus(tag string) (Status, error) {
	s := Status(tag)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", tag)
	}
	return s, nil
}

func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// Rank is the position of s in the workflow, or -1 when s is not a known status.
func (s Status) Rank() int {
	for i, v := range statusOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// Next returns the following status; false at Done.
func (s Status) Next() (Status, bool) {
	i := s.Rank()
	if i < 0 || i == len(statusOrder)-1 {
		return s, false
	}
	return statusOrder[i+1], true
}

// Previous returns the preceding status; false at Planned.
func (s Status) Previous() (Status, bool) {
	i := s.Rank()
	if i <= 0 {
		return s, false
	}
	return statusOrder[i-1], true
}

// Label is the human readable form used by the CLI.
func (s Status) Label() string {
	switch s {
	case StatusPlanned:
		return "Planned"
	case StatusTodo:
		return "To Do"
	case StatusInProgress:
		return "In Progress"
	case StatusReview:
		return "Review"
	case StatusDone:
		return "Done"
	default:
		return string(s)
	}
}

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleWorker Role = "worker"
)

// WorkItem is a task record as held by the local store.
type WorkItem struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Detail        string     `json:"detail,omitempty"`
	Status        Status     `json:"status" enum:"planned,todo,inProgress,review,done"`
	AssigneeName  *string    `json:"assignee_name,omitempty"`
	LocationName  *string    `json:"location_name,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty" format:"date-time"`
	CreatedAt     time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time  `json:"updated_at" format:"date-time"`
	IsDeleted     bool       `json:"is_deleted"`
	SignatureName *string    `json:"signature_name,omitempty"`
	SignatureAt   *time.Time `json:"signature_at,omitempty" format:"date-time"`
}

// Assignee returns the assignee name or "".
func (w WorkItem) Assignee() string {
	if w.AssigneeName == nil {
		return ""
	}
	return *w.AssigneeName
}

func (w WorkItem) Location() string {
	if w.LocationName == nil {
		return ""
	}
	return *w.LocationName
}

func (w WorkItem) Signed() bool {
	return w.SignatureName != nil && w.SignatureAt != nil
}

// Viewer is the identity on whose behalf sync and listing run.
type Viewer struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	Role        Role   `json:"role" enum:"admin,worker"`
}

func (v Viewer) IsAdmin() bool {
	return v.Role == RoleAdmin
}

// DisplayNameFor picks the profile name when set, otherwise the local part of the e-mail.
func DisplayNameFor(name, email string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	email = strings.TrimSpace(email)
	if at := strings.Index(email, "@"); at >= 0 {
		return email[:at]
	}
	return email
}
