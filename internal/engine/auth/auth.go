package auth

import (
	"fmt"
	"strings"

	"taskflow/internal/domain"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// UnidentifiedError indicates the caller has neither a display name nor an
// email.
type UnidentifiedError struct{}

func (UnidentifiedError) Error() string {
	return "identity required: set identity.display_name or identity.email"
}

// Permissions checked by RequireAdmin callers.
const (
	PermHardDelete = "task.hard_delete"
	PermPurgeAll   = "task.purge_all"
	PermRemoteDel  = "document.delete"
)

// ResolveViewer builds the viewer for a signed-in identity. An explicit role
// wins; otherwise emails listed in adminEmails are admins and everyone else
// is a worker. The display name falls back to the email local part.
func ResolveViewer(name, email, role string, adminEmails []string) (domain.Viewer, error) {
	v := domain.Viewer{
		DisplayName: domain.DisplayNameFor(name, email),
		Email:       strings.TrimSpace(email),
	}
	if v.DisplayName == "" && v.Email == "" {
		return domain.Viewer{}, UnidentifiedError{}
	}
	switch r := domain.Role(strings.TrimSpace(role)); r {
	case domain.RoleAdmin, domain.RoleWorker:
		v.Role = r
	case "":
		v.Role = domain.RoleWorker
		for _, a := range adminEmails {
			if v.Email != "" && strings.EqualFold(strings.TrimSpace(a), v.Email) {
				v.Role = domain.RoleAdmin
				break
			}
		}
	default:
		return domain.Viewer{}, fmt.Errorf("unknown role %q", role)
	}
	return v, nil
}

// RequireAdmin returns ForbiddenError for perm unless v is an admin.
func RequireAdmin(v domain.Viewer, perm string) error {
	if v.IsAdmin() {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
