package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/domain"
)

func TestResolveViewer(t *testing.T) {
	admins := []string{"Root@Example.com"}

	v, err := ResolveViewer("", "root@example.com", "", admins)
	require.NoError(t, err)
	assert.Equal(t, domain.Viewer{DisplayName: "root", Email: "root@example.com", Role: domain.RoleAdmin}, v)

	v, err = ResolveViewer(" Alice ", "alice@example.com", "", admins)
	require.NoError(t, err)
	assert.Equal(t, "Alice", v.DisplayName)
	assert.Equal(t, domain.RoleWorker, v.Role)

	v, err = ResolveViewer("Bob", "", "admin", nil)
	require.NoError(t, err)
	assert.True(t, v.IsAdmin())

	_, err = ResolveViewer("", "", "", admins)
	assert.ErrorAs(t, err, &UnidentifiedError{})

	_, err = ResolveViewer("Eve", "", "owner", nil)
	assert.Error(t, err)
}

func TestRequireAdmin(t *testing.T) {
	assert.NoError(t, RequireAdmin(domain.Viewer{Role: domain.RoleAdmin}, PermPurgeAll))
	err := RequireAdmin(domain.Viewer{DisplayName: "Alice", Role: domain.RoleWorker}, PermPurgeAll)
	var fe ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, PermPurgeAll, fe.Permission)
	assert.EqualError(t, err, "permission task.purge_all required")
}
