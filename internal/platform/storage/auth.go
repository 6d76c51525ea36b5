package storage

import (
	"errors"

	"github.com/grocery-backoffice/api/internal/platform/auth"
)

// ErrPermissionDenied is returned when the caller may not read the object.
var ErrPermissionDenied = errors.New("storage: permission denied")

// AuthorizeDownload allows the owner and staff or admin identities.
func AuthorizeDownload(identity *auth.Identity, ownerID string, allowAnonymous bool) error {
	switch {
	case allowAnonymous:
		return nil
	case identity == nil:
		return ErrPermissionDenied
	case ownerID != "" && identity.UID == ownerID:
		return nil
	case identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin):
		return nil
	}
	return ErrPermissionDenied
}
