package capability

import "errors"

var (
	// ErrAccessDenied is returned when a scoped file operation resolves to a
	// path outside the plugin's data directory.
	ErrAccessDenied = errors.New("capability: access denied")

	// ErrPermissionDenied is returned when a plugin invokes an operation its
	// manifest does not declare a permission for.
	ErrPermissionDenied = errors.New("capability: permission denied")
)
