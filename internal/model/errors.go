package model

import "errors"

// Error taxonomy for the sync core. Callers classify with errors.Is.
var (
	// ErrUnauthenticated means the operation has no caller identity.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotFound means a conversation or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied means a write was rejected by store-side
	// authorization. Never retried or worked around.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTransient means a store was unreachable. Fatal for the live
	// write on the send path; best-effort everywhere else.
	ErrTransient = errors.New("transient store failure")
)
