// Package repository defines error types that are reused across the
// repositories.  These sentinel values allow higher layers such as the auth
// service to distinguish between failure scenarios without inspecting driver
// errors.
package repository

import "errors"

// ErrNotFound is returned when no row matches the lookup or update.
var ErrNotFound = errors.New("not found")

// ErrEmailExists is returned by Create when the unique email index rejects
// the insert.  Handlers should translate this into an HTTP 409 response.
var ErrEmailExists = errors.New("email already exists")
