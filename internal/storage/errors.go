package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrStatusConflict is returned by conditional updates when the row's current
// status is not one of the expected source statuses.
var ErrStatusConflict = errors.New("storage: status conflict")
