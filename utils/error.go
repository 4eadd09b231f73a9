package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrLockConflict is returned when an advisory lock is held by another in-flight request.
// Callers are expected to re-issue the whole operation.
var ErrLockConflict = errors.New("resource is busy with another operation, please retry")
