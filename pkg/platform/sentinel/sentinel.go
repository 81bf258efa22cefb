package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) and services translate them into isolation or domain errors.
//
//   - ErrNotFound: record does not exist in the store
//   - ErrConflict: unique constraint (tenant id, partition name) already taken
//   - ErrInvalidState: record in the wrong state for the requested transition
//   - ErrUnavailable: backing store temporarily unreachable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
