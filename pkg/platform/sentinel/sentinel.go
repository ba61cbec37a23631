package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and the gateway client return
// these (optionally wrapped) so the sync engines can decide what to do next.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: the gateway or a store has no such entity (e.g. no keys for a date)
// - ErrConflict: the entity already exists in a state that forbids the write
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrUnavailable: service or resource temporarily unavailable (lock timeout, 5xx)
//
// Per-key validation failures live in the models package.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
