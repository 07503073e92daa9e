package dispatch

import (
	"errors"
	"fmt"
)

// Contention errors: expected, frequent, returned synchronously to the
// losing caller.
var (
	ErrTripTaken  = errors.New("trip_taken")
	ErrDriverBusy = errors.New("driver_busy")
)

var (
	ErrNotFound     = errors.New("trip not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidCode  = errors.New("invalid_code")
	// ErrConflict means the guard failed because the trip is in a different
	// state than the transition expects (including already terminal).
	ErrConflict = errors.New("conflict")
)

// TooFarError rejects a proximity-gated transition. Not fatal: the measured
// distance goes back to the caller for UX.
type TooFarError struct {
	DistanceM float64
	LimitM    float64
}

func (e *TooFarError) Error() string {
	return fmt.Sprintf("too_far: %.0fm from target (limit %.0fm)", e.DistanceM, e.LimitM)
}

// ValidationError rejects a request before any state mutation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg) }
