// Package errors provides error handling for platesolver.
//
// It re-exports github.com/cockroachdb/errors so every package wraps and
// inspects errors the same way, and defines the solver's failure taxonomy.
//
//	if err := idx.Build(); err != nil {
//	    return errors.Wrap(err, "build catalog index")
//	}
//
//	if errors.Is(err, errors.ErrNoConsistentMatch) {
//	    // try the next region
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Solve failure taxonomy. Only ErrInput is a usage fault; the rest are
// normal negative outcomes of the search.
var (
	// ErrInput marks empty or malformed pixel, star or catalog input.
	ErrInput = New("invalid input")

	// ErrNoStarsDetected means extraction found nothing above threshold.
	ErrNoStarsDetected = New("no stars detected")

	// ErrNoConsistentMatch means no vote bin reached the threshold.
	ErrNoConsistentMatch = New("no consistent quad match")

	// ErrInsufficientMatches means refinement kept too few pairs or could
	// not reach an acceptable residual.
	ErrInsufficientMatches = New("insufficient matches")

	// ErrBudgetExhausted means the time or attempt budget ran out.
	ErrBudgetExhausted = New("budget exhausted")
)

// Inputf builds an ErrInput-marked error with a formatted message.
func Inputf(format string, args ...any) error {
	return Wrapf(ErrInput, format, args...)
}

// Reason maps err to a stable, machine readable failure reason.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrInput):
		return "input_error"
	case Is(err, ErrNoStarsDetected):
		return "no_stars_detected"
	case Is(err, ErrBudgetExhausted):
		return "budget_exhausted"
	case Is(err, ErrInsufficientMatches):
		return "insufficient_matches"
	case Is(err, ErrNoConsistentMatch):
		return "no_consistent_match"
	default:
		return "internal_error"
	}
}

// IsUsageFault reports whether err should be logged as an error rather than
// as a solve diagnostic.
func IsUsageFault(err error) bool {
	if err == nil {
		return false
	}
	switch Reason(err) {
	case "input_error", "internal_error":
		return true
	}
	return false
}

// FromReason rebuilds an error from a reason reported by a remote solver,
// marked with the matching sentinel so Reason and Is work on it.
func FromReason(reason, msg string) error {
	if msg == "" {
		msg = reason
	}
	err := New(msg)
	switch reason {
	case "input_error":
		return Mark(err, ErrInput)
	case "no_stars_detected":
		return Mark(err, ErrNoStarsDetected)
	case "budget_exhausted":
		return Mark(err, ErrBudgetExhausted)
	case "insufficient_matches":
		return Mark(err, ErrInsufficientMatches)
	case "no_consistent_match":
		return Mark(err, ErrNoConsistentMatch)
	}
	return err
}
