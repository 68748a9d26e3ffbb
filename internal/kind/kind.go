// Package kind classifies syscare errors into the small taxonomy the
// build pipeline and the daemon use to decide how to report and whether
// to roll back.
package kind

import "golang.org/x/xerrors"

// Kind is one of the eleven error categories from the design.
type Kind int

const (
	Input Kind = iota
	Build
	Resolve
	Format
	Driver
	State
	Conflict
	Dependency
	Consistency
	Persistence
	System
)

func (k Kind) String() string {
	switch k {
	case Input:
		return "Input"
	case Build:
		return "Build"
	case Resolve:
		return "Resolve"
	case Format:
		return "Format"
	case Driver:
		return "Driver"
	case State:
		return "State"
	case Conflict:
		return "Conflict"
	case Dependency:
		return "Dependency"
	case Consistency:
		return "Consistency"
	case Persistence:
		return "Persistence"
	case System:
		return "System"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with its Kind so that callers across
// package boundaries can recover it with errors.As.
type Error struct {
	K   Kind
	Err error
}

func (e *Error) Error() string { return e.K.String() + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with k, formatting a single-line summary in the
// style the teacher uses throughout (xerrors.Errorf with %v/%w).
func Wrap(k Kind, format string, args ...interface{}) error {
	return &Error{K: k, Err: xerrors.Errorf(format, args...)}
}

// Of returns the Kind of err if it (or something it wraps) is a *Error,
// and ok=false otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if xerrors.As(err, &e) {
		return e.K, true
	}
	return 0, false
}
