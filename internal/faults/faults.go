// Package faults defines the typed error kinds every adapter and data service
// reports. Callers branch on Kind with errors.As; analyzers translate these
// into partial results instead of propagating them.
package faults

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindTimeout Kind = iota + 1
	KindRateLimited
	KindNotFound
	KindUnavailable
	KindMalformed
	KindValidation
	KindAuth
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindMalformed:
		return "malformed"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	default:
		return "internal"
	}
}

// Fault wraps an underlying error with a taxonomy kind and the source that
// produced it (adapter endpoint or data service name).
type Fault struct {
	Kind   Kind
	Source string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Source, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Source, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a Fault.
func New(kind Kind, source string, err error) *Fault {
	return &Fault{Kind: kind, Source: source, Err: err}
}

func Newf(kind Kind, source, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Source: source, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the taxonomy kind, defaulting to KindInternal for
// unclassified errors.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Transient reports whether a retry could plausibly succeed.
// NotFound and Malformed are permanent; Validation and Auth are caller bugs.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindRateLimited, KindUnavailable:
		return true
	}
	return false
}
