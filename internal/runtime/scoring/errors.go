package scoring

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies why a source could not produce a score.
type FailureKind string

const (
	// FailureRateLimited means the upstream rejected the request for exceeding its quota.
	FailureRateLimited FailureKind = "rate_limited"
	// FailureNotFound means the upstream does not know the id.
	FailureNotFound FailureKind = "not_found"
	// FailureTransient covers network errors, unexpected statuses and malformed payloads.
	FailureTransient FailureKind = "transient"
	// FailureFatal marks configuration problems and cancellation. It never triggers fallback.
	FailureFatal FailureKind = "fatal"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrNotFound    = errors.New("not found")
	ErrTransient   = errors.New("transient failure")
	ErrFatal       = errors.New("fatal source error")

	// ErrResolutionFailed is matched by every ResolutionError.
	ErrResolutionFailed = errors.New("resolution failed")
)

// SourceError is the discriminated failure returned by score sources.
type SourceError struct {
	Source string
	ID     string
	Kind   FailureKind
	Status int
	Err    error
}

// NewSourceError tags err with the failure kind. A nil kind defaults to transient.
func NewSourceError(source, id string, kind FailureKind, status int, err error) *SourceError {
	if kind == "" {
		kind = FailureTransient
	}
	return &SourceError{Source: source, ID: id, Kind: kind, Status: status, Err: err}
}

func (e *SourceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Source)
	b.WriteString(": id ")
	b.WriteString(e.ID)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SourceError) Unwrap() error { return e.Err }

// Is lets callers match on the kind sentinels without unpacking the struct.
func (e *SourceError) Is(target error) bool {
	return target == e.Kind.marker()
}

// Recoverable reports whether the next source in the chain may be tried.
func (e *SourceError) Recoverable() bool {
	return e.Kind != FailureFatal
}

func (k FailureKind) marker() error {
	switch k {
	case FailureRateLimited:
		return ErrRateLimited
	case FailureNotFound:
		return ErrNotFound
	case FailureFatal:
		return ErrFatal
	default:
		return ErrTransient
	}
}

// KindOf extracts the failure kind from err, or "" when err is not a SourceError.
func KindOf(err error) FailureKind {
	var srcErr *SourceError
	if errors.As(err, &srcErr) {
		return srcErr.Kind
	}
	return ""
}

// ResolutionError is returned when every source in the chain failed for an id.
type ResolutionError struct {
	ID       string
	Primary  error
	Fallback error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: primary: %v; fallback: %v", e.ID, e.Primary, e.Fallback)
}

func (e *ResolutionError) Is(target error) bool {
	return target == ErrResolutionFailed
}

func (e *ResolutionError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Primary != nil {
		errs = append(errs, e.Primary)
	}
	if e.Fallback != nil {
		errs = append(errs, e.Fallback)
	}
	return errs
}

// NotFound reports whether both sources agreed the id does not exist.
func (e *ResolutionError) NotFound() bool {
	return KindOf(e.Primary) == FailureNotFound && KindOf(e.Fallback) == FailureNotFound
}
