package signing

import (
	"errors"
	"fmt"
)

// FailureKind classifies terminal signing failures.
type FailureKind int

const (
	FailureInvalidArgument FailureKind = iota + 1
	FailureKeySourceNotFound
	FailureKeySourceEmpty
	FailureKeyDecode
	FailureSigning
)

func (k FailureKind) String() string {
	switch k {
	case FailureInvalidArgument:
		return "invalid_argument"
	case FailureKeySourceNotFound:
		return "key_source_not_found"
	case FailureKeySourceEmpty:
		return "key_source_empty"
	case FailureKeyDecode:
		return "key_decode_error"
	case FailureSigning:
		return "signing_error"
	default:
		return "unknown"
	}
}

// Failure is a terminal signing error carrying its classification.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("signing: %s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("signing: %s", f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf returns the FailureKind carried by err, or zero if err carries none.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

// Outcome is the result of one provider invocation. It is exactly one of
// completed, pending or failed; pending is control flow, not an error.
type Outcome struct {
	Signature []byte
	Err       error

	pending bool
}

// Completed builds a terminal outcome carrying a signature.
func Completed(signature []byte) Outcome {
	return Outcome{Signature: signature}
}

// Pending builds the non-terminal outcome: work is in flight, the caller
// must re-invoke the same signing step.
func Pending() Outcome {
	return Outcome{pending: true}
}

// Failed builds a terminal outcome carrying a classified error.
func Failed(kind FailureKind, err error) Outcome {
	return Outcome{Err: &Failure{Kind: kind, Err: err}}
}

// IsPending reports whether the operation has not resolved yet.
func (o Outcome) IsPending() bool { return o.pending }

// IsCompleted reports whether the operation produced a signature.
func (o Outcome) IsCompleted() bool { return !o.pending && o.Err == nil }

// IsFailed reports whether the operation failed terminally.
func (o Outcome) IsFailed() bool { return o.Err != nil }
