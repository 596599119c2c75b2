package claims

import (
	"errors"
	"fmt"
)

// Kind classifies a claim lifecycle failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthenticated
	KindNotFound
	KindDuplicateClaim
	KindSubmissionFailed
	KindChannel
	KindForbidden
	KindAlreadyDecided
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindNotFound:
		return "not found"
	case KindDuplicateClaim:
		return "duplicate claim"
	case KindSubmissionFailed:
		return "submission failed"
	case KindChannel:
		return "channel error"
	case KindForbidden:
		return "forbidden"
	case KindAlreadyDecided:
		return "already decided"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is a tagged failure. Err, when set, is the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can compare against the
// sentinel values below regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrUnauthenticated  = &Error{Kind: KindUnauthenticated}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrDuplicateClaim   = &Error{Kind: KindDuplicateClaim}
	ErrSubmissionFailed = &Error{Kind: KindSubmissionFailed}
	ErrChannel          = &Error{Kind: KindChannel}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrAlreadyDecided   = &Error{Kind: KindAlreadyDecided}
	ErrInvalid          = &Error{Kind: KindInvalid}

	// ErrProfileUnresolved means the viewer has no usable display name yet.
	ErrProfileUnresolved = errors.New("profile has no display name")
)

// Wrap tags err with kind. A nil err yields nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
