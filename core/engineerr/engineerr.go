// Package engineerr defines the typed error taxonomy every TinyLVT
// operation returns, in the style of native/lending's sentinel errors and
// native/common.Guard's single reusable check: callers switch on Kind
// rather than parsing messages.
package engineerr

import "errors"

// Kind classifies an error for retry/alerting policy.
type Kind int

const (
	// KindPrecondition is user-visible and retryable after the caller fixes
	// the underlying condition (e.g. insufficient eligibility).
	KindPrecondition Kind = iota
	// KindConflict is retryable by the caller without any input change
	// (e.g. a serialization failure).
	KindConflict
	// KindIntegrity is fatal for the operation and must be surfaced with a
	// correlation id; it signals a broken invariant.
	KindIntegrity
	// KindExternal covers transient infrastructure failures the scheduler
	// retries with backoff.
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindConflict:
		return "conflict"
	case KindIntegrity:
		return "integrity"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Code is a stable machine-readable identifier, safe to surface to callers.
type Code string

const (
	CodeNotOpen                Code = "NotOpen"
	CodeSpaceUnavailable       Code = "SpaceUnavailable"
	CodeInsufficientEligibility Code = "InsufficientEligibility"
	CodeInsufficientCredit     Code = "InsufficientCredit"
	CodeAlreadyStanding        Code = "AlreadyStanding"
	CodeNotEnrolled            Code = "NotEnrolled"
	CodeInvalidTransition      Code = "InvalidTransition"

	CodeConcurrentUpdate Code = "ConcurrentUpdate"
	CodeLockUnavailable  Code = "LockUnavailable"

	CodeInvariantViolation Code = "InvariantViolation"

	CodeTransient Code = "Transient"
)

// Error is the concrete error type returned by every engine operation.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	// Correlation identifies the operation instance for log lookup when an
	// Integrity error is reduced to a generic message for the caller.
	Correlation string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the caller (or the scheduler) may retry without
// changing the operation's inputs.
func (e *Error) Retryable() bool {
	return e.Kind == KindConflict || e.Kind == KindExternal
}

func newErr(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Precondition(code Code, msg string) *Error { return newErr(KindPrecondition, code, msg) }
func Conflict(code Code, msg string) *Error      { return newErr(KindConflict, code, msg) }
func Integrity(code Code, msg string) *Error     { return newErr(KindIntegrity, code, msg) }

// External wraps an infrastructure error for scheduler-side retry policy.
func External(cause error) *Error {
	return &Error{Kind: KindExternal, Code: CodeTransient, Message: "transient external failure", Cause: cause}
}

var (
	ErrNotOpen                 = Precondition(CodeNotOpen, "round is not open")
	ErrSpaceUnavailable        = Precondition(CodeSpaceUnavailable, "space is not available")
	ErrInsufficientEligibility = Precondition(CodeInsufficientEligibility, "insufficient eligibility for this bid")
	ErrInsufficientCredit      = Precondition(CodeInsufficientCredit, "bid would exceed credit limit")
	ErrAlreadyStanding         = Precondition(CodeAlreadyStanding, "user already standing on this space")
	ErrNotEnrolled             = Precondition(CodeNotEnrolled, "user is not enrolled for proxy bidding")
	ErrInvalidTransition       = Precondition(CodeInvalidTransition, "invalid auction state transition")

	ErrConcurrentUpdate = Conflict(CodeConcurrentUpdate, "concurrent update, retry")
	ErrLockUnavailable  = Conflict(CodeLockUnavailable, "advisory lock unavailable, retry")
)

// As reports whether err (or something it wraps) is an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is an *Error with the given Code.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
