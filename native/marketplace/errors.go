package marketplace

import (
	"errors"
	"fmt"
)

// Kind is the stable classification carried by every marketplace error.
type Kind string

const (
	KindInvalidPrice          Kind = "InvalidPrice"
	KindInvalidContent        Kind = "InvalidContent"
	KindFeeMismatch           Kind = "FeeMismatch"
	KindPaymentMismatch       Kind = "PaymentMismatch"
	KindNotOwner              Kind = "NotOwner"
	KindUnauthorized          Kind = "Unauthorized"
	KindAlreadySold           Kind = "AlreadySold"
	KindNotListed             Kind = "NotListed"
	KindCustodyTransferFailed Kind = "CustodyTransferFailed"
	KindDisbursementFailed    Kind = "DisbursementFailed"
	KindPaymentFailed         Kind = "PaymentFailed"
	KindPaused                Kind = "Paused"
	KindReentrant             Kind = "Reentrant"
	KindCanceled              Kind = "Canceled"
	KindStorage               Kind = "Storage"
)

// Error is returned by every engine operation. Kind is stable for programmatic
// handling; Reason is the human-readable explanation.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := "marketplace: " + string(e.Kind)
	if e.Reason != "" {
		msg = "marketplace: " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any marketplace error of the same kind, which lets callers test
// against the exported sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Reason == "" && t.Err == nil
}

var (
	ErrInvalidPrice          = &Error{Kind: KindInvalidPrice}
	ErrInvalidContent        = &Error{Kind: KindInvalidContent}
	ErrFeeMismatch           = &Error{Kind: KindFeeMismatch}
	ErrPaymentMismatch       = &Error{Kind: KindPaymentMismatch}
	ErrNotOwner              = &Error{Kind: KindNotOwner}
	ErrUnauthorized          = &Error{Kind: KindUnauthorized}
	ErrAlreadySold           = &Error{Kind: KindAlreadySold}
	ErrNotListed             = &Error{Kind: KindNotListed}
	ErrCustodyTransferFailed = &Error{Kind: KindCustodyTransferFailed}
	ErrDisbursementFailed    = &Error{Kind: KindDisbursementFailed}
	ErrPaymentFailed         = &Error{Kind: KindPaymentFailed}
	ErrPaused                = &Error{Kind: KindPaused}
	ErrReentrant             = &Error{Kind: KindReentrant}
	ErrCanceled              = &Error{Kind: KindCanceled}
	ErrStorage               = &Error{Kind: KindStorage}

	// ErrUnknownAsset is wrapped by NotListed errors raised for identities
	// that have no listing record.
	ErrUnknownAsset = errors.New("unknown asset")
)

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of the first marketplace error in err's chain.
// Errors that did not originate in the engine report KindStorage.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var merr *Error
	if errors.As(err, &merr) {
		return merr.Kind
	}
	return KindStorage
}
