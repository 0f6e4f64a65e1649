package csrf

// Error is a CSRF rejection. Reason is safe to return to the client.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// Rejection reasons, in the order the guard checks them.
var (
	ErrMissingCookie = &Error{Reason: "CSRF token missing in cookie"}
	ErrMissingHeader = &Error{Reason: "CSRF token missing in header (X-CSRF-Token)"}
	ErrMismatch      = &Error{Reason: "CSRF token mismatch"}
	ErrInvalidToken  = &Error{Reason: "Invalid CSRF token"}
)

// Label is a short metric-friendly name for the rejection.
func (e *Error) Label() string {
	switch e {
	case ErrMissingCookie:
		return "missing_cookie"
	case ErrMissingHeader:
		return "missing_header"
	case ErrMismatch:
		return "mismatch"
	case ErrInvalidToken:
		return "invalid"
	}
	return "other"
}
