package models

import "errors"

// Error taxonomy shared by every component. Callers wrap these with
// fmt.Errorf("%w: ...") and classify with errors.Is.
var (
	ErrAuth            = errors.New("authentication failed")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrTransient       = errors.New("temporarily unavailable")
)

// ErrorCode returns the wire code of err for client-facing error payloads.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrTransient):
		return "unavailable"
	default:
		return "internal"
	}
}
