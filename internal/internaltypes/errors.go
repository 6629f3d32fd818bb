package internaltypes

import "errors"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")

	// Remote service and pipeline failure classes.
	ErrAuth              = errors.New("remote rejected credentials")
	ErrSessionInvalid    = errors.New("remote session invalid")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrData              = errors.New("data error")
	ErrStorage           = errors.New("storage error")
)

// Transient reports whether err is worth retrying with the same inputs.
func Transient(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}

// Fatal reports whether err must abort the whole run.
func Fatal(err error) bool {
	return errors.Is(err, ErrAuth)
}
