package transport

import "errors"

// Adapters wrap platform failures with these so callers can decide on
// retries without importing the platform SDK.
var (
	// ErrForbidden: missing permission, or the user does not accept DMs.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound: unknown channel, message, member or role.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited: the platform answered 429 and the SDK gave up waiting.
	ErrRateLimited = errors.New("rate limited")
)

// Permanent reports whether retrying err cannot succeed.
func Permanent(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound)
}
