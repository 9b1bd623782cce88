package nest

import "errors"

var (
	// ErrUnauthorized means the Nest cloud rejected the session; a fresh
	// login is needed.
	ErrUnauthorized = errors.New("nest: unauthorized")

	// ErrUnexpectedStatus wraps any other non-2xx response.
	ErrUnexpectedStatus = errors.New("nest: unexpected HTTP status")

	// ErrNoCredentials means neither login method is configured.
	ErrNoCredentials = errors.New("nest: no credentials configured")
)
