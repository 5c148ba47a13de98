package client

import "errors"

var (
	ErrSessionClosed    = errors.New("session is closed")
	ErrFallbackRejected = errors.New("fallback endpoint rejected the question")
	ErrInvalidServerURL = errors.New("server URL must be http or https")
)
