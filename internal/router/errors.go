package router

import "errors"

// Router-specific errors. They are logged, never sent back to the peer.
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrNotIdentified     = errors.New("connection has not identified")
	ErrServerOnlyType    = errors.New("envelope type is server-to-client only")
	ErrInvalidQuestion   = errors.New("invalid patient question")
)
