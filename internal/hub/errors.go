package hub

import "errors"

// Hub-specific errors
var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrEventChannelFull  = errors.New("event channel is full")
	ErrNilQuestion       = errors.New("question cannot be nil")
	ErrNilSyncConnection = errors.New("connection cannot be nil")
)
