package types

import "errors"

// Envelope and payload errors. Every one of them means "drop and log", never "close the connection".
var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrInvalidRole       = errors.New("role must be 'doctor' or 'patient'")
	ErrMissingClientID   = errors.New("client id is required")
	ErrEmptyQuestion     = errors.New("question cannot be empty")
	ErrEmptyReply        = errors.New("reply must name a recipient and carry text")
)
