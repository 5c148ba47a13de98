package intake

import "errors"

var (
	// ErrValidation is returned when a submission lacks a client id or question.
	ErrValidation = errors.New("clientId & question required")
)
