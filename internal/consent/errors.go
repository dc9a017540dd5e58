package consent

import "errors"

var (
	// ErrInvalidInput marks a missing or malformed request field.
	ErrInvalidInput = errors.New("consent: invalid input")
	// ErrNotFound is returned for unknown clients and absent consent records.
	ErrNotFound = errors.New("consent: not found")
	// ErrSignature marks a proof whose signature does not verify.
	ErrSignature = errors.New("consent: signature verification failed")
)
