package model

import (
	"errors"
	"fmt"
)

// ErrNoHealthyEndpoint is returned when every configured endpoint for a
// chain failed its liveness probe or exhausted fallback.
var ErrNoHealthyEndpoint = errors.New("no healthy endpoint")

// TransientEndpointError wraps a retryable endpoint failure: rate limit,
// timeout, or 4xx/5xx transport error. Never fatal to a run.
type TransientEndpointError struct {
	Endpoint string
	Err      error
}

func (e *TransientEndpointError) Error() string {
	return fmt.Sprintf("transient endpoint error (%s): %v", e.Endpoint, e.Err)
}

func (e *TransientEndpointError) Unwrap() error { return e.Err }

// ConfigurationError marks a chain as unrunnable: missing contract address,
// missing endpoint list, and the like. Fatal to that chain only.
type ConfigurationError struct {
	Subject string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %v", e.Subject, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DecodeError records a malformed individual log. Skipped and counted at
// the chunk boundary; never unwinds past the scanner.
type DecodeError struct {
	TxHash   string
	LogIndex uint64
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error (tx %s log %d): %v", e.TxHash, e.LogIndex, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PersistenceError is fatal to the run: continuing would risk advancing a
// checkpoint past un-persisted data.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable via endpoint fallback.
func IsTransient(err error) bool {
	var te *TransientEndpointError
	return errors.As(err, &te)
}

// IsConfiguration reports whether err is a per-chain configuration failure.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsPersistence reports whether err came from the persistence layer.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
