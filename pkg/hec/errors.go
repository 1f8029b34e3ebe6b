package hec

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrConfig marks an invalid client configuration.
	ErrConfig = errors.New("invalid hec configuration")

	// ErrMissingSourcetype is returned when a send has no sourcetype.
	ErrMissingSourcetype = errors.New("sourcetype is required")
)

// SinkError reports a failed delivery to the collector. StatusCode is 0 when
// the request never got a response.
type SinkError struct {
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *SinkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("HEC request failed: %v", e.Err)
	}
	return fmt.Sprintf("HEC %d: %s", e.StatusCode, e.Body)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SinkError) Unwrap() error {
	return e.Err
}
