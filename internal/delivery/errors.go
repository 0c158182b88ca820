package delivery

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by delivery operations.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, delivery.ErrIORead) {
//	    // The file vanished between the change event and the upload
//	}
var (
	// ErrTransport is returned when the request never produced an HTTP
	// response: connection refused, DNS failure, or request timeout.
	ErrTransport = errors.New("delivery transport failure")

	// ErrRejected is returned when the ingestion service answered with a
	// non-2xx status.
	ErrRejected = errors.New("delivery rejected")

	// ErrIORead is returned when the file to upload could not be read.
	ErrIORead = errors.New("cannot read file")

	// ErrRegistrationRejected is returned when the service refused to
	// register the agent.
	ErrRegistrationRejected = errors.New("registration rejected")
)

// RejectedError carries the status and body of a non-2xx response.
type RejectedError struct {
	// Op is the remote operation (upload, heartbeat).
	Op string
	// StatusCode is the HTTP status returned by the service.
	StatusCode int
	// Body is the response body, verbatim.
	Body string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %d %s - %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Is makes errors.Is(err, ErrRejected) true.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// RegistrationRejectedError is returned by Register on a non-2xx response.
type RegistrationRejectedError struct {
	StatusCode int
	// Details is the textual error body returned by the service.
	Details string
}

func (e *RegistrationRejectedError) Error() string {
	return fmt.Sprintf("registration rejected (%d): %s", e.StatusCode, e.Details)
}

// Is makes errors.Is(err, ErrRegistrationRejected) true.
func (e *RegistrationRejectedError) Is(target error) bool {
	return target == ErrRegistrationRejected
}

// IsRetryable returns true if the error is likely to succeed on a later attempt.
// The agent retries every failed upload regardless; a false result means the
// operator probably has to act (credentials, payload size) first.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransport) || errors.Is(err, ErrIORead) {
		return true
	}

	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.StatusCode >= 500 || rejected.StatusCode == http.StatusTooManyRequests
	}

	return false
}

// IsFatal returns true if the agent cannot continue after this error.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRegistrationRejected)
}
