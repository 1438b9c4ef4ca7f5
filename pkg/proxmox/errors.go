package proxmox

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrNoSession is returned when a fetch is attempted without a prior
// successful Authenticate.
var ErrNoSession = errors.New("proxmox: no authenticated session")

// ConnectionError means the server could not be reached: DNS, dial, TLS
// handshake, timeout or a broken connection.
type ConnectionError struct {
	Op  string // "login" or "fetch"
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("proxmox %s: connecting to %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError is a non-200 answer to the ticket request.
type AuthenticationError struct {
	StatusCode int
	Status     string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("proxmox login: authentication failed with status code %d", e.StatusCode)
}

// ProtocolError means the server answered but the body could not be
// understood (not JSON, or missing required fields).
type ProtocolError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("proxmox %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("proxmox %s: %s", e.Op, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RequestError is a non-200 answer to an authenticated data request.
type RequestError struct {
	Path       string
	StatusCode int
	Status     string
	Body       string
}

func (e *RequestError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("proxmox fetch %s: request failed with status code %d: %s", e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("proxmox fetch %s: request failed with status code %d", e.Path, e.StatusCode)
}

// IsConnectionError reports whether err is or wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsAuthenticationError reports whether err is or wraps an *AuthenticationError.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsRequestError reports whether err is or wraps a *RequestError.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}
