package pbui

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrNotConnected                = errors.New("pbui: websocket not connected, call Connect first")
	ErrHandshakeFailed             = errors.New("pbui: handshake failed")
	ErrHandshakeTimeout            = errors.New("pbui: handshake timeout")
	ErrDisconnectedDuringHandshake = errors.New("pbui: disconnected during handshake")
	ErrEmptyURL                    = errors.New("pbui: url must not be empty")
	ErrUnsupportedTransport        = errors.New("pbui: unsupported transport")
	ErrTransportClosed             = errors.New("pbui: transport closed")
	ErrRemoteRejected              = errors.New("pbui: server did not acknowledge the request")
	ErrTournamentNotFound          = errors.New("pbui: tournament not found")
)

// ConnectionError reports a failed connect attempt.
type ConnectionError struct {
	Op  string // "dial", "handshake"
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("pbui: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ValidationError is returned before any network call when arguments are malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pbui: invalid %s: %s", e.Field, e.Reason)
}

// HTTPError is returned for non-2xx responses from the REST API.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("pbui: %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("pbui: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
