package couch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error describes a failed request against the remote server.
// StatusCode is 0 when no HTTP response was received.
type Error struct {
	Op         string
	StatusCode int
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("couch: %s failed (status %d): %s", e.Op, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("couch: %s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsConnectivity reports whether err means the server could not be
// reached in a usable way (transport failure, no status, or 404) rather
// than a genuine fault.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	code := StatusCode(err)
	return code == 0 || code == http.StatusNotFound
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func newError(op string, statusCode int, body []byte) *Error {
	e := &Error{Op: op, StatusCode: statusCode}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		e.Reason = eb.Error
		if eb.Reason != "" {
			e.Reason += ": " + eb.Reason
		}
	}
	e.Err = fmt.Errorf("HTTP %d: %s", statusCode, truncate(body, 200))
	return e
}

func truncate(body []byte, n int) string {
	if len(body) > n {
		return string(body[:n]) + "..."
	}
	return string(body)
}
