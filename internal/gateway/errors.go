package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport means no response was received while the monitor reported online.
	// Such calls are surfaced, never queued.
	ErrTransport = errors.New("network error")
	// ErrUnauthorized means the server rejected the session; local state has been cleared.
	ErrUnauthorized = errors.New("unauthorized, redirecting to login")
	// ErrOffline is returned for offline calls that carry no cache intent to serve them.
	ErrOffline = errors.New("offline and no cached data for request")
)

// ServerError is a non-2xx answer from the server.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func serverError(status int, body []byte) *ServerError {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Message
	if msg == "" {
		msg = payload.Error
	}
	return &ServerError{Status: status, Message: msg}
}
