package session

import (
	"errors"
	"fmt"

	"github.com/killallgit/chatstream/pkg/stream"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoTransport  = errors.New("session has no transport")
	ErrNoStore      = errors.New("session has no conversation store")
	ErrBusy         = errors.New("an exchange is in flight")
	// ErrClientAction is returned for suggested actions the caller must
	// handle locally instead of sending them to the server.
	ErrClientAction = errors.New("action is handled by the client")
)

// GenericFailure is shown for failures whose details are only logged.
const GenericFailure = "Something went wrong. Please try again."

// ServerError is an error event sent by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// malformedMessage is the user-facing text for a corrupt stream tail.
func malformedMessage(err error) string {
	var decErr *stream.DecodeError
	if errors.As(err, &decErr) {
		return fmt.Sprintf("The server sent a malformed response: %q", stream.Quote(decErr.Body))
	}
	return "The server sent a malformed response."
}
