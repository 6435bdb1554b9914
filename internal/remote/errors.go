// ABOUTME: Error values returned by daemon connections and RPC calls.
// ABOUTME: Sentinels for local failures plus RemoteError for replies that carry an error.

package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionUnavailable is returned before anything is sent when there is
	// no link, or the link is not authenticated and open.
	ErrConnectionUnavailable = errors.New("connection unavailable")

	// ErrTimeout is returned when no reply arrived before the request deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrConnectionClosed is returned to in-flight requests when their link is
	// torn down and eager teardown is enabled.
	ErrConnectionClosed = errors.New("connection closed")
)

// RemoteError is a reply from the daemon that did not succeed: a non-200
// status or a data object carrying an err field.
type RemoteError struct {
	Event   string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s failed (status %d): %s", e.Event, e.Status, e.Message)
}
