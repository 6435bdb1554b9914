// ABOUTME: Correlated request/response calls against a daemon connection.
// ABOUTME: Each call settles exactly once with the reply data, a RemoteError, or a timeout.

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Client issues RPC calls over a Connection. It holds no state of its own,
// so callers can create one per call.
type Client struct {
	conn *Connection
}

// NewClient returns a Client for conn.
func NewClient(conn *Connection) *Client {
	return &Client{conn: conn}
}

type requestOptions struct {
	timeout time.Duration
	force   bool
}

// RequestOption customises a single request.
type RequestOption func(*requestOptions)

// WithTimeout overrides the connection's request timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithForce sends even when the connection is not yet authenticated, as
// long as a link exists.
func WithForce() RequestOption {
	return func(o *requestOptions) { o.force = true }
}

// Request sends event with payload and waits for the matching reply.
//
// It fails with ErrConnectionUnavailable, without sending, when the
// connection cannot take requests. A reply with status 200 and no err field
// returns its data; any other reply returns a *RemoteError. No reply within
// the timeout returns ErrTimeout, and a reply arriving after that is ignored.
func (c *Client) Request(ctx context.Context, event string, payload any, opts ...RequestOption) (json.RawMessage, error) {
	o := requestOptions{timeout: c.conn.requestTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	l, err := c.conn.requestLink(o.force)
	if err != nil {
		return nil, err
	}
	return c.conn.roundTrip(ctx, l, event, payload, o.timeout)
}

// RequestInto is Request followed by decoding the reply data into out.
func (c *Client) RequestInto(ctx context.Context, event string, payload, out any, opts ...RequestOption) error {
	data, err := c.Request(ctx, event, payload, opts...)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func newCorrelationID() string {
	return uuid.NewString() + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func settle(event string, s settlement) (json.RawMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	errField := errorField(s.resp.Data)
	if s.resp.Status == http.StatusOK && errField == nil {
		return s.resp.Data, nil
	}
	msg := s.resp.Data
	if errField != nil {
		msg = errField
	}
	return nil, &RemoteError{Event: event, Status: s.resp.Status, Message: messageText(msg)}
}

// errorField returns the data's err member when it is set to a truthy value.
func errorField(data json.RawMessage) json.RawMessage {
	var obj struct {
		Err json.RawMessage `json:"err"`
	}
	if len(data) == 0 || data[0] != '{' || json.Unmarshal(data, &obj) != nil {
		return nil
	}
	switch string(bytes.TrimSpace(obj.Err)) {
	case "", "null", "false", `""`, "0":
		return nil
	}
	return obj.Err
}

// messageText renders a JSON string as its contents and anything else as raw JSON.
func messageText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	if len(raw) == 0 {
		return "no error message"
	}
	return string(raw)
}

func isTrue(data json.RawMessage) bool {
	var b bool
	return json.Unmarshal(data, &b) == nil && b
}
