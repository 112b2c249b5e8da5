package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnexpectedResponse is returned when the remote service answers with a
	// body whose shape is not what the operation requires.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrReplayOrForgery is returned when a client id or client state does not
	// match the stored value. Callers must abort the operation.
	ErrReplayOrForgery = errors.New("client id or state mismatch")
)

// Error is a transport level failure: DNS, connect, TLS, timeout or an
// unreadable body. It is surfaced to end users as "service unavailable".
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FaultError is a structured fault returned by the remote service,
// e.g. {"fault":{"type":"access-denied"}} or {"error":"invalid-token"}.
type FaultError struct {
	Type       string
	StatusCode int
}

func (e *FaultError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote fault %q (status %d)", e.Type, e.StatusCode)
	}
	return fmt.Sprintf("remote fault %q", e.Type)
}

// StatusError describes a non-2xx response without a recognizable fault body.
// It matches ErrUnexpectedResponse with errors.Is.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status %d %s", e.StatusCode, e.Status)
}

func (e *StatusError) Is(target error) bool { return target == ErrUnexpectedResponse }

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// AsFault extracts a FaultError from err.
func AsFault(err error) (*FaultError, bool) {
	var fe *FaultError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

type faultBody struct {
	Fault *struct {
		Type string `json:"type"`
	} `json:"fault"`
	Error json.RawMessage `json:"error"`
}

// FaultFromPayload returns the fault carried by a JSON payload, if any. Both
// the webauthz shape ({"fault":{"type":...}}) and the realm service shape
// ({"error":"..."}) are recognized.
func FaultFromPayload(payload json.RawMessage, status int) *FaultError {
	if len(payload) == 0 {
		return nil
	}
	var fb faultBody
	if err := json.Unmarshal(payload, &fb); err != nil {
		return nil
	}
	if fb.Fault != nil {
		t := fb.Fault.Type
		if t == "" {
			t = "unknown"
		}
		return &FaultError{Type: t, StatusCode: status}
	}
	if !emptyError(fb.Error) {
		var s string
		if err := json.Unmarshal(fb.Error, &s); err != nil {
			s = "unknown"
		}
		return &FaultError{Type: s, StatusCode: status}
	}
	return nil
}

// emptyError reports whether an "error" member is absent or one of the empty
// values the realm service sends on success.
func emptyError(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", `""`, "false", "0", `"0"`:
		return true
	}
	return false
}

// ClassifyStatus converts a non-2xx response into a FaultError when the body
// carries one, or a StatusError otherwise. It returns nil for 2xx responses.
func ClassifyStatus(resp *Response) error {
	if resp.OK() {
		return nil
	}
	if fe := FaultFromPayload(resp.Payload, resp.StatusCode); fe != nil {
		return fe
	}
	return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
}
