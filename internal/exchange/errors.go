package exchange

import (
	"encoding/json"
	"fmt"
)

// CallError wraps a failed exchange request. StatusCode is the HTTP status
// (0 for transport failures), Code the venue's numeric error code when the
// body could be parsed.
type CallError struct {
	Endpoint   string
	StatusCode int
	Code       int
	Msg        string
	Err        error
}

func (e *CallError) Error() string {
	if e.Code != 0 || e.Msg != "" {
		return fmt.Sprintf("exchange call %s: status %d code %d: %s", e.Endpoint, e.StatusCode, e.Code, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("exchange call %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("exchange call %s: status %d", e.Endpoint, e.StatusCode)
}

func (e *CallError) Unwrap() error { return e.Err }

// IsTransport reports whether the failure happened before an HTTP status was
// received. The outcome of the request is unknown in that case.
func (e *CallError) IsTransport() bool { return e.StatusCode == 0 }

type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func newAPIError(endpoint string, statusCode int, body []byte) *CallError {
	e := &CallError{Endpoint: endpoint, StatusCode: statusCode}
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		e.Code = parsed.Code
		e.Msg = parsed.Msg
	} else {
		e.Msg = string(body)
	}
	return e
}

func newTransportError(endpoint string, err error) *CallError {
	return &CallError{Endpoint: endpoint, Err: err}
}
