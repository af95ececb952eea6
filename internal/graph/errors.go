package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies upstream failures. Callers branch on the kind, never
// on the raw error code string.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindGroupMailbox means the address belongs to a Microsoft 365 group
	// and must be read through the group endpoints.
	KindGroupMailbox
	KindNotFound
	KindUnauthorized
	KindThrottled
)

const codeGroupMailbox = "ErrorGroupIsUsedInNonGroupURI"

func (k ErrorKind) String() string {
	switch k {
	case KindGroupMailbox:
		return "group_mailbox"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// APIError is a non-success response from Graph. Body holds the upstream
// JSON payload so it can be forwarded without translation.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph error (%d) %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph error (%d)", e.StatusCode)
}

func (e *APIError) Kind() ErrorKind {
	if e.Code == codeGroupMailbox {
		return KindGroupMailbox
	}
	switch e.StatusCode {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusTooManyRequests:
		return KindThrottled
	}
	return KindUnknown
}

// KindOf returns the kind of the first *APIError in err's chain.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	return KindUnknown
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var envelope errorEnvelope
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if json.Valid(body) {
		apiErr.Body = json.RawMessage(body)
	} else {
		quoted, _ := json.Marshal(string(body))
		apiErr.Body = quoted
	}
	return apiErr
}
