package apierror

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type ErrorType string

const (
	ErrAPI            ErrorType = "api_error"
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrForbidden      ErrorType = "forbidden_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrUnavailable    ErrorType = "unavailable_error"
)

// Error is the JSON body for plain HTTP failures. Failures inside an
// established WebSocket use the relay's own error frame instead.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Type) + ": " + e.Message
}

type Envelope struct {
	Error *Error `json:"error"`
}

// StatusFromType maps an error type to its HTTP status.
func StatusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrOverloaded, ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Write renders err with the status for its type and sets Retry-After when
// the error carries one.
func Write(w http.ResponseWriter, err *Error) {
	if err == nil {
		err = &Error{Type: ErrAPI, Message: "internal error"}
	}
	if err.RetryAfter != nil && *err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(*err.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(StatusFromType(err.Type))
	_ = json.NewEncoder(w).Encode(Envelope{Error: err})
}
