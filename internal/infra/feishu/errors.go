package feishu

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes for failed Feishu API calls
const (
	ClassAuthFailed       = "auth_failed"
	ClassPermissionDenied = "permission_denied"
	ClassRateLimited      = "rate_limited"
	ClassInvalidRequest   = "invalid_request"
	ClassServerTransient  = "server_transient"
	ClassUnknown          = "unknown"
)

// APIError is a classified failure from the Feishu Open Platform
type APIError struct {
	API       string
	Code      int
	Class     string
	Msg       string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: code=%d class=%s retryable=%t msg=%s", e.API, e.Code, e.Class, e.Retryable, e.Msg)
}

// AsAPIError unwraps err into an APIError if possible
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// classify maps a Feishu error code and message onto an error class
func classify(code int, msg string) string {
	switch code {
	case 429, 99991663, 90013:
		return ClassRateLimited
	case 401:
		return ClassAuthFailed
	case 403:
		return ClassPermissionDenied
	}

	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "token") || strings.Contains(m, "unauthorized"):
		return ClassAuthFailed
	case strings.Contains(m, "permission") || strings.Contains(m, "forbidden"):
		return ClassPermissionDenied
	case strings.Contains(m, "rate") || strings.Contains(m, "frequency"):
		return ClassRateLimited
	case code >= 500 && code < 600:
		return ClassServerTransient
	case code >= 400 && code < 500:
		return ClassInvalidRequest
	case strings.Contains(m, "invalid") || strings.Contains(m, "param"):
		return ClassInvalidRequest
	default:
		return ClassUnknown
	}
}

// newAPIError builds the classified error for a non-zero response code
func newAPIError(api string, code int, msg string) *APIError {
	class := classify(code, msg)
	return &APIError{
		API:       api,
		Code:      code,
		Class:     class,
		Msg:       msg,
		Retryable: class == ClassRateLimited || class == ClassServerTransient,
	}
}

// newTransportError wraps a network-level failure; always retryable
func newTransportError(api string, err error) *APIError {
	return &APIError{
		API:       api,
		Code:      -1,
		Class:     ClassServerTransient,
		Msg:       err.Error(),
		Retryable: true,
	}
}
