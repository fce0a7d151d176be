package matrix

import (
	"errors"
	"fmt"
)

// Common homeserver error codes the bridge reacts to
const (
	CodeUserInUse     = "M_USER_IN_USE"
	CodeForbidden     = "M_FORBIDDEN"
	CodeNotFound      = "M_NOT_FOUND"
	CodeLimitExceeded = "M_LIMIT_EXCEEDED"
	CodeUnknownToken  = "M_UNKNOWN_TOKEN"
)

// Error is a failed homeserver request
type Error struct {
	StatusCode int
	Code       string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("matrix: status=%d errcode=%s: %s", e.StatusCode, e.Code, e.Message)
}

// IsCode reports whether err is a homeserver error with the given errcode
func IsCode(err error, code string) bool {
	var mxErr *Error
	return errors.As(err, &mxErr) && mxErr.Code == code
}
