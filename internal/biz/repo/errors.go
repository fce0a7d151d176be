package repo

import "errors"

// Store error taxonomy. Implementations map driver failures onto these
// so callers can branch without knowing the backend.
var (
	ErrNotFound    = errors.New("record not found")
	ErrDuplicate   = errors.New("record already exists")
	ErrInvalidData = errors.New("invalid data")
	ErrQuery       = errors.New("query failed")
	ErrPool        = errors.New("connection pool failure")
)

// IsNotFound reports whether err is a missing-record failure
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate reports whether err is a uniqueness violation
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
