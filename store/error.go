package store

import (
	"github.com/pkg/errors"
)

// Error codes reported by stores. They follow the PostgreSQL SQLSTATE codes.
const (
	CodeUniqueViolation = "23505"
	CodeUndefinedTable  = "42P01"
)

// Error is a failure reported by the store itself.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// HasCode returns true if err is or wraps an *Error with the given code.
func HasCode(err error, code string) bool {
	var storeErr *Error
	return errors.As(err, &storeErr) && storeErr.Code == code
}

func IsUniqueViolation(err error) bool {
	return HasCode(err, CodeUniqueViolation)
}

func IsUndefinedTable(err error) bool {
	return HasCode(err, CodeUndefinedTable)
}
