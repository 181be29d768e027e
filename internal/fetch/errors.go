package fetch

import (
	"errors"
	"fmt"
)

// ErrTimeout the request ran past its timeout.
var ErrTimeout = errors.New("request timed out")

// ErrStatus a response other than 200.
var ErrStatus = errors.New("unexpected status")

// StatusError a response error with its status code.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.URL)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
