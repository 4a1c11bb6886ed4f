package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotAuthenticated is returned when an operation needs a signed in
	// user and there is none.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidCredentials is returned by the server for a wrong email or
	// password.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrEmailTaken is returned on sign up with an email already in use.
	ErrEmailTaken = errors.New("email already registered")
)

// RemoteError wraps a failed remote operation. Retryable is set for
// transport failures, 5xx and 429 responses.
type RemoteError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s: %d %s: %v", e.Op, e.StatusCode, http.StatusText(e.StatusCode), e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsRetryable returns true if err is a RemoteError that may succeed when
// tried again.
func IsRetryable(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// retryableStatus reports whether a response status is worth retrying.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// statusError maps a non-2xx response to a RemoteError, restoring the
// sentinels the server reports.
func statusError(op string, code int, msg string) *RemoteError {
	var err error
	switch {
	case code == http.StatusUnauthorized && msg == ErrInvalidCredentials.Error():
		err = ErrInvalidCredentials
	case code == http.StatusUnauthorized:
		err = fmt.Errorf("%w: %s", ErrNotAuthenticated, msg)
	case code == http.StatusConflict && msg == ErrEmailTaken.Error():
		err = ErrEmailTaken
	case msg == "":
		err = errors.New(http.StatusText(code))
	default:
		err = errors.New(msg)
	}
	return &RemoteError{Op: op, StatusCode: code, Retryable: retryableStatus(code), Err: err}
}
