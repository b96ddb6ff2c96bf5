package unifi

import (
	"errors"
	"fmt"
)

// Failure kinds. Match with errors.Is.
var (
	// ErrInvalidCredentials means the username or password was empty.
	// No request is made.
	ErrInvalidCredentials = errors.New("username and password must not be empty")

	// ErrAuthenticationRejected means the controller answered the login
	// request but did not hand out a token.
	ErrAuthenticationRejected = errors.New("controller rejected authentication")

	// ErrNoSession means there is no session to validate.
	ErrNoSession = errors.New("no session")

	// ErrSessionExpired means the session is older than SessionTTL.
	ErrSessionExpired = errors.New("session expired")

	// ErrMalformedResponse means a response body did not have the
	// expected shape.
	ErrMalformedResponse = errors.New("malformed controller response")

	// ErrRemote means the controller answered with an explicit error
	// object.
	ErrRemote = errors.New("controller returned an error")

	// ErrTransport covers connection, TLS, timeout and non-2xx HTTP
	// failures. Only these are retried.
	ErrTransport = errors.New("controller unreachable")

	// ErrAuthenticationFailed is returned by Flows when it could not
	// obtain a session. The underlying cause is wrapped alongside it.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// TransportError describes a failed round trip. Either Err is set (the
// request never produced a response) or StatusCode is a non-2xx status.
type TransportError struct {
	Op         string // e.g. "POST /api/auth"
	StatusCode int
	Body       string // truncated response body, if any
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Unwrap exposes both the sentinel and the underlying network error.
func (e *TransportError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTransport, e.Err}
	}
	return []error{ErrTransport}
}

// RemoteError carries the error object the controller sent back.
type RemoteError struct {
	Op   string
	Body string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: controller error: %s", e.Op, e.Body)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }
