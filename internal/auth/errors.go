package auth

import (
	"errors"
	"fmt"
)

// FormatError reports malformed local input, such as an authorization code
// without its state fragment or an API key with the wrong prefix. It is
// always raised before any network call is made.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

// CSRFError reports that the state returned with an authorization code does
// not match the verifier that initiated the flow. The attempt must be
// abandoned; the code is never sent to the token endpoint.
type CSRFError struct{}

func (e *CSRFError) Error() string {
	return "state mismatch - possible CSRF attack"
}

// ProtocolError reports a non-2xx response or an unparseable body from an
// OAuth endpoint. Op identifies the operation that failed.
type ProtocolError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed (%d): %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Body)
}

// PersistenceError reports a credential store read or write failure. It is
// surfaced to the caller for display, never swallowed into an empty store.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s auth file %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Terminal device-flow conditions (RFC 8628 section 3.5).
var (
	// ErrDeviceCodeExpired indicates the device code's lifetime ran out
	// before the user completed authorization.
	ErrDeviceCodeExpired = errors.New("device code expired")

	// ErrAccessDenied indicates the user rejected the authorization request.
	ErrAccessDenied = errors.New("authorization denied by user")
)

// IsFormatError reports whether err is a FormatError.
func IsFormatError(err error) bool {
	var formatError *FormatError
	return errors.As(err, &formatError)
}

// IsCSRFError reports whether err is a CSRFError.
func IsCSRFError(err error) bool {
	var csrfError *CSRFError
	return errors.As(err, &csrfError)
}

// IsPersistenceError reports whether err is a PersistenceError.
func IsPersistenceError(err error) bool {
	var persistenceError *PersistenceError
	return errors.As(err, &persistenceError)
}
