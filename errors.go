package credcore

import (
	"fmt"
	"net/http"
)

// Error kinds as constants
const (
	ErrorKindConfig           = "config_error"
	ErrorKindCSRFMismatch     = "csrf_mismatch"
	ErrorKindAuthRequired     = "auth_required"
	ErrorKindProviderDenied   = "provider_denied"
	ErrorKindTokenExpired     = "token_expired_no_refresh"
	ErrorKindRefreshFailed    = "refresh_failed"
	ErrorKindDecryptionFailed = "decryption_failed"
	ErrorKindQuotaExceeded    = "quota_exceeded"
	ErrorKindRateLimited      = "rate_limited"
	ErrorKindTransient        = "transient_network_error"
)

// Error is a typed credential-core error carrying a machine-readable kind,
// a human description and the HTTP status the handler maps it to.
type Error struct {
	Kind        string // machine-readable kind (e.g. "csrf_mismatch")
	Description string // human-readable description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// Is matches two credcore errors by kind, so sentinel-style comparisons with
// errors.Is work across instances carrying different descriptions.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a new typed error
func NewError(kind, description string, status int) *Error {
	return &Error{
		Kind:        kind,
		Description: description,
		Status:      status,
	}
}

// Common errors as reusable constructors
var (
	// ErrConfig indicates startup configuration is missing or malformed
	ErrConfig = func(desc string) *Error {
		return NewError(ErrorKindConfig, desc, http.StatusInternalServerError)
	}

	// ErrCSRFMismatch indicates the callback state did not match the stored flow state
	ErrCSRFMismatch = func(desc string) *Error {
		return NewError(ErrorKindCSRFMismatch, desc, http.StatusForbidden)
	}

	// ErrAuthRequired indicates no usable grant exists and the user must re-authorize
	ErrAuthRequired = func(desc string) *Error {
		return NewError(ErrorKindAuthRequired, desc, http.StatusUnauthorized)
	}

	// ErrProviderDenied indicates the provider definitively rejected the request
	ErrProviderDenied = func(desc string) *Error {
		return NewError(ErrorKindProviderDenied, desc, http.StatusForbidden)
	}

	// ErrTokenExpired indicates the access token expired and no refresh token is stored
	ErrTokenExpired = func(desc string) *Error {
		return NewError(ErrorKindTokenExpired, desc, http.StatusUnauthorized)
	}

	// ErrRefreshFailed indicates the refresh attempt failed definitively
	ErrRefreshFailed = func(desc string) *Error {
		return NewError(ErrorKindRefreshFailed, desc, http.StatusUnauthorized)
	}

	// ErrDecryptionFailed indicates a stored secret could not be decrypted
	ErrDecryptionFailed = func(desc string) *Error {
		return NewError(ErrorKindDecryptionFailed, desc, http.StatusInternalServerError)
	}

	// ErrQuotaExceeded indicates the daily metered quota is exhausted
	ErrQuotaExceeded = func(desc string) *Error {
		return NewError(ErrorKindQuotaExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrRateLimited indicates the caller exceeded a request rate window
	ErrRateLimited = func(desc string) *Error {
		return NewError(ErrorKindRateLimited, desc, http.StatusTooManyRequests)
	}

	// ErrTransient indicates a network failure that is not a verdict on the operation
	ErrTransient = func(desc string) *Error {
		return NewError(ErrorKindTransient, desc, http.StatusBadGateway)
	}
)
