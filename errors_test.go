package credcore

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormat(t *testing.T) {
	err := ErrCSRFMismatch("state parameter does not match")
	assert.Equal(t, "csrf_mismatch: state parameter does not match", err.Error())
}

func TestErrorsMatchByKind(t *testing.T) {
	// Two instances with different descriptions are the same error kind.
	err := ErrRefreshFailed("provider rejected the refresh token")
	assert.ErrorIs(t, err, ErrRefreshFailed(""))
	assert.NotErrorIs(t, err, ErrTokenExpired(""))
}

func TestErrorsMatchThroughWrapping(t *testing.T) {
	inner := ErrTransient("token refresh did not complete")
	wrapped := fmt.Errorf("get valid token: %w", inner)

	assert.ErrorIs(t, wrapped, ErrTransient(""))

	var typed *Error
	require.ErrorAs(t, wrapped, &typed)
	assert.Equal(t, ErrorKindTransient, typed.Kind)
}

func TestErrorIsRejectsForeignErrors(t *testing.T) {
	assert.NotErrorIs(t, ErrConfig("bad"), errors.New("config_error"))
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err        *Error
		wantStatus int
	}{
		{ErrConfig(""), http.StatusInternalServerError},
		{ErrCSRFMismatch(""), http.StatusForbidden},
		{ErrAuthRequired(""), http.StatusUnauthorized},
		{ErrProviderDenied(""), http.StatusForbidden},
		{ErrTokenExpired(""), http.StatusUnauthorized},
		{ErrRefreshFailed(""), http.StatusUnauthorized},
		{ErrDecryptionFailed(""), http.StatusInternalServerError},
		{ErrQuotaExceeded(""), http.StatusTooManyRequests},
		{ErrRateLimited(""), http.StatusTooManyRequests},
		{ErrTransient(""), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.err.Kind, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, tt.err.Status)
		})
	}
}
