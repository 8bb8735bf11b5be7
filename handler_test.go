package credcore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krroki/Dhacle-sub006/apikeys"
	"github.com/krroki/Dhacle-sub006/providers"
	"github.com/krroki/Dhacle-sub006/quota"
	"github.com/krroki/Dhacle-sub006/security"
)

type handlerFixture struct {
	*managerFixture
	handler *Handler
}

func headerSessions() SessionResolver {
	return SessionResolverFunc(func(r *http.Request) (string, bool) {
		userID := r.Header.Get("X-Test-User")
		return userID, userID != ""
	})
}

func newHandlerFixture(t *testing.T, cfg Config) *handlerFixture {
	t.Helper()

	mf := newManagerFixture(t)
	cfg.Provider = mf.provider
	cfg.Vault = mf.vault
	cfg.Store = mf.store

	validator := apikeys.NewValidator(mf.provider, mf.vault, mf.store, nil, nil)
	tracker := quota.New(mf.store, cfg.Quota.DailyLimit, nil)

	handler, err := NewHandler(cfg, mf.manager, validator, tracker, headerSessions())
	require.NoError(t, err)
	t.Cleanup(handler.Close)

	return &handlerFixture{managerFixture: mf, handler: handler}
}

func (f *handlerFixture) request(t *testing.T, method, target, userID string, body string) *httptest.ResponseRecorder {
	t.Helper()

	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if userID != "" {
		r.Header.Set("X-Test-User", userID)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	return rec
}

// connect walks a user through the full OAuth flow via the HTTP surface.
func (f *handlerFixture) connect(t *testing.T, userID string) {
	t.Helper()

	rec := f.request(t, "GET", "/auth/begin", userID, "")
	require.Equal(t, http.StatusFound, rec.Code)

	consent, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := consent.Query().Get("state")
	require.NotEmpty(t, state)

	rec = f.request(t, "GET", "/auth/callback?state="+url.QueryEscape(state)+"&code=auth-code", userID, "")
	require.Equal(t, http.StatusFound, rec.Code)
	require.Contains(t, rec.Header().Get("Location"), "auth=success")
}

func redirectQuery(t *testing.T, rec *httptest.ResponseRecorder) url.Values {
	t.Helper()
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Query()
}

func TestHandlerRequiresSessionResolver(t *testing.T) {
	mf := newManagerFixture(t)
	_, err := NewHandler(Config{}, mf.manager, nil, nil, nil)
	require.Error(t, err)
}

func TestBeginRedirectsToConsent(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	rec := f.request(t, "GET", "/auth/begin", "user-1", "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "https://mock.example.com/authorize?state=")
}

func TestBeginWithoutSession(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	rec := f.request(t, "GET", "/auth/begin", "", "")
	require.Equal(t, http.StatusFound, rec.Code)

	q := redirectQuery(t, rec)
	assert.Equal(t, "error", q.Get("auth"))
	assert.Equal(t, ReasonAuthRequired, q.Get("reason"))
}

func TestCallbackSuccess(t *testing.T) {
	f := newHandlerFixture(t, Config{
		Redirect: RedirectConfig{SuccessPath: "/dashboard/integrations"},
	})

	rec := f.request(t, "GET", "/auth/begin", "user-1", "")
	consent, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := consent.Query().Get("state")

	rec = f.request(t, "GET", "/auth/callback?state="+url.QueryEscape(state)+"&code=auth-code", "user-1", "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/dashboard/integrations?"))
	assert.Equal(t, "success", redirectQuery(t, rec).Get("auth"))
}

func TestCallbackForgedState(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	f.request(t, "GET", "/auth/begin", "user-1", "")
	rec := f.request(t, "GET", "/auth/callback?state=forged&code=auth-code", "user-1", "")

	q := redirectQuery(t, rec)
	assert.Equal(t, "error", q.Get("auth"))
	assert.Equal(t, ReasonSecurityError, q.Get("reason"))
}

func TestCallbackUserDenied(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	f.request(t, "GET", "/auth/begin", "user-1", "")
	rec := f.request(t, "GET", "/auth/callback?error=access_denied", "user-1", "")

	q := redirectQuery(t, rec)
	assert.Equal(t, "error", q.Get("auth"))
	assert.Equal(t, ReasonOAuthDenied, q.Get("reason"))

	// The denial consumed the flow state: a later forged callback cannot
	// ride on it.
	rec = f.request(t, "GET", "/auth/callback?state=whatever&code=auth-code", "user-1", "")
	assert.Equal(t, ReasonSecurityError, redirectQuery(t, rec).Get("reason"))
}

func TestCallbackProviderError(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	rec := f.request(t, "GET", "/auth/callback?error=server_error", "user-1", "")
	assert.Equal(t, ReasonOAuthFailed, redirectQuery(t, rec).Get("reason"))
}

func TestCallbackMissingParameters(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	rec := f.request(t, "GET", "/auth/callback", "user-1", "")
	assert.Equal(t, ReasonSecurityError, redirectQuery(t, rec).Get("reason"))
}

func TestStatusEndpoint(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	rec := f.request(t, "GET", "/auth/status", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var before struct {
		Auth AuthStatus `json:"auth"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &before))
	assert.False(t, before.Auth.Connected)

	f.connect(t, "user-1")

	rec = f.request(t, "GET", "/auth/status", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var after struct {
		Auth  AuthStatus    `json:"auth"`
		Quota *quota.Status `json:"quota"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))
	assert.True(t, after.Auth.Connected)
	assert.False(t, after.Auth.NeedsRefresh)
	require.NotNil(t, after.Auth.Identity)
	assert.Equal(t, "UCmockchannel", after.Auth.Identity.ChannelID)
	require.NotNil(t, after.Quota)
	assert.Equal(t, quota.DefaultDailyLimit, after.Quota.Limit)

	// The payload keeps its camelCase convention throughout.
	assert.Contains(t, rec.Body.String(), `"needsRefresh"`)
	assert.Contains(t, rec.Body.String(), `"channelId"`)
	assert.NotContains(t, rec.Body.String(), `"ChannelID"`)

	// Token material never leaves the service.
	assert.NotContains(t, rec.Body.String(), "mock-access-token")
	assert.NotContains(t, rec.Body.String(), "mock-refresh-token")
}

func TestStatusWithoutSession(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	rec := f.request(t, "GET", "/auth/status", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrorKindAuthRequired, body["error"])
}

func TestLogout(t *testing.T) {
	f := newHandlerFixture(t, Config{})
	f.connect(t, "user-1")

	rec := f.request(t, "POST", "/auth/logout", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["revoked"])

	rec = f.request(t, "GET", "/auth/status", "user-1", "")
	var status struct {
		Auth AuthStatus `json:"auth"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Auth.Connected)
}

func TestValidateKeyEndpoint(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	rec := f.request(t, "POST", "/keys/validate", "user-1", `{"apiKey":"AIzaSyB-1234567890abcdefgh"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result apikeys.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.IsValid)
	assert.Equal(t, "AIzaSyB-…efgh", result.MaskedKey)

	// The raw key must not appear in the response.
	assert.NotContains(t, rec.Body.String(), "AIzaSyB-1234567890abcdefgh")

	// The probe cost was charged against the user's quota.
	rec = f.request(t, "GET", "/auth/status", "user-1", "")
	var status struct {
		Quota *quota.Status `json:"quota"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.Quota)
	assert.Equal(t, int64(1), status.Quota.Used)
}

func TestValidateKeyChargesProviderReportedCost(t *testing.T) {
	f := newHandlerFixture(t, Config{})
	f.provider.CheckAPIKeyFunc = func(ctx context.Context, rawKey string) (*providers.KeyCheck, error) {
		return &providers.KeyCheck{UnitCost: 3}, nil
	}

	rec := f.request(t, "POST", "/keys/validate", "user-1", `{"apiKey":"AIzaSyB-1234567890abcdefgh"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result apikeys.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result.IsValid)
	assert.Equal(t, int64(3), result.UnitCost)

	rec = f.request(t, "GET", "/auth/status", "user-1", "")
	var status struct {
		Quota *quota.Status `json:"quota"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.Quota)
	assert.Equal(t, int64(3), status.Quota.Used)
}

func TestValidateKeyInvalid(t *testing.T) {
	f := newHandlerFixture(t, Config{})
	f.provider.CheckAPIKeyFunc = func(ctx context.Context, rawKey string) (*providers.KeyCheck, error) {
		return nil, fmt.Errorf("provider rejected key: keyInvalid")
	}

	rec := f.request(t, "POST", "/keys/validate", "user-1", `{"apiKey":"bad-key-000000"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result apikeys.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.IsValid)
	assert.Equal(t, apikeys.ErrorCodeInvalidKey, result.ErrorCode)
}

func TestValidateKeyBadBody(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	rec := f.request(t, "POST", "/keys/validate", "user-1", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitExceeded(t *testing.T) {
	f := newHandlerFixture(t, Config{
		RateLimit: RateLimitConfig{Window: time.Minute, Limit: 2},
	})

	f.request(t, "GET", "/auth/status", "user-1", "")
	f.request(t, "GET", "/auth/status", "user-1", "")
	rec := f.request(t, "GET", "/auth/status", "user-1", "")

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	resetAt, err := time.Parse(time.RFC3339, rec.Header().Get("X-RateLimit-Reset"))
	require.NoError(t, err)
	assert.True(t, resetAt.After(time.Now()))

	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrorKindRateLimited, body.Error)
	assert.Greater(t, body.RetryAfter, 0)
}

func TestRateLimitDisabled(t *testing.T) {
	f := newHandlerFixture(t, Config{
		RateLimit: RateLimitConfig{Limit: -1},
	})

	for i := 0; i < 50; i++ {
		rec := f.request(t, "GET", "/auth/status", "user-1", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	rec := f.request(t, "GET", "/auth/status", "user-1", "")
	assert.NotEmpty(t, rec.Header().Get(security.RequestIDHeader))

	r := httptest.NewRequest("GET", "/auth/status", nil)
	r.Header.Set("X-Test-User", "user-1")
	r.Header.Set(security.RequestIDHeader, "upstream-request-7")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	assert.Equal(t, "upstream-request-7", rec.Header().Get(security.RequestIDHeader))
}
