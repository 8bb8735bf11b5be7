package credcore

import (
	"log/slog"
	"time"

	"github.com/krroki/Dhacle-sub006/instrumentation"
	"github.com/krroki/Dhacle-sub006/providers"
	"github.com/krroki/Dhacle-sub006/security"
	"github.com/krroki/Dhacle-sub006/storage"
)

// Default tuning values applied by Config.applyDefaults.
const (
	// DefaultStateTTL bounds how long an in-flight authorization flow
	// remains completable.
	DefaultStateTTL = 10 * time.Minute

	// DefaultRefreshMargin is how far ahead of expiry a token is treated
	// as needing refresh, absorbing clock skew and in-flight call time.
	DefaultRefreshMargin = 5 * time.Minute

	// DefaultRateLimitWindow and DefaultRateLimitPerWindow bound
	// per-client requests to the HTTP surface.
	DefaultRateLimitWindow    = time.Minute
	DefaultRateLimitPerWindow = 60
)

// Config holds the credential core configuration.
type Config struct {
	// Provider is the OAuth identity provider and metered API (required).
	Provider providers.Provider

	// Vault encrypts secrets before storage (required).
	Vault *security.Vault

	// Store is the persistence backend (required).
	Store storage.Store

	// Flow tunes the OAuth flow behavior.
	Flow FlowConfig

	// Quota configures daily metered usage tracking.
	Quota QuotaConfig

	// RateLimit configures HTTP surface rate limiting.
	RateLimit RateLimitConfig

	// Redirect configures the browser destinations after a callback.
	Redirect RedirectConfig

	// EnableAuditLogging enables security audit logging
	// (auth events, token operations, violations; identifiers hashed).
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Instrumentation carries the OpenTelemetry providers. Nil means no-op.
	Instrumentation *instrumentation.Instrumentation
}

// FlowConfig tunes the OAuth authorization and refresh flows.
type FlowConfig struct {
	// StateTTL is how long a begun authorization stays completable.
	// Default: 10 minutes.
	StateTTL time.Duration

	// RefreshMargin is the safety margin before expiry at which a token
	// is refreshed. Default: 5 minutes.
	RefreshMargin time.Duration

	// ProviderTimeout bounds each provider network call.
	// Default: providers.CallTimeout.
	ProviderTimeout time.Duration
}

// QuotaConfig configures daily quota tracking.
type QuotaConfig struct {
	// DailyLimit is the per-user daily unit ceiling. Zero selects the
	// provider default (10000 for the YouTube Data API).
	DailyLimit int64
}

// RateLimitConfig holds HTTP rate limiting configuration.
type RateLimitConfig struct {
	// Window is the fixed window length. Default: 1 minute.
	Window time.Duration

	// Limit is the requests allowed per client per window.
	// Default: 60. Negative disables limiting.
	Limit int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies between the
	// client and this service when TrustProxy is set.
	TrustedProxyCount int
}

// RedirectConfig holds the browser redirect targets used by the callback
// handler. Both receive auth= and reason= query parameters.
type RedirectConfig struct {
	// SuccessPath is where the browser lands after a completed flow.
	// Default: "/settings/integrations".
	SuccessPath string

	// ErrorPath is where the browser lands after a failed flow.
	// Default: same as SuccessPath.
	ErrorPath string
}

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.Provider == nil {
		return ErrConfig("provider is required")
	}
	if c.Vault == nil {
		return ErrConfig("vault is required")
	}
	if c.Store == nil {
		return ErrConfig("store is required")
	}
	return nil
}

// applyDefaults fills zero-valued tuning fields.
func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Flow.StateTTL <= 0 {
		c.Flow.StateTTL = DefaultStateTTL
	}
	if c.Flow.RefreshMargin <= 0 {
		c.Flow.RefreshMargin = DefaultRefreshMargin
	}
	if c.Flow.ProviderTimeout <= 0 {
		c.Flow.ProviderTimeout = providers.CallTimeout
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = DefaultRateLimitWindow
	}
	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = DefaultRateLimitPerWindow
	}
	if c.Redirect.SuccessPath == "" {
		c.Redirect.SuccessPath = "/settings/integrations"
	}
	if c.Redirect.ErrorPath == "" {
		c.Redirect.ErrorPath = c.Redirect.SuccessPath
	}
}
