// Package providers defines the interface to the external OAuth provider and
// metered API, and implements it for YouTube (Google OAuth + YouTube Data
// API).
package providers

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/oauth2"
)

// ErrTransient marks a provider call that failed for network reasons
// (timeout, connection failure) rather than an authoritative rejection.
// Callers may retry with backoff; the core never conflates it with an
// invalid credential and never auto-retries itself.
var ErrTransient = errors.New("transient provider error")

// ErrDenied marks a provider response indicating the user declined consent.
var ErrDenied = errors.New("user denied consent")

// Provider is the interface to an OAuth identity provider with an attached
// metered API. All network operations take a context and are expected to be
// called with a bounded timeout.
type Provider interface {
	// Name returns the provider name (e.g. "youtube").
	Name() string

	// AuthorizationURL builds the consent-screen URL carrying the CSRF
	// state token.
	AuthorizationURL(state string) string

	// ExchangeCode exchanges an authorization code for tokens.
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)

	// RefreshToken exchanges a refresh token for a fresh access token.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeToken revokes a token at the provider. Best-effort from the
	// caller's perspective: revocation failures are advisory.
	RevokeToken(ctx context.Context, token string) error

	// UserInfo fetches the identity behind an access token.
	UserInfo(ctx context.Context, accessToken string) (*Identity, error)

	// CheckAPIKey performs a minimal-cost metered API call with the raw
	// key. A nil error means the key is valid; an auth rejection returns
	// a non-transient error; network failures wrap ErrTransient.
	CheckAPIKey(ctx context.Context, rawKey string) (*KeyCheck, error)
}

// Identity is the provider-side identity attached to a grant. It serializes
// into status responses, so field names follow the payload's camelCase
// convention.
type Identity struct {
	// ID is the provider's unique user identifier.
	ID string `json:"id"`

	// Email is the account email, when the scope exposes it.
	Email string `json:"email,omitempty"`

	// ChannelID is the video-platform channel bound to the account.
	ChannelID string `json:"channelId,omitempty"`

	// ChannelTitle is the display name of the channel.
	ChannelTitle string `json:"channelTitle,omitempty"`
}

// KeyCheck is the result of a successful minimal-cost API key probe,
// passing through whatever usage metadata the provider exposed.
type KeyCheck struct {
	// UnitCost is the quota cost of the probe call itself.
	UnitCost int64

	// QuotaInfo is the provider's usage metadata, passed through without
	// reinterpretation.
	QuotaInfo map[string]any
}

// IsTransient reports whether err represents a network-level failure rather
// than a provider verdict. Context deadline expiry and net errors qualify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// CallTimeout is the default bound applied to provider network calls when
// the caller has not already set a deadline.
const CallTimeout = 15 * time.Second
