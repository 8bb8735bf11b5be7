// Package credcore is the third-party credential and quota management core:
// OAuth grant lifecycle, encrypted credential storage, API key validation,
// daily quota tracking, and the HTTP surface tying them together.
package credcore

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/krroki/Dhacle-sub006/instrumentation"
	"github.com/krroki/Dhacle-sub006/internal/util"
	"github.com/krroki/Dhacle-sub006/providers"
	"github.com/krroki/Dhacle-sub006/security"
	"github.com/krroki/Dhacle-sub006/storage"
)

// stateLogLength caps how much of a CSRF state value may appear in logs.
const stateLogLength = 8

// AuthStatus is the connection picture for one user, safe to serialize to the
// browser: it never contains token material.
type AuthStatus struct {
	Connected bool                `json:"connected"`
	Identity  *providers.Identity `json:"identity,omitempty"`
	ExpiresAt time.Time           `json:"expiresAt,omitzero"`

	// NeedsRefresh reports that the access token is inside the refresh
	// margin, so the next metered call will trigger a refresh.
	NeedsRefresh bool   `json:"needsRefresh"`
	Scope        string `json:"scope,omitempty"`
}

// Manager owns the OAuth grant lifecycle: starting authorization flows,
// completing callbacks with one-time CSRF state, serving valid access tokens
// with single-flight refresh, and revocation.
type Manager struct {
	provider providers.Provider
	vault    *security.Vault
	store    storage.Store
	logger   *slog.Logger
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics
	inst     *instrumentation.Instrumentation

	stateTTL        time.Duration
	refreshMargin   time.Duration
	providerTimeout time.Duration

	refreshGroup singleflight.Group
	now          func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClock injects a clock for deterministic expiry tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager from the config.
func NewManager(cfg Config, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	m := &Manager{
		provider:        cfg.Provider,
		vault:           cfg.Vault,
		store:           cfg.Store,
		logger:          cfg.Logger,
		auditor:         security.NewAuditor(cfg.Logger, cfg.EnableAuditLogging),
		metrics:         cfg.Instrumentation.Metrics(),
		inst:            cfg.Instrumentation,
		stateTTL:        cfg.Flow.StateTTL,
		refreshMargin:   cfg.Flow.RefreshMargin,
		providerTimeout: cfg.Flow.ProviderTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Auditor exposes the security auditor for sibling components (key
// validation, rate limiting) so all security events land in one stream.
func (m *Manager) Auditor() *security.Auditor {
	return m.auditor
}

// BeginAuthorization starts an OAuth flow for the user: generates a fresh
// CSRF state token, persists it with a TTL (replacing any in-flight flow for
// the same user), and returns the provider consent URL to redirect to.
func (m *Manager) BeginAuthorization(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrAuthRequired("no authenticated user")
	}

	state := oauth2.GenerateVerifier()
	now := m.now()
	err := m.store.SaveFlowState(ctx, &storage.FlowState{
		UserID:    userID,
		State:     state,
		CreatedAt: now,
		ExpiresAt: now.Add(m.stateTTL),
	})
	if err != nil {
		return "", fmt.Errorf("save flow state: %w", err)
	}

	m.metrics.RecordAuthorizationStarted(ctx)
	m.logger.Info("authorization flow started", "provider", m.provider.Name())
	m.logger.Debug("flow state saved",
		"state_prefix", util.SafeTruncate(state, stateLogLength),
		"expires_at", now.Add(m.stateTTL))
	return m.provider.AuthorizationURL(state), nil
}

// CompleteCallback finishes an OAuth flow: consumes the one-time stored flow
// state, compares it against the returned state in constant time, exchanges
// the code for tokens, and persists the grant with both tokens encrypted.
// Returns the provider identity bound to the grant.
//
// A missing, expired, or mismatched state is a CSRF failure; nothing is
// persisted and the stored flow state is gone either way (one-time use).
func (m *Manager) CompleteCallback(ctx context.Context, userID, state, code, clientIP string) (*providers.Identity, error) {
	stored, err := m.store.ConsumeFlowState(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		m.auditor.LogStateMismatch(userID, clientIP)
		m.metrics.RecordCallbackProcessed(ctx, false)
		return nil, ErrCSRFMismatch("no authorization flow in progress")
	}
	if err != nil {
		return nil, fmt.Errorf("consume flow state: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(stored.State), []byte(state)) != 1 {
		m.auditor.LogStateMismatch(userID, clientIP)
		m.metrics.RecordCallbackProcessed(ctx, false)
		return nil, ErrCSRFMismatch("state parameter does not match")
	}

	callCtx, cancel := context.WithTimeout(ctx, m.providerTimeout)
	defer cancel()

	callCtx, span := m.inst.StartSpan(callCtx, "manager", "provider.exchange_code")
	start := m.now()
	token, err := m.provider.ExchangeCode(callCtx, code)
	instrumentation.EndSpan(span, err)
	m.metrics.RecordProviderCall(ctx, "exchange_code", float64(m.now().Sub(start).Milliseconds()), err)
	if err != nil {
		m.metrics.RecordCallbackProcessed(ctx, false)
		if errors.Is(err, providers.ErrDenied) {
			return nil, ErrProviderDenied("user declined consent")
		}
		if providers.IsTransient(err) {
			return nil, fmt.Errorf("%w: %w", ErrTransient("code exchange did not complete"), err)
		}
		m.auditor.LogAuthFailure(userID, clientIP, "code exchange rejected")
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	identity := m.fetchIdentity(ctx, token.AccessToken)

	if err := m.saveGrant(ctx, userID, token, identity); err != nil {
		m.metrics.RecordCallbackProcessed(ctx, false)
		return nil, err
	}

	m.metrics.RecordCallbackProcessed(ctx, true)
	m.logger.Info("authorization completed",
		"provider", m.provider.Name(),
		"expires_at", token.Expiry)
	return identity, nil
}

// CancelAuthorization discards any in-flight flow state for the user. Used
// when the provider redirects back with an error instead of a code.
func (m *Manager) CancelAuthorization(ctx context.Context, userID string) {
	if _, err := m.store.ConsumeFlowState(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to discard flow state", "error", err)
	}
}

// fetchIdentity resolves the identity behind a fresh access token. Best
// effort: a grant without identity metadata is still a usable grant.
func (m *Manager) fetchIdentity(ctx context.Context, accessToken string) *providers.Identity {
	callCtx, cancel := context.WithTimeout(ctx, m.providerTimeout)
	defer cancel()

	callCtx, span := m.inst.StartSpan(callCtx, "manager", "provider.user_info")
	start := m.now()
	identity, err := m.provider.UserInfo(callCtx, accessToken)
	instrumentation.EndSpan(span, err)
	m.metrics.RecordProviderCall(ctx, "user_info", float64(m.now().Sub(start).Milliseconds()), err)
	if err != nil {
		m.logger.Warn("failed to fetch provider identity", "error", err)
		return nil
	}
	return identity
}

// saveGrant encrypts both tokens and persists the grant for the user.
func (m *Manager) saveGrant(ctx context.Context, userID string, token *oauth2.Token, identity *providers.Identity) error {
	encAccess, err := m.vault.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	var encRefresh string
	if token.RefreshToken != "" {
		encRefresh, err = m.vault.Encrypt(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	var identityJSON string
	if identity != nil {
		raw, err := json.Marshal(identity)
		if err != nil {
			return fmt.Errorf("marshal identity: %w", err)
		}
		identityJSON = string(raw)
	}

	err = m.store.SaveGrant(ctx, &storage.Grant{
		UserID:                userID,
		Provider:              m.provider.Name(),
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ExpiresAt:             token.Expiry,
		Scope:                 scopeOf(token),
		Identity:              identityJSON,
	})
	if err != nil {
		return fmt.Errorf("save grant: %w", err)
	}
	return nil
}

// scopeOf extracts the granted scope string the token endpoint reported.
func scopeOf(token *oauth2.Token) string {
	if s, ok := token.Extra("scope").(string); ok {
		return s
	}
	return ""
}

// GetValidAccessToken returns a decrypted access token guaranteed to be valid
// for at least the refresh margin. A token inside the margin triggers a
// refresh; concurrent callers for the same user coalesce onto a single
// provider call and all receive its result.
//
// Error kinds the caller can act on: auth_required (no grant), token_expired
// (expired with no refresh token), refresh_failed (provider rejected the
// refresh; the stored refresh token is cleared), transient_network_error
// (refresh did not complete; stored state untouched, safe to retry).
func (m *Manager) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrAuthRequired("no authenticated user")
	}

	grant, err := m.store.GetGrant(ctx, userID, m.provider.Name())
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrAuthRequired("no grant stored")
	}
	if err != nil {
		return "", fmt.Errorf("get grant: %w", err)
	}
	if grant.Revoked() {
		return "", ErrAuthRequired("grant was revoked")
	}

	if !m.expiringSoon(grant.ExpiresAt) {
		token, err := m.vault.Decrypt(grant.EncryptedAccessToken)
		if err != nil {
			return "", m.handleUndecryptable(ctx, userID, err)
		}
		return token, nil
	}

	result, err, shared := m.refreshGroup.Do(userID, func() (any, error) {
		return m.refresh(ctx, userID)
	})
	if err != nil {
		return "", err
	}

	token := result.(string)
	if shared {
		m.logger.Debug("refresh result shared across concurrent callers")
	}
	return token, nil
}

// expiringSoon reports whether the expiry falls inside the refresh margin.
func (m *Manager) expiringSoon(expiresAt time.Time) bool {
	return security.IsTokenExpiringSoon(m.now(), expiresAt, m.refreshMargin)
}

// refresh performs one refresh for the user under the singleflight group.
// It re-reads the grant first: a caller that queued behind a completed
// refresh finds a fresh token and returns it without another provider call.
func (m *Manager) refresh(ctx context.Context, userID string) (string, error) {
	grant, err := m.store.GetGrant(ctx, userID, m.provider.Name())
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrAuthRequired("no grant stored")
	}
	if err != nil {
		return "", fmt.Errorf("get grant: %w", err)
	}
	if grant.Revoked() {
		return "", ErrAuthRequired("grant was revoked")
	}

	if !m.expiringSoon(grant.ExpiresAt) {
		token, err := m.vault.Decrypt(grant.EncryptedAccessToken)
		if err != nil {
			return "", m.handleUndecryptable(ctx, userID, err)
		}
		return token, nil
	}

	if grant.EncryptedRefreshToken == "" {
		if !security.IsTokenExpired(m.now(), grant.ExpiresAt) {
			// Inside the refresh margin but not yet dead, and nothing to
			// refresh with. Serve it for its remaining lifetime.
			token, err := m.vault.Decrypt(grant.EncryptedAccessToken)
			if err != nil {
				return "", m.handleUndecryptable(ctx, userID, err)
			}
			return token, nil
		}
		m.metrics.RecordTokenRefresh(ctx, "no_refresh_token")
		return "", ErrTokenExpired("access token expired and no refresh token is stored")
	}

	refreshToken, err := m.vault.Decrypt(grant.EncryptedRefreshToken)
	if err != nil {
		return "", m.handleUndecryptable(ctx, userID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.providerTimeout)
	defer cancel()

	callCtx, span := m.inst.StartSpan(callCtx, "manager", "provider.refresh_token")
	start := m.now()
	token, err := m.provider.RefreshToken(callCtx, refreshToken)
	instrumentation.EndSpan(span, err)
	m.metrics.RecordProviderCall(ctx, "refresh_token", float64(m.now().Sub(start).Milliseconds()), err)
	if err != nil {
		if providers.IsTransient(err) {
			// Not a verdict on the refresh token; keep it for retry.
			m.metrics.RecordTokenRefresh(ctx, "transient")
			m.logger.Warn("token refresh did not complete", "error", err)
			return "", fmt.Errorf("%w: %w", ErrTransient("token refresh did not complete"), err)
		}

		// Definitive rejection: the refresh token is dead. Clear it so
		// the grant stops pretending it can self-heal.
		if clearErr := m.store.ClearRefreshToken(ctx, userID, m.provider.Name()); clearErr != nil {
			m.logger.Error("failed to clear rejected refresh token", "error", clearErr)
		}
		m.metrics.RecordTokenRefresh(ctx, "rejected")
		m.auditor.LogAuthFailure(userID, "", "refresh token rejected")
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed("provider rejected the refresh token"), err)
	}

	// Providers may rotate the refresh token or omit it; keep the old one
	// when omitted.
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}

	if err := m.saveGrant(ctx, userID, token, m.identityFromGrant(grant)); err != nil {
		return "", err
	}

	m.metrics.RecordTokenRefresh(ctx, "refreshed")
	m.auditor.LogTokenRefreshed(userID, false)
	m.logger.Info("access token refreshed", "expires_at", token.Expiry)
	return token.AccessToken, nil
}

// handleUndecryptable maps a vault failure on stored token material to a
// decryption_failed error and clears the grant so the user can re-authorize
// instead of being stuck behind an unreadable blob.
func (m *Manager) handleUndecryptable(ctx context.Context, userID string, err error) error {
	m.logger.Error("stored token cannot be decrypted", "error", err)
	if clearErr := m.store.ClearGrant(ctx, userID, m.provider.Name()); clearErr != nil {
		m.logger.Error("failed to clear undecryptable grant", "error", clearErr)
	}
	return fmt.Errorf("%w: %w", ErrDecryptionFailed("stored token cannot be decrypted"), err)
}

// identityFromGrant recovers the identity persisted with the grant, so a
// refresh does not lose it. Nil when the grant never carried one.
func (m *Manager) identityFromGrant(grant *storage.Grant) *providers.Identity {
	if grant.Identity == "" {
		return nil
	}
	var identity providers.Identity
	if err := json.Unmarshal([]byte(grant.Identity), &identity); err != nil {
		m.logger.Warn("stored identity is unreadable", "error", err)
		return nil
	}
	return &identity
}

// Revoke disconnects the user: best-effort revocation at the provider,
// unconditional local clear of the grant, and soft-disable of any stored
// credential for the same provider. Local state is cleared even when the
// provider call fails, so a user can always disconnect.
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrAuthRequired("no authenticated user")
	}

	grant, err := m.store.GetGrant(ctx, userID, m.provider.Name())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get grant: %w", err)
	}

	providerNotified := false
	if !grant.Revoked() {
		if token, decErr := m.vault.Decrypt(grant.EncryptedAccessToken); decErr == nil {
			callCtx, cancel := context.WithTimeout(ctx, m.providerTimeout)
			callCtx, span := m.inst.StartSpan(callCtx, "manager", "provider.revoke_token")
			start := m.now()
			revErr := m.provider.RevokeToken(callCtx, token)
			instrumentation.EndSpan(span, revErr)
			cancel()
			m.metrics.RecordProviderCall(ctx, "revoke_token", float64(m.now().Sub(start).Milliseconds()), revErr)
			if revErr != nil {
				m.logger.Warn("provider revocation failed, clearing locally anyway", "error", revErr)
			} else {
				providerNotified = true
			}
		} else {
			m.logger.Warn("stored token cannot be decrypted for revocation", "error", decErr)
		}
	}

	if err := m.store.ClearGrant(ctx, userID, m.provider.Name()); err != nil {
		return fmt.Errorf("clear grant: %w", err)
	}

	m.softDisableCredential(ctx, userID)

	m.metrics.RecordTokenRevoked(ctx, providerNotified)
	m.auditor.LogTokenRevoked(userID, providerNotified)
	m.logger.Info("grant revoked", "provider_notified", providerNotified)
	return nil
}

// softDisableCredential deactivates the user's stored credential for this
// provider without deleting it. A user with no stored credential is fine.
func (m *Manager) softDisableCredential(ctx context.Context, userID string) {
	cred, err := m.store.GetCredential(ctx, userID, m.provider.Name())
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		m.logger.Warn("failed to load credential for soft-disable", "error", err)
		return
	}
	if err := m.store.SetCredentialStatus(ctx, userID, m.provider.Name(), false, cred.IsValid); err != nil {
		m.logger.Warn("failed to soft-disable credential", "error", err)
	}
}

// Status reports the user's connection state without exposing token material.
func (m *Manager) Status(ctx context.Context, userID string) (*AuthStatus, error) {
	grant, err := m.store.GetGrant(ctx, userID, m.provider.Name())
	if errors.Is(err, storage.ErrNotFound) {
		return &AuthStatus{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	if grant.Revoked() {
		return &AuthStatus{}, nil
	}

	return &AuthStatus{
		Connected:    true,
		Identity:     m.identityFromGrant(grant),
		ExpiresAt:    grant.ExpiresAt,
		NeedsRefresh: m.expiringSoon(grant.ExpiresAt),
		Scope:        grant.Scope,
	}, nil
}
