package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Auditor logs security-relevant events with PII protection: user IDs are
// hashed before they reach log output. Repeated events for the same subject
// are throttled with a per-subject token bucket so an attacker cannot flood
// the audit log.
type Auditor struct {
	logger  *slog.Logger
	enabled bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAuditor creates a security auditor. When disabled, all logging calls
// are no-ops.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:   logger,
		enabled:  enabled,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Event is a single security audit event.
type Event struct {
	Type      string
	UserID    string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with the user ID hashed.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	if !a.allow(event.Type + ":" + event.UserID) {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// allow throttles repeated events for the same subject: one event per
// second with a small burst, per (event type, user) pair.
func (a *Auditor) allow(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	limiter, ok := a.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(1), 5)
		a.limiters[key] = limiter
	}
	return limiter.Allow()
}

// LogAuthFailure logs a failed authorization attempt.
func (a *Auditor) LogAuthFailure(userID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		UserID:    userID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogStateMismatch logs a CSRF state validation failure. These always
// indicate either an attack or a seriously broken client.
func (a *Auditor) LogStateMismatch(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "csrf_state_mismatch",
		UserID:    userID,
		IPAddress: ipAddress,
		Details:   map[string]any{"severity": "critical"},
	})
}

// LogTokenRefreshed logs a completed token refresh.
func (a *Auditor) LogTokenRefreshed(userID string, shared bool) {
	a.LogEvent(Event{
		Type:    "token_refreshed",
		UserID:  userID,
		Details: map[string]any{"singleflight_shared": shared},
	})
}

// LogTokenRevoked logs a revocation, local or at the provider.
func (a *Auditor) LogTokenRevoked(userID string, providerNotified bool) {
	a.LogEvent(Event{
		Type:    "token_revoked",
		UserID:  userID,
		Details: map[string]any{"provider_notified": providerNotified},
	})
}

// LogRateLimitExceeded logs a rate limit denial.
func (a *Auditor) LogRateLimitExceeded(identifier, surface string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: identifier,
		Details:   map[string]any{"surface": surface},
	})
}

// LogQuotaThreshold logs a quota threshold crossing (warning or critical).
func (a *Auditor) LogQuotaThreshold(userID, level string, used, limit int64) {
	a.LogEvent(Event{
		Type:   "quota_threshold",
		UserID: userID,
		Details: map[string]any{
			"level": level,
			"used":  used,
			"limit": limit,
		},
	})
}

// LogKeyValidation logs an API key validation attempt. Only the outcome is
// logged, never any part of the key.
func (a *Auditor) LogKeyValidation(userID string, valid bool, errCode string) {
	a.LogEvent(Event{
		Type:   "api_key_validation",
		UserID: userID,
		Details: map[string]any{
			"valid": valid,
			"error": errCode,
		},
	})
}

// hashForLogging returns a short SHA-256 digest of a sensitive value so log
// lines can be correlated without exposing the value itself.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
