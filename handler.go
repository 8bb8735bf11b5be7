package credcore

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/krroki/Dhacle-sub006/apikeys"
	"github.com/krroki/Dhacle-sub006/instrumentation"
	"github.com/krroki/Dhacle-sub006/quota"
	"github.com/krroki/Dhacle-sub006/security"
)

// Callback redirect reason codes, carried in the reason query parameter.
const (
	ReasonSecurityError = "security_error"
	ReasonAuthRequired  = "auth_required"
	ReasonOAuthFailed   = "oauth_failed"
	ReasonOAuthDenied   = "oauth_denied"
)

// SessionResolver maps an incoming request to the authenticated platform
// user. Session handling belongs to the surrounding platform; the core only
// consumes its verdict.
type SessionResolver interface {
	// UserID returns the authenticated user's ID, or ok=false when the
	// request carries no valid session.
	UserID(r *http.Request) (userID string, ok bool)
}

// SessionResolverFunc adapts a function to the SessionResolver interface.
type SessionResolverFunc func(r *http.Request) (string, bool)

// UserID implements SessionResolver.
func (f SessionResolverFunc) UserID(r *http.Request) (string, bool) {
	return f(r)
}

// Handler is the HTTP surface of the credential core: the OAuth browser flow,
// connection status, and API key validation. Register it directly or mount
// its mux under a prefix.
type Handler struct {
	manager   *Manager
	validator *apikeys.Validator
	tracker   *quota.Tracker
	sessions  SessionResolver

	limiter *security.FixedWindowLimiter
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics

	trustProxy        bool
	trustedProxyCount int
	successPath       string
	errorPath         string

	mux http.Handler
}

// NewHandler creates the HTTP handler. The validator and tracker may be nil
// when the deployment does not use API keys or quota tracking; the relevant
// endpoints then report service unavailability.
func NewHandler(cfg Config, manager *Manager, validator *apikeys.Validator, tracker *quota.Tracker, sessions SessionResolver) (*Handler, error) {
	if manager == nil {
		return nil, ErrConfig("manager is required")
	}
	if sessions == nil {
		return nil, ErrConfig("session resolver is required")
	}
	cfg.applyDefaults()

	h := &Handler{
		manager:           manager,
		validator:         validator,
		tracker:           tracker,
		sessions:          sessions,
		logger:            cfg.Logger,
		auditor:           manager.Auditor(),
		metrics:           cfg.Instrumentation.Metrics(),
		trustProxy:        cfg.RateLimit.TrustProxy,
		trustedProxyCount: cfg.RateLimit.TrustedProxyCount,
		successPath:       cfg.Redirect.SuccessPath,
		errorPath:         cfg.Redirect.ErrorPath,
	}

	if cfg.RateLimit.Limit > 0 {
		h.limiter = security.NewFixedWindowLimiter(cfg.RateLimit.Window, cfg.RateLimit.Limit, cfg.Logger)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/begin", h.handleBegin)
	mux.HandleFunc("GET /auth/callback", h.handleCallback)
	mux.HandleFunc("POST /auth/logout", h.handleLogout)
	mux.HandleFunc("GET /auth/status", h.handleStatus)
	mux.HandleFunc("POST /keys/validate", h.handleValidateKey)
	h.mux = security.RequestIDMiddleware(h.rateLimit(mux))

	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Close releases background resources (the rate limiter's sweeper).
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// rateLimit applies per-client fixed-window limiting. Denials carry
// Retry-After and X-RateLimit-* headers plus a JSON body, so both browsers
// and API clients can back off correctly.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := security.GetClientIP(r, h.trustProxy, h.trustedProxyCount)
		result := h.limiter.Check(clientIP)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", result.ResetAt.UTC().Format(time.RFC3339))

		if !result.Allowed {
			retryAfter := int(time.Until(result.ResetAt).Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

			h.auditor.LogRateLimitExceeded(clientIP, r.URL.Path)
			h.metrics.RecordRateLimitDenied(r.Context(), r.URL.Path)
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":      ErrorKindRateLimited,
				"retryAfter": retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleBegin starts the OAuth flow and redirects the browser to the
// provider consent screen.
func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.sessions.UserID(r)
	if !ok {
		h.redirectError(w, r, ReasonAuthRequired)
		return
	}

	authURL, err := h.manager.BeginAuthorization(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to begin authorization", "error", err)
		h.redirectError(w, r, ReasonOAuthFailed)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback finishes the OAuth flow. All outcomes redirect back into
// the platform UI with auth= and reason= query parameters; the browser never
// sees token material or raw error detail.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.sessions.UserID(r)
	if !ok {
		h.redirectError(w, r, ReasonAuthRequired)
		return
	}

	query := r.URL.Query()
	if provErr := query.Get("error"); provErr != "" {
		h.manager.CancelAuthorization(r.Context(), userID)
		reason := ReasonOAuthFailed
		if provErr == "access_denied" {
			reason = ReasonOAuthDenied
		}
		h.logger.Info("provider returned callback error", "error", provErr)
		h.redirectError(w, r, reason)
		return
	}

	state := query.Get("state")
	code := query.Get("code")
	if state == "" || code == "" {
		h.redirectError(w, r, ReasonSecurityError)
		return
	}

	clientIP := security.GetClientIP(r, h.trustProxy, h.trustedProxyCount)
	_, err := h.manager.CompleteCallback(r.Context(), userID, state, code, clientIP)
	if err != nil {
		h.logger.Warn("callback failed", "error", err)
		h.redirectError(w, r, callbackReason(err))
		return
	}

	h.redirect(w, r, h.successPath, "success", "")
}

// callbackReason maps a callback failure to its browser-facing reason code.
func callbackReason(err error) string {
	var typed *Error
	if !errors.As(err, &typed) {
		return ReasonOAuthFailed
	}
	switch typed.Kind {
	case ErrorKindCSRFMismatch:
		return ReasonSecurityError
	case ErrorKindProviderDenied:
		return ReasonOAuthDenied
	case ErrorKindAuthRequired:
		return ReasonAuthRequired
	default:
		return ReasonOAuthFailed
	}
}

// handleLogout revokes the user's grant.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.sessions.UserID(r)
	if !ok {
		writeError(w, ErrAuthRequired("no session"))
		return
	}

	if err := h.manager.Revoke(r.Context(), userID); err != nil {
		h.logger.Error("revocation failed", "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

// handleStatus reports the user's connection state, stored key, and quota
// picture in one response.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.sessions.UserID(r)
	if !ok {
		writeError(w, ErrAuthRequired("no session"))
		return
	}

	auth, err := h.manager.Status(r.Context(), userID)
	if err != nil {
		h.logger.Error("status lookup failed", "error", err)
		writeError(w, err)
		return
	}

	resp := map[string]any{"auth": auth}

	if h.validator != nil {
		if masked, hasKey := h.validator.StoredKey(r.Context(), userID); hasKey {
			resp["apiKey"] = map[string]any{"maskedKey": masked}
		}
	}

	if h.tracker != nil {
		quotaStatus, err := h.tracker.GetStatus(r.Context(), userID)
		if err != nil {
			h.logger.Warn("quota status lookup failed", "error", err)
		} else {
			resp["quota"] = quotaStatus
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// validateKeyRequest is the body of POST /keys/validate.
type validateKeyRequest struct {
	APIKey string `json:"apiKey"`
}

// handleValidateKey validates a user-supplied API key against the live
// provider and reports the structured result. Validation costs quota, so a
// successful probe is recorded against the user's daily usage.
func (h *Handler) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.sessions.UserID(r)
	if !ok {
		writeError(w, ErrAuthRequired("no session"))
		return
	}
	if h.validator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "key validation is not configured",
		})
		return
	}

	var req validateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid request body",
		})
		return
	}

	result, err := h.validator.Validate(r.Context(), userID, req.APIKey)
	if err != nil {
		h.logger.Error("key validation failed", "error", err)
		writeError(w, err)
		return
	}

	outcome := result.ErrorCode
	if result.IsValid {
		outcome = "valid"
	}
	h.metrics.RecordKeyValidation(r.Context(), outcome)

	if result.IsValid && h.tracker != nil {
		units := result.UnitCost
		if units <= 0 {
			// Providers that omit the probe cost still made one call.
			units = 1
		}
		if err := h.tracker.RecordUsage(r.Context(), userID, units, "keys.validate"); err != nil {
			h.logger.Warn("failed to record validation quota usage", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, result)
}

// redirect sends the browser to path with auth= and optional reason= set.
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, path, auth, reason string) {
	values := url.Values{}
	values.Set("auth", auth)
	if reason != "" {
		values.Set("reason", reason)
	}
	http.Redirect(w, r, path+"?"+values.Encode(), http.StatusFound)
}

// redirectError sends the browser to the error path with the reason code.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, reason string) {
	h.redirect(w, r, h.errorPath, "error", reason)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

// writeError writes a typed error as JSON, mapping unknown errors to 500
// without leaking internal detail.
func writeError(w http.ResponseWriter, err error) {
	var typed *Error
	if errors.As(err, &typed) {
		writeJSON(w, typed.Status, map[string]any{
			"error":   typed.Kind,
			"message": typed.Description,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": "internal_error",
	})
}
