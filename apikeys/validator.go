// Package apikeys validates user-supplied API keys against the live metered
// API and persists the validated key encrypted at rest.
package apikeys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/krroki/Dhacle-sub006/providers"
	"github.com/krroki/Dhacle-sub006/security"
	"github.com/krroki/Dhacle-sub006/storage"
)

// Error codes reported in Result.ErrorCode.
const (
	ErrorCodeInvalidKey     = "invalid_key"
	ErrorCodeTransientError = "transient_network_error"
)

// Result is the outcome of a key validation.
type Result struct {
	IsValid bool `json:"isValid"`

	// ErrorCode distinguishes a definitive rejection (invalid_key) from a
	// transient network failure, which is NOT a verdict on the key.
	ErrorCode string `json:"error,omitempty"`

	// UnitCost is the quota cost of the probe call itself, as reported by
	// the provider. The caller charges this against the owner's quota.
	UnitCost int64 `json:"unitCost,omitempty"`

	// QuotaInfo is provider usage metadata from the probe call, passed
	// through without reinterpretation.
	QuotaInfo map[string]any `json:"quotaInfo,omitempty"`

	// MaskedKey is the display-safe form of a successfully validated key.
	MaskedKey string `json:"maskedKey,omitempty"`
}

// Validator checks raw API keys with a live minimal-cost provider call and,
// on success, stores the key encrypted alongside its masked form.
type Validator struct {
	provider    providers.Provider
	vault       *security.Vault
	credentials storage.CredentialStore
	logger      *slog.Logger
	auditor     *security.Auditor
	timeout     time.Duration
}

// NewValidator creates a Validator. The auditor may be nil.
func NewValidator(provider providers.Provider, vault *security.Vault, credentials storage.CredentialStore, logger *slog.Logger, auditor *security.Auditor) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		provider:    provider,
		vault:       vault,
		credentials: credentials,
		logger:      logger,
		auditor:     auditor,
		timeout:     providers.CallTimeout,
	}
}

// Validate probes the metered API with rawKey. A successful low-cost call
// means the key is valid; an auth rejection means it is not; a network
// failure yields a transient error marker and no verdict. A valid key is
// persisted encrypted for the owner; the raw key itself is never logged.
func (v *Validator) Validate(ctx context.Context, ownerID, rawKey string) (*Result, error) {
	if rawKey == "" {
		return &Result{IsValid: false, ErrorCode: ErrorCodeInvalidKey}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	check, err := v.provider.CheckAPIKey(callCtx, rawKey)
	if err != nil {
		if providers.IsTransient(err) {
			v.logger.Warn("api key probe failed transiently", "error", err)
			if v.auditor != nil {
				v.auditor.LogKeyValidation(ownerID, false, ErrorCodeTransientError)
			}
			return &Result{IsValid: false, ErrorCode: ErrorCodeTransientError}, nil
		}

		v.logger.Info("api key rejected by provider", "error", err)
		if v.auditor != nil {
			v.auditor.LogKeyValidation(ownerID, false, ErrorCodeInvalidKey)
		}
		if markErr := v.markInvalid(ctx, ownerID); markErr != nil {
			v.logger.Warn("failed to mark stored key invalid", "error", markErr)
		}
		return &Result{IsValid: false, ErrorCode: ErrorCodeInvalidKey}, nil
	}

	masked := v.vault.Mask(rawKey)
	if err := v.persist(ctx, ownerID, rawKey, masked); err != nil {
		return nil, fmt.Errorf("persist validated key: %w", err)
	}

	if v.auditor != nil {
		v.auditor.LogKeyValidation(ownerID, true, "")
	}

	return &Result{
		IsValid:   true,
		UnitCost:  check.UnitCost,
		QuotaInfo: check.QuotaInfo,
		MaskedKey: masked,
	}, nil
}

// persist stores the validated key encrypted, creating or replacing the
// owner's credential row for this provider.
func (v *Validator) persist(ctx context.Context, ownerID, rawKey, masked string) error {
	encrypted, err := v.vault.Encrypt(rawKey)
	if err != nil {
		return fmt.Errorf("encrypt key: %w", err)
	}

	return v.credentials.UpsertCredential(ctx, &storage.Credential{
		OwnerID:         ownerID,
		ServiceName:     v.provider.Name(),
		EncryptedSecret: encrypted,
		MaskedSecret:    masked,
		IsActive:        true,
		IsValid:         true,
	})
}

// markInvalid flags a previously stored key as invalid after a definitive
// provider rejection. A missing row is fine: the user may be validating a
// key for the first time.
func (v *Validator) markInvalid(ctx context.Context, ownerID string) error {
	err := v.credentials.SetCredentialStatus(ctx, ownerID, v.provider.Name(), true, false)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// StoredKey returns the masked form of the owner's stored key, or "" when
// none is stored or the stored blob cannot be used.
func (v *Validator) StoredKey(ctx context.Context, ownerID string) (masked string, hasKey bool) {
	cred, err := v.credentials.GetCredential(ctx, ownerID, v.provider.Name())
	if err != nil {
		return "", false
	}
	if !cred.IsActive {
		return "", false
	}
	return cred.MaskedSecret, true
}
