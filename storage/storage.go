// Package storage defines the persistence interfaces for credentials, OAuth
// grants, quota records, and in-flight authorization state. Backends include
// in-memory (single instance) and SQLite (durable); the interfaces are the
// seam for a shared atomic store when scaling horizontally.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Credential is one stored third-party secret per (owner, service). The
// secret is encrypted before it reaches storage; MaskedSecret is the only
// display-safe representation and cannot be reversed. Credentials are
// soft-disabled on revoke, never hard-deleted.
type Credential struct {
	OwnerID         string
	ServiceName     string
	EncryptedSecret string
	MaskedSecret    string
	IsActive        bool
	IsValid         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Grant is the stored record of a completed OAuth authorization, one per
// (user, provider). Token fields hold vault-encrypted blobs. A nil/empty
// EncryptedRefreshToken means the grant cannot self-heal past ExpiresAt and
// is terminal once expired. Revocation clears the fields rather than
// deleting the row.
type Grant struct {
	UserID                string
	Provider              string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	ExpiresAt             time.Time
	Scope                 string
	Identity              string
	UpdatedAt             time.Time
}

// Revoked reports whether the grant has been cleared.
func (g *Grant) Revoked() bool {
	return g.EncryptedAccessToken == ""
}

// QuotaRecord tracks metered API usage for one (user, UTC calendar day).
// UnitsUsed is monotonically non-decreasing within a day; a new day gets a
// fresh record and prior days are never mutated or deleted.
type QuotaRecord struct {
	UserID         string
	DayKey         string
	UnitsUsed      int64
	CategoryCounts map[string]int64
}

// FlowState is a short-lived CSRF state entry for an in-flight authorization
// flow. One-time use: consumed atomically on callback.
type FlowState struct {
	UserID    string
	State     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the flow state is past its TTL.
func (f *FlowState) Expired(now time.Time) bool {
	return now.After(f.ExpiresAt)
}

// CredentialStore persists encrypted credentials.
type CredentialStore interface {
	// UpsertCredential creates or replaces the credential for
	// (cred.OwnerID, cred.ServiceName), preserving CreatedAt on replace.
	UpsertCredential(ctx context.Context, cred *Credential) error

	// GetCredential retrieves a credential, or ErrNotFound.
	GetCredential(ctx context.Context, ownerID, serviceName string) (*Credential, error)

	// SetCredentialStatus updates the active/valid flags. Used for
	// soft-disable on revoke and for marking failed re-validation.
	SetCredentialStatus(ctx context.Context, ownerID, serviceName string, active, valid bool) error
}

// GrantStore persists OAuth grants with per-user atomicity: concurrent
// writes to the same user's grant must not produce lost updates.
type GrantStore interface {
	// SaveGrant creates or replaces the grant for (grant.UserID, grant.Provider).
	SaveGrant(ctx context.Context, grant *Grant) error

	// GetGrant retrieves a grant, or ErrNotFound.
	GetGrant(ctx context.Context, userID, provider string) (*Grant, error)

	// ClearGrant nulls the token and identity fields of a grant, keeping
	// the row. Clearing a missing grant is not an error.
	ClearGrant(ctx context.Context, userID, provider string) error

	// ClearRefreshToken removes only the stored refresh token, marking the
	// grant unable to self-heal. Called when the provider rejects a refresh.
	ClearRefreshToken(ctx context.Context, userID, provider string) error
}

// QuotaStore persists per-day usage counters. AddUsage must be atomic: the
// get-or-create and the increment happen as one operation at the storage
// layer, so concurrent metered calls for the same (user, day) never lose
// updates.
type QuotaStore interface {
	// AddUsage atomically adds units to the (userID, dayKey) record,
	// creating it if absent, and increments the per-category counter.
	AddUsage(ctx context.Context, userID, dayKey string, units int64, category string) error

	// GetUsage retrieves the record for (userID, dayKey), or ErrNotFound
	// when the user has no usage that day.
	GetUsage(ctx context.Context, userID, dayKey string) (*QuotaRecord, error)
}

// FlowStore persists short-lived CSRF state entries for authorization flows.
type FlowStore interface {
	// SaveFlowState stores the state entry for a user, replacing any
	// previous in-flight entry.
	SaveFlowState(ctx context.Context, state *FlowState) error

	// ConsumeFlowState atomically retrieves and deletes the entry for a
	// user, enforcing one-time use. Returns ErrNotFound for a missing or
	// expired entry.
	ConsumeFlowState(ctx context.Context, userID string) (*FlowState, error)
}

// Store aggregates all the persistence interfaces a full deployment needs.
type Store interface {
	CredentialStore
	GrantStore
	QuotaStore
	FlowStore
}
