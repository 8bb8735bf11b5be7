package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/krroki/Dhacle-sub006/storage"
)

// Compile-time interface satisfaction check.
var _ storage.Store = (*Store)(nil)

// Store is the SQLite implementation of storage.Store. Quota additions use
// upsert-with-increment statements so the get-or-create and the add are one
// atomic operation at the database.
type Store struct {
	db *DB
}

// NewStore creates a Store on an already-migrated DB.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// UpsertCredential creates or replaces the credential for
// (OwnerID, ServiceName), preserving created_at on replace.
func (s *Store) UpsertCredential(ctx context.Context, cred *storage.Credential) error {
	const query = `
		INSERT INTO credentials (owner_id, service_name, encrypted_secret, masked_secret, is_active, is_valid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, service_name) DO UPDATE SET
			encrypted_secret = excluded.encrypted_secret,
			masked_secret    = excluded.masked_secret,
			is_active        = excluded.is_active,
			is_valid         = excluded.is_valid,
			updated_at       = excluded.updated_at`

	now := time.Now()
	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.Writer.ExecContext(ctx, query,
		cred.OwnerID, cred.ServiceName, cred.EncryptedSecret, cred.MaskedSecret,
		boolToInt(cred.IsActive), boolToInt(cred.IsValid),
		formatTime(createdAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("upsert credential %q/%q: %w", cred.OwnerID, cred.ServiceName, err)
	}
	return nil
}

// GetCredential retrieves a credential, or storage.ErrNotFound.
func (s *Store) GetCredential(ctx context.Context, ownerID, serviceName string) (*storage.Credential, error) {
	const query = `
		SELECT encrypted_secret, masked_secret, is_active, is_valid, created_at, updated_at
		FROM credentials WHERE owner_id = ? AND service_name = ?`

	cred := storage.Credential{OwnerID: ownerID, ServiceName: serviceName}
	var active, valid int
	var createdAt, updatedAt string

	err := s.db.Reader.QueryRowContext(ctx, query, ownerID, serviceName).Scan(
		&cred.EncryptedSecret, &cred.MaskedSecret, &active, &valid, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %q/%q: %w", ownerID, serviceName, err)
	}

	cred.IsActive = active != 0
	cred.IsValid = valid != 0
	if cred.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if cred.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &cred, nil
}

// SetCredentialStatus updates the active/valid flags.
func (s *Store) SetCredentialStatus(ctx context.Context, ownerID, serviceName string, active, valid bool) error {
	const query = `
		UPDATE credentials SET is_active = ?, is_valid = ?, updated_at = ?
		WHERE owner_id = ? AND service_name = ?`

	res, err := s.db.Writer.ExecContext(ctx, query,
		boolToInt(active), boolToInt(valid), formatTime(time.Now()), ownerID, serviceName)
	if err != nil {
		return fmt.Errorf("set credential status %q/%q: %w", ownerID, serviceName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveGrant creates or replaces the grant for (UserID, Provider). The
// single-writer connection serializes grant writes, so concurrent saves for
// the same user cannot interleave.
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	const query = `
		INSERT INTO grants (user_id, provider, encrypted_access_token, encrypted_refresh_token, expires_at, scope, identity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			encrypted_access_token  = excluded.encrypted_access_token,
			encrypted_refresh_token = excluded.encrypted_refresh_token,
			expires_at              = excluded.expires_at,
			scope                   = excluded.scope,
			identity                = excluded.identity,
			updated_at              = excluded.updated_at`

	_, err := s.db.Writer.ExecContext(ctx, query,
		grant.UserID, grant.Provider,
		grant.EncryptedAccessToken, grant.EncryptedRefreshToken,
		formatTime(grant.ExpiresAt), grant.Scope, grant.Identity,
		formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save grant %q: %w", grant.UserID, err)
	}
	return nil
}

// GetGrant retrieves a grant, or storage.ErrNotFound.
func (s *Store) GetGrant(ctx context.Context, userID, provider string) (*storage.Grant, error) {
	const query = `
		SELECT encrypted_access_token, encrypted_refresh_token, expires_at, scope, identity, updated_at
		FROM grants WHERE user_id = ? AND provider = ?`

	grant := storage.Grant{UserID: userID, Provider: provider}
	var expiresAt, updatedAt string

	err := s.db.Reader.QueryRowContext(ctx, query, userID, provider).Scan(
		&grant.EncryptedAccessToken, &grant.EncryptedRefreshToken,
		&expiresAt, &grant.Scope, &grant.Identity, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant %q: %w", userID, err)
	}

	if grant.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if grant.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &grant, nil
}

// ClearGrant nulls the token and identity fields, keeping the row.
func (s *Store) ClearGrant(ctx context.Context, userID, provider string) error {
	const query = `
		UPDATE grants SET
			encrypted_access_token = '', encrypted_refresh_token = '',
			expires_at = '', scope = '', identity = '', updated_at = ?
		WHERE user_id = ? AND provider = ?`

	_, err := s.db.Writer.ExecContext(ctx, query, formatTime(time.Now()), userID, provider)
	if err != nil {
		return fmt.Errorf("clear grant %q: %w", userID, err)
	}
	return nil
}

// ClearRefreshToken removes only the stored refresh token.
func (s *Store) ClearRefreshToken(ctx context.Context, userID, provider string) error {
	const query = `
		UPDATE grants SET encrypted_refresh_token = '', updated_at = ?
		WHERE user_id = ? AND provider = ?`

	res, err := s.db.Writer.ExecContext(ctx, query, formatTime(time.Now()), userID, provider)
	if err != nil {
		return fmt.Errorf("clear refresh token %q: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AddUsage atomically adds units to the (userID, dayKey) counter, creating
// the row if absent. The upsert-with-increment makes the whole operation one
// statement at the database, so concurrent adds never lose updates.
func (s *Store) AddUsage(ctx context.Context, userID, dayKey string, units int64, category string) error {
	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add usage: %w", err)
	}
	defer tx.Rollback()

	const usageQuery = `
		INSERT INTO quota_usage (user_id, day_key, units_used) VALUES (?, ?, ?)
		ON CONFLICT (user_id, day_key) DO UPDATE SET
			units_used = units_used + excluded.units_used`
	if _, err := tx.ExecContext(ctx, usageQuery, userID, dayKey, units); err != nil {
		return fmt.Errorf("add usage %q/%q: %w", userID, dayKey, err)
	}

	if category != "" {
		const categoryQuery = `
			INSERT INTO quota_categories (user_id, day_key, category, count) VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id, day_key, category) DO UPDATE SET
				count = count + excluded.count`
		if _, err := tx.ExecContext(ctx, categoryQuery, userID, dayKey, category, units); err != nil {
			return fmt.Errorf("add category usage %q/%q: %w", userID, category, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add usage: %w", err)
	}
	return nil
}

// GetUsage retrieves the record for (userID, dayKey), or storage.ErrNotFound.
func (s *Store) GetUsage(ctx context.Context, userID, dayKey string) (*storage.QuotaRecord, error) {
	const usageQuery = `SELECT units_used FROM quota_usage WHERE user_id = ? AND day_key = ?`

	rec := storage.QuotaRecord{
		UserID:         userID,
		DayKey:         dayKey,
		CategoryCounts: make(map[string]int64),
	}

	err := s.db.Reader.QueryRowContext(ctx, usageQuery, userID, dayKey).Scan(&rec.UnitsUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage %q/%q: %w", userID, dayKey, err)
	}

	const categoryQuery = `SELECT category, count FROM quota_categories WHERE user_id = ? AND day_key = ?`
	rows, err := s.db.Reader.QueryContext(ctx, categoryQuery, userID, dayKey)
	if err != nil {
		return nil, fmt.Errorf("get category usage %q/%q: %w", userID, dayKey, err)
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var count int64
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("scan category usage: %w", err)
		}
		rec.CategoryCounts[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category usage: %w", err)
	}

	return &rec, nil
}

// SaveFlowState stores the CSRF state entry for a user, replacing any
// previous in-flight entry.
func (s *Store) SaveFlowState(ctx context.Context, state *storage.FlowState) error {
	const query = `
		INSERT INTO flow_states (user_id, state, created_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			state = excluded.state, created_at = excluded.created_at, expires_at = excluded.expires_at`

	_, err := s.db.Writer.ExecContext(ctx, query,
		state.UserID, state.State, formatTime(state.CreatedAt), formatTime(state.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save flow state %q: %w", state.UserID, err)
	}
	return nil
}

// ConsumeFlowState atomically retrieves and deletes a user's state entry.
// DELETE ... RETURNING on the single-writer connection makes the one-time
// use guarantee hold under concurrent callbacks.
func (s *Store) ConsumeFlowState(ctx context.Context, userID string) (*storage.FlowState, error) {
	const query = `DELETE FROM flow_states WHERE user_id = ? RETURNING state, created_at, expires_at`

	flow := storage.FlowState{UserID: userID}
	var createdAt, expiresAt string

	err := s.db.Writer.QueryRowContext(ctx, query, userID).Scan(&flow.State, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume flow state %q: %w", userID, err)
	}

	if flow.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if flow.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}

	if flow.Expired(time.Now()) {
		return nil, storage.ErrNotFound
	}
	return &flow, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
