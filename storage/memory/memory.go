// Package memory provides an in-memory implementation of the storage
// interfaces. Suitable for tests and single-instance deployments; state does
// not survive restarts.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/krroki/Dhacle-sub006/storage"
)

// Store is an in-memory storage.Store guarded by a single RWMutex. Quota
// additions are atomic under the write lock, satisfying the no-lost-updates
// contract within one process.
type Store struct {
	mu          sync.RWMutex
	credentials map[credKey]*storage.Credential
	grants      map[credKey]*storage.Grant
	quotas      map[quotaKey]*storage.QuotaRecord
	flows       map[string]*storage.FlowState

	logger *slog.Logger
	now    func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type credKey struct {
	owner   string
	service string
}

type quotaKey struct {
	user string
	day  string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock injects a clock for deterministic expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store and starts a background cleanup of
// expired flow states.
func New(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		credentials: make(map[credKey]*storage.Credential),
		grants:      make(map[credKey]*storage.Grant),
		quotas:      make(map[quotaKey]*storage.QuotaRecord),
		flows:       make(map[string]*storage.FlowState),
		logger:      logger,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Close stops the background cleanup goroutine.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpiredFlows()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanupExpiredFlows() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for userID, flow := range s.flows {
		if flow.Expired(now) {
			delete(s.flows, userID)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("expired flow states removed", "count", removed)
	}
}

// UpsertCredential creates or replaces a credential, preserving CreatedAt.
func (s *Store) UpsertCredential(_ context.Context, cred *storage.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credKey{cred.OwnerID, cred.ServiceName}
	stored := *cred
	now := s.now()
	if existing, ok := s.credentials[key]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.credentials[key] = &stored
	return nil
}

// GetCredential retrieves a credential copy, or storage.ErrNotFound.
func (s *Store) GetCredential(_ context.Context, ownerID, serviceName string) (*storage.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[credKey{ownerID, serviceName}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *cred
	return &c, nil
}

// SetCredentialStatus updates the active/valid flags.
func (s *Store) SetCredentialStatus(_ context.Context, ownerID, serviceName string, active, valid bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[credKey{ownerID, serviceName}]
	if !ok {
		return storage.ErrNotFound
	}
	cred.IsActive = active
	cred.IsValid = valid
	cred.UpdatedAt = s.now()
	return nil
}

// SaveGrant creates or replaces the grant for (UserID, Provider).
func (s *Store) SaveGrant(_ context.Context, grant *storage.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *grant
	stored.UpdatedAt = s.now()
	s.grants[credKey{grant.UserID, grant.Provider}] = &stored
	return nil
}

// GetGrant retrieves a grant copy, or storage.ErrNotFound.
func (s *Store) GetGrant(_ context.Context, userID, provider string) (*storage.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[credKey{userID, provider}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	g := *grant
	return &g, nil
}

// ClearGrant nulls the token and identity fields, keeping the row.
func (s *Store) ClearGrant(_ context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[credKey{userID, provider}]
	if !ok {
		return nil
	}
	grant.EncryptedAccessToken = ""
	grant.EncryptedRefreshToken = ""
	grant.Identity = ""
	grant.Scope = ""
	grant.ExpiresAt = time.Time{}
	grant.UpdatedAt = s.now()
	return nil
}

// ClearRefreshToken removes only the stored refresh token.
func (s *Store) ClearRefreshToken(_ context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[credKey{userID, provider}]
	if !ok {
		return storage.ErrNotFound
	}
	grant.EncryptedRefreshToken = ""
	grant.UpdatedAt = s.now()
	return nil
}

// AddUsage atomically adds units to the (userID, dayKey) record, creating it
// if absent. The whole get-or-create-and-add runs under the write lock.
func (s *Store) AddUsage(_ context.Context, userID, dayKey string, units int64, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey{userID, dayKey}
	rec, ok := s.quotas[key]
	if !ok {
		rec = &storage.QuotaRecord{
			UserID:         userID,
			DayKey:         dayKey,
			CategoryCounts: make(map[string]int64),
		}
		s.quotas[key] = rec
	}
	rec.UnitsUsed += units
	if category != "" {
		rec.CategoryCounts[category] += units
	}
	return nil
}

// GetUsage retrieves the record for (userID, dayKey), or storage.ErrNotFound.
func (s *Store) GetUsage(_ context.Context, userID, dayKey string) (*storage.QuotaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.quotas[quotaKey{userID, dayKey}]
	if !ok {
		return nil, storage.ErrNotFound
	}

	out := storage.QuotaRecord{
		UserID:         rec.UserID,
		DayKey:         rec.DayKey,
		UnitsUsed:      rec.UnitsUsed,
		CategoryCounts: make(map[string]int64, len(rec.CategoryCounts)),
	}
	for k, v := range rec.CategoryCounts {
		out.CategoryCounts[k] = v
	}
	return &out, nil
}

// SaveFlowState stores the CSRF state entry for a user, replacing any
// previous in-flight entry.
func (s *Store) SaveFlowState(_ context.Context, state *storage.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *state
	s.flows[state.UserID] = &stored
	return nil
}

// ConsumeFlowState atomically retrieves and deletes a user's state entry.
func (s *Store) ConsumeFlowState(_ context.Context, userID string) (*storage.FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.flows, userID)

	if flow.Expired(s.now()) {
		return nil, storage.ErrNotFound
	}
	f := *flow
	return &f, nil
}
