package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krroki/Dhacle-sub006/storage"
)

func TestCredentialRoundTrip(t *testing.T) {
	s := NewStore(setupTestDB(t))
	ctx := context.Background()

	_, err := s.GetCredential(ctx, "user-1", "youtube")
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = s.UpsertCredential(ctx, &storage.Credential{
		OwnerID:         "user-1",
		ServiceName:     "youtube",
		EncryptedSecret: "blob-1",
		MaskedSecret:    "AIzaSyB-…efgh",
		IsActive:        true,
		IsValid:         true,
	})
	require.NoError(t, err)

	cred, err := s.GetCredential(ctx, "user-1", "youtube")
	require.NoError(t, err)
	assert.Equal(t, "blob-1", cred.EncryptedSecret)
	assert.Equal(t, "AIzaSyB-…efgh", cred.MaskedSecret)
	assert.True(t, cred.IsActive)
	assert.True(t, cred.IsValid)
	require.False(t, cred.CreatedAt.IsZero())
	firstCreated := cred.CreatedAt

	// Replacing keeps the original created_at.
	err = s.UpsertCredential(ctx, &storage.Credential{
		OwnerID:         "user-1",
		ServiceName:     "youtube",
		EncryptedSecret: "blob-2",
		IsActive:        true,
		IsValid:         true,
	})
	require.NoError(t, err)

	cred, err = s.GetCredential(ctx, "user-1", "youtube")
	require.NoError(t, err)
	assert.Equal(t, "blob-2", cred.EncryptedSecret)
	assert.Equal(t, firstCreated, cred.CreatedAt)
}

func TestSetCredentialStatus(t *testing.T) {
	s := NewStore(setupTestDB(t))
	ctx := context.Background()

	err := s.SetCredentialStatus(ctx, "nobody", "youtube", false, false)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.UpsertCredential(ctx, &storage.Credential{
		OwnerID: "user-1", ServiceName: "youtube",
		EncryptedSecret: "blob", IsActive: true, IsValid: true,
	}))

	require.NoError(t, s.SetCredentialStatus(ctx, "user-1", "youtube", false, true))

	cred, err := s.GetCredential(ctx, "user-1", "youtube")
	require.NoError(t, err)
	assert.False(t, cred.IsActive)
	assert.True(t, cred.IsValid)
}

func TestGrantRoundTrip(t *testing.T) {
	s := NewStore(setupTestDB(t))
	ctx := context.Background()

	expiry := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, s.SaveGrant(ctx, &storage.Grant{
		UserID:                "user-1",
		Provider:              "youtube",
		EncryptedAccessToken:  "enc-access",
		EncryptedRefreshToken: "enc-refresh",
		ExpiresAt:             expiry,
		Scope:                 "youtube.readonly",
		Identity:              `{"id":"chan-1"}`,
	}))

	grant, err := s.GetGrant(ctx, "user-1", "youtube")
	require.NoError(t, err)
	assert.Equal(t, "enc-access", grant.EncryptedAccessToken)
	assert.Equal(t, "enc-refresh", grant.EncryptedRefreshToken)
	assert.True(t, grant.ExpiresAt.Equal(expiry))
	assert.Equal(t, `{"id":"chan-1"}`, grant.Identity)
	assert.False(t, grant.Revoked())

	// Saving again replaces the row.
	require.NoError(t, s.SaveGrant(ctx, &storage.Grant{
		UserID:               "user-1",
		Provider:             "youtube",
		EncryptedAccessToken: "enc-access-2",
		ExpiresAt:            expiry.Add(time.Hour),
	}))

	grant, err = s.GetGrant(ctx, "user-1", "youtube")
	require.NoError(t, err)
	assert.Equal(t, "enc-access-2", grant.EncryptedAccessToken)
	assert.Empty(t, grant.EncryptedRefreshToken)
}

func TestClearRefreshToken(t *testing.T) {
	s := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.ErrorIs(t, s.ClearRefreshToken(ctx, "nobody", "youtube"), storage.ErrNotFound)

	require.NoError(t, s.SaveGrant(ctx, &storage.Grant{
		UserID: "user-1", Provider: "youtube",
		EncryptedAccessToken:  "enc-access",
		EncryptedRefreshToken: "enc-refresh",
	}))
	require.NoError(t, s.ClearRefreshToken(ctx, "user-1", "youtube"))

	grant, err := s.GetGrant(ctx, "user-1", "youtube")
	require.NoError(t, err)
	assert.Empty(t, grant.EncryptedRefreshToken)
	assert.Equal(t, "enc-access", grant.EncryptedAccessToken)
}

func TestClearGrantKeepsRow(t *testing.T) {
	s := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, s.SaveGrant(ctx, &storage.Grant{
		UserID: "user-1", Provider: "youtube",
		EncryptedAccessToken: "enc-access",
		ExpiresAt:            time.Now().Add(time.Hour),
		Identity:             `{"id":"chan-1"}`,
	}))
	require.NoError(t, s.ClearGrant(ctx, "user-1", "youtube"))

	grant, err := s.GetGrant(ctx, "user-1", "youtube")
	require.NoError(t, err)
	assert.True(t, grant.Revoked())
	assert.Empty(t, grant.Identity)
	assert.True(t, grant.ExpiresAt.IsZero())

	// Clearing a missing grant is not an error.
	require.NoError(t, s.ClearGrant(ctx, "nobody", "youtube"))
}

func TestAddUsageAtomicIncrement(t *testing.T) {
	s := NewStore(setupTestDB(t))
	ctx := context.Background()

	const workers = 10
	const perWorker = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if err := s.AddUsage(ctx, "user-1", "2026-03-01", 5, "search"); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	rec, err := s.GetUsage(ctx, "user-1", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker*5), rec.UnitsUsed)
	assert.Equal(t, int64(workers*perWorker*5), rec.CategoryCounts["search"])
}

func TestUsageCategories(t *testing.T) {
	s := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, s.AddUsage(ctx, "user-1", "2026-03-01", 100, "search"))
	require.NoError(t, s.AddUsage(ctx, "user-1", "2026-03-01", 1, "videos"))
	require.NoError(t, s.AddUsage(ctx, "user-1", "2026-03-01", 1, "videos"))
	require.NoError(t, s.AddUsage(ctx, "user-1", "2026-03-01", 3, ""))

	rec, err := s.GetUsage(ctx, "user-1", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, int64(105), rec.UnitsUsed)
	assert.Equal(t, int64(100), rec.CategoryCounts["search"])
	assert.Equal(t, int64(2), rec.CategoryCounts["videos"])
	// Uncategorized units count toward the total only.
	assert.Len(t, rec.CategoryCounts, 2)
}

func TestGetUsageMissingDay(t *testing.T) {
	s := NewStore(setupTestDB(t))
	_, err := s.GetUsage(context.Background(), "user-1", "2026-03-01")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumeFlowStateOneTime(t *testing.T) {
	s := NewStore(setupTestDB(t))
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveFlowState(ctx, &storage.FlowState{
		UserID:    "user-1",
		State:     "state-token",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}))

	flow, err := s.ConsumeFlowState(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "state-token", flow.State)

	_, err = s.ConsumeFlowState(ctx, "user-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumeFlowStateExpired(t *testing.T) {
	s := NewStore(setupTestDB(t))
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveFlowState(ctx, &storage.FlowState{
		UserID:    "user-1",
		State:     "state-token",
		CreatedAt: now.Add(-20 * time.Minute),
		ExpiresAt: now.Add(-10 * time.Minute),
	}))

	_, err := s.ConsumeFlowState(ctx, "user-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumeFlowStateConcurrent(t *testing.T) {
	s := NewStore(setupTestDB(t))
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveFlowState(ctx, &storage.FlowState{
		UserID:    "user-1",
		State:     "state-token",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}))

	const callers = 10
	wins := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeFlowState(ctx, "user-1")
			wins <- err == nil
		}()
	}
	wg.Wait()
	close(wins)

	// Exactly one concurrent callback wins the state.
	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)
}
