package apikeys

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krroki/Dhacle-sub006/providers"
	"github.com/krroki/Dhacle-sub006/providers/mock"
	"github.com/krroki/Dhacle-sub006/security"
	"github.com/krroki/Dhacle-sub006/storage"
	"github.com/krroki/Dhacle-sub006/storage/memory"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestValidator(t *testing.T, provider *mock.Provider) (*Validator, *memory.Store) {
	t.Helper()

	vault, err := security.NewVault(testKey)
	require.NoError(t, err)

	store := memory.New(nil)
	t.Cleanup(func() { store.Close() })

	return NewValidator(provider, vault, store, nil, nil), store
}

func TestValidateStoresEncryptedKey(t *testing.T) {
	provider := mock.New()
	provider.CheckAPIKeyFunc = func(ctx context.Context, rawKey string) (*providers.KeyCheck, error) {
		return &providers.KeyCheck{
			UnitCost:  1,
			QuotaInfo: map[string]any{"totalResults": float64(249)},
		}, nil
	}

	v, store := newTestValidator(t, provider)
	ctx := context.Background()

	const rawKey = "AIzaSyB-1234567890abcdefgh"
	result, err := v.Validate(ctx, "user-1", rawKey)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.ErrorCode)
	assert.Equal(t, "AIzaSyB-…efgh", result.MaskedKey)
	assert.Equal(t, int64(1), result.UnitCost)
	assert.Equal(t, float64(249), result.QuotaInfo["totalResults"])

	cred, err := store.GetCredential(ctx, "user-1", "mock")
	require.NoError(t, err)
	assert.True(t, cred.IsActive)
	assert.True(t, cred.IsValid)
	// The stored secret is the encrypted blob, never the raw key.
	assert.NotEqual(t, rawKey, cred.EncryptedSecret)
	assert.NotContains(t, cred.EncryptedSecret, rawKey)
	assert.Equal(t, "AIzaSyB-…efgh", cred.MaskedSecret)
}

func TestValidatePropagatesUnitCost(t *testing.T) {
	provider := mock.New()
	provider.CheckAPIKeyFunc = func(ctx context.Context, rawKey string) (*providers.KeyCheck, error) {
		return &providers.KeyCheck{UnitCost: 3}, nil
	}

	v, _ := newTestValidator(t, provider)

	result, err := v.Validate(context.Background(), "user-1", "AIzaSyB-1234567890abcdefgh")
	require.NoError(t, err)
	require.True(t, result.IsValid)
	// Callers charge quota by what the probe actually cost.
	assert.Equal(t, int64(3), result.UnitCost)
}

func TestValidateRejectedKey(t *testing.T) {
	provider := mock.New()
	provider.CheckAPIKeyFunc = func(ctx context.Context, rawKey string) (*providers.KeyCheck, error) {
		return nil, fmt.Errorf("provider rejected key: keyInvalid")
	}

	v, store := newTestValidator(t, provider)
	ctx := context.Background()

	result, err := v.Validate(ctx, "user-1", "bad-key-000000")
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, ErrorCodeInvalidKey, result.ErrorCode)

	// Nothing stored for a key that never validated.
	_, err = store.GetCredential(ctx, "user-1", "mock")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestValidateRejectionMarksStoredKeyInvalid(t *testing.T) {
	provider := mock.New()
	v, store := newTestValidator(t, provider)
	ctx := context.Background()

	// First a good validation stores the key.
	_, err := v.Validate(ctx, "user-1", "AIzaSyB-1234567890abcdefgh")
	require.NoError(t, err)

	// The provider later rejects a re-validation.
	provider.CheckAPIKeyFunc = func(ctx context.Context, rawKey string) (*providers.KeyCheck, error) {
		return nil, fmt.Errorf("provider rejected key: keyExpired")
	}
	result, err := v.Validate(ctx, "user-1", "AIzaSyB-1234567890abcdefgh")
	require.NoError(t, err)
	assert.False(t, result.IsValid)

	cred, err := store.GetCredential(ctx, "user-1", "mock")
	require.NoError(t, err)
	assert.False(t, cred.IsValid)
	assert.True(t, cred.IsActive)
}

func TestValidateTransientFailure(t *testing.T) {
	provider := mock.New()
	provider.CheckAPIKeyFunc = func(ctx context.Context, rawKey string) (*providers.KeyCheck, error) {
		return nil, fmt.Errorf("%w: connection reset", providers.ErrTransient)
	}

	v, store := newTestValidator(t, provider)
	ctx := context.Background()

	result, err := v.Validate(ctx, "user-1", "AIzaSyB-1234567890abcdefgh")
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	// A network failure is not a verdict: the distinct error code lets the
	// caller retry instead of discarding the key.
	assert.Equal(t, ErrorCodeTransientError, result.ErrorCode)

	_, err = store.GetCredential(ctx, "user-1", "mock")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestValidateTransientDoesNotInvalidateStoredKey(t *testing.T) {
	provider := mock.New()
	v, store := newTestValidator(t, provider)
	ctx := context.Background()

	_, err := v.Validate(ctx, "user-1", "AIzaSyB-1234567890abcdefgh")
	require.NoError(t, err)

	provider.CheckAPIKeyFunc = func(ctx context.Context, rawKey string) (*providers.KeyCheck, error) {
		return nil, fmt.Errorf("%w: timeout", providers.ErrTransient)
	}
	_, err = v.Validate(ctx, "user-1", "AIzaSyB-1234567890abcdefgh")
	require.NoError(t, err)

	cred, err := store.GetCredential(ctx, "user-1", "mock")
	require.NoError(t, err)
	assert.True(t, cred.IsValid)
}

func TestValidateEmptyKey(t *testing.T) {
	provider := mock.New()
	v, _ := newTestValidator(t, provider)

	result, err := v.Validate(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, ErrorCodeInvalidKey, result.ErrorCode)
	// No provider round-trip for an empty key.
	assert.Zero(t, provider.CallCount("CheckAPIKey"))
}

func TestStoredKey(t *testing.T) {
	provider := mock.New()
	v, store := newTestValidator(t, provider)
	ctx := context.Background()

	masked, hasKey := v.StoredKey(ctx, "user-1")
	assert.False(t, hasKey)
	assert.Empty(t, masked)

	_, err := v.Validate(ctx, "user-1", "AIzaSyB-1234567890abcdefgh")
	require.NoError(t, err)

	masked, hasKey = v.StoredKey(ctx, "user-1")
	assert.True(t, hasKey)
	assert.Equal(t, "AIzaSyB-…efgh", masked)

	// A soft-disabled credential reads as no key.
	require.NoError(t, store.SetCredentialStatus(ctx, "user-1", "mock", false, true))
	_, hasKey = v.StoredKey(ctx, "user-1")
	assert.False(t, hasKey)
}
