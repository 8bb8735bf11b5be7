// Package mock provides a mock implementation of the Provider interface for
// testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/krroki/Dhacle-sub006/providers"
)

// Provider is a configurable mock of providers.Provider. Each method
// delegates to its Func field and counts calls, so tests can assert exactly
// how many provider round-trips happened (the single-flight tests depend on
// this).
type Provider struct {
	NameFunc             func() string
	AuthorizationURLFunc func(state string) string
	ExchangeCodeFunc     func(ctx context.Context, code string) (*oauth2.Token, error)
	RefreshTokenFunc     func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	RevokeTokenFunc      func(ctx context.Context, token string) error
	UserInfoFunc         func(ctx context.Context, accessToken string) (*providers.Identity, error)
	CheckAPIKeyFunc      func(ctx context.Context, rawKey string) (*providers.KeyCheck, error)

	mu         sync.RWMutex
	callCounts map[string]int
}

// New creates a mock provider with working defaults.
func New() *Provider {
	return &Provider{
		callCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string) string {
			return "https://mock.example.com/authorize?state=" + state
		},
		ExchangeCodeFunc: func(ctx context.Context, code string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "mock-access-token",
				RefreshToken: "mock-refresh-token",
				TokenType:    "Bearer",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		RefreshTokenFunc: func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "new-mock-access-token",
				RefreshToken: "new-mock-refresh-token",
				TokenType:    "Bearer",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		RevokeTokenFunc: func(ctx context.Context, token string) error {
			return nil
		},
		UserInfoFunc: func(ctx context.Context, accessToken string) (*providers.Identity, error) {
			return &providers.Identity{
				ID:           "mock-user-123",
				Email:        "mock@example.com",
				ChannelID:    "UCmockchannel",
				ChannelTitle: "Mock Channel",
			}, nil
		},
		CheckAPIKeyFunc: func(ctx context.Context, rawKey string) (*providers.KeyCheck, error) {
			return &providers.KeyCheck{UnitCost: 1}, nil
		},
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	// Lock only to bump the counter and read the func reference; the user
	// func runs without the lock so it may call other mock methods.
	p.mu.Lock()
	p.callCounts["Name"]++
	fn := p.NameFunc
	p.mu.Unlock()

	if fn == nil {
		return "mock"
	}
	return fn()
}

// AuthorizationURL builds a fake consent URL.
func (p *Provider) AuthorizationURL(state string) string {
	p.mu.Lock()
	p.callCounts["AuthorizationURL"]++
	fn := p.AuthorizationURLFunc
	p.mu.Unlock()

	if fn == nil {
		return "https://mock.example.com/authorize?state=" + state
	}
	return fn(state)
}

// ExchangeCode exchanges a code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	p.mu.Lock()
	p.callCounts["ExchangeCode"]++
	fn := p.ExchangeCodeFunc
	p.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return fn(ctx, code)
}

// RefreshToken refreshes an access token.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	p.mu.Lock()
	p.callCounts["RefreshToken"]++
	fn := p.RefreshTokenFunc
	p.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("RefreshTokenFunc not configured")
	}
	return fn(ctx, refreshToken)
}

// RevokeToken revokes a token.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	p.mu.Lock()
	p.callCounts["RevokeToken"]++
	fn := p.RevokeTokenFunc
	p.mu.Unlock()

	if fn == nil {
		return fmt.Errorf("RevokeTokenFunc not configured")
	}
	return fn(ctx, token)
}

// UserInfo returns the mock identity.
func (p *Provider) UserInfo(ctx context.Context, accessToken string) (*providers.Identity, error) {
	p.mu.Lock()
	p.callCounts["UserInfo"]++
	fn := p.UserInfoFunc
	p.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("UserInfoFunc not configured")
	}
	return fn(ctx, accessToken)
}

// CheckAPIKey probes the mock metered API.
func (p *Provider) CheckAPIKey(ctx context.Context, rawKey string) (*providers.KeyCheck, error) {
	p.mu.Lock()
	p.callCounts["CheckAPIKey"]++
	fn := p.CheckAPIKeyFunc
	p.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("CheckAPIKeyFunc not configured")
	}
	return fn(ctx, rawKey)
}

// CallCount returns how many times a method was called.
func (p *Provider) CallCount(method string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.callCounts[method]
}

// ResetCallCounts resets all call counters.
func (p *Provider) ResetCallCounts() {
	p.mu.Lock()
	p.callCounts = make(map[string]int)
	p.mu.Unlock()
}
