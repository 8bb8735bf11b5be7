// Package youtube implements the providers.Provider interface for Google
// OAuth with the YouTube Data API as the metered surface.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/krroki/Dhacle-sub006/providers"
)

const (
	defaultRevokeURL   = "https://oauth2.googleapis.com/revoke"
	defaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	defaultAPIBaseURL  = "https://www.googleapis.com/youtube/v3"

	// i18nRegions is the cheapest list endpoint in the Data API: cost 1
	// unit, works with an API key alone, no OAuth needed. Ideal for a
	// minimal-cost key validity probe.
	keyProbeCost = 1
)

// Provider implements providers.Provider for YouTube.
type Provider struct {
	config     *oauth2.Config
	httpClient *http.Client

	revokeURL   string
	userInfoURL string
	apiBaseURL  string
}

// Config holds YouTube OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// HTTPClient is an optional custom HTTP client. The default carries a
	// 30 second timeout.
	HTTPClient *http.Client

	// RevokeURL, UserInfoURL and APIBaseURL override the Google endpoints,
	// primarily for tests.
	RevokeURL   string
	UserInfoURL string
	APIBaseURL  string
}

// NewProvider creates a YouTube OAuth provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{
			"https://www.googleapis.com/auth/youtube.readonly",
			"https://www.googleapis.com/auth/userinfo.email",
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	p := &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		httpClient:  httpClient,
		revokeURL:   cfg.RevokeURL,
		userInfoURL: cfg.UserInfoURL,
		apiBaseURL:  cfg.APIBaseURL,
	}
	if p.revokeURL == "" {
		p.revokeURL = defaultRevokeURL
	}
	if p.userInfoURL == "" {
		p.userInfoURL = defaultUserInfoURL
	}
	if p.apiBaseURL == "" {
		p.apiBaseURL = defaultAPIBaseURL
	}
	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "youtube"
}

// AuthorizationURL builds the Google consent URL. Offline access plus forced
// consent ensures a refresh token is issued on every grant, not just the
// first one.
func (p *Provider) AuthorizationURL(state string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, classifyOAuthErr("exchange code", err)
	}
	return token, nil
}

// RefreshToken exchanges a refresh token for a fresh access token. A
// provider rejection (invalid_grant) comes back as a plain error; network
// failures wrap providers.ErrTransient so callers can distinguish them.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	source := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, classifyOAuthErr("refresh token", err)
	}
	return token, nil
}

// RevokeToken revokes a token at Google's revocation endpoint.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	data := url.Values{}
	data.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL,
		strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w: %v", providers.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token revocation failed with status %d", resp.StatusCode)
	}
	return nil
}

// UserInfo fetches the Google identity and the bound YouTube channel for an
// access token. The channel lookup is best-effort: an account without a
// channel still yields a usable identity.
func (p *Provider) UserInfo(ctx context.Context, accessToken string) (*providers.Identity, error) {
	token := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	client := p.config.Client(ctx, token)

	resp, err := client.Get(p.userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("get user info: %w: %v", providers.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var userInfo struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, fmt.Errorf("decode user info: %w", err)
	}

	identity := &providers.Identity{
		ID:    userInfo.ID,
		Email: userInfo.Email,
	}

	if channel, err := p.ownChannel(ctx, client); err != nil {
		// Channel-less Google accounts are common; log-worthy upstream,
		// not an error here.
		return identity, nil
	} else if channel != nil {
		identity.ChannelID = channel.ID
		identity.ChannelTitle = channel.Snippet.Title
	}
	return identity, nil
}

type channelItem struct {
	ID      string `json:"id"`
	Snippet struct {
		Title string `json:"title"`
	} `json:"snippet"`
}

// ownChannel fetches the authenticated user's own channel (cost 1 unit).
func (p *Provider) ownChannel(ctx context.Context, client *http.Client) (*channelItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.apiBaseURL+"/channels?part=snippet&mine=true", nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("channels request failed with status %d", resp.StatusCode)
	}

	var body struct {
		Items []channelItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Items) == 0 {
		return nil, nil
	}
	return &body.Items[0], nil
}

// CheckAPIKey probes the Data API with the raw key via the cheapest list
// endpoint (i18nRegions, 1 unit). 200 means the key works; a 4xx auth
// rejection means the key is invalid; transport failures wrap
// providers.ErrTransient and are NOT an invalidity verdict.
func (p *Provider) CheckAPIKey(ctx context.Context, rawKey string) (*providers.KeyCheck, error) {
	probeURL := fmt.Sprintf("%s/i18nRegions?part=snippet&key=%s", p.apiBaseURL, url.QueryEscape(rawKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build key probe request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key probe: %w: %v", providers.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return &providers.KeyCheck{
			UnitCost:  keyProbeCost,
			QuotaInfo: decodeQuotaInfo(resp.Body),
		}, nil

	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("api key rejected with status %d: %s",
			resp.StatusCode, apiErrorReason(resp.Body))

	default:
		// 5xx and anything else: the provider is unwell, not the key.
		return nil, fmt.Errorf("key probe failed with status %d: %w",
			resp.StatusCode, providers.ErrTransient)
	}
}

// decodeQuotaInfo passes through provider-exposed usage metadata from a
// successful probe response. YouTube does not report remaining quota in the
// body, so this typically carries only the item count and probe cost.
func decodeQuotaInfo(body io.Reader) map[string]any {
	var payload struct {
		PageInfo map[string]any `json:"pageInfo"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil
	}
	if payload.PageInfo == nil {
		return nil
	}
	return map[string]any{"pageInfo": payload.PageInfo}
}

// apiErrorReason extracts the error reason from a Data API error body.
func apiErrorReason(body io.Reader) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Errors  []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return "unknown"
	}
	if len(payload.Error.Errors) > 0 && payload.Error.Errors[0].Reason != "" {
		return payload.Error.Errors[0].Reason
	}
	if payload.Error.Message != "" {
		return payload.Error.Message
	}
	return "unknown"
}

// classifyOAuthErr separates provider verdicts from network failures on
// token endpoint calls. oauth2.RetrieveError means the provider answered
// (and said no); anything else is transport-level and wraps ErrTransient.
func classifyOAuthErr(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%s: provider rejected request: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, providers.ErrTransient, err)
}
