package sso

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oauthTestServer fakes the provider's token, userinfo, and revocation
// endpoints.
type oauthTestServer struct {
	*httptest.Server
	tokenResponse   map[string]interface{}
	tokenStatus     int
	lastTokenForm   url.Values
	userinfoClaims  map[string]interface{}
	revokeStatus    int
	lastRevokeForm  url.Values
	userinfoCalled  bool
	revocationCalls int
}

func newOAuthTestServer(t *testing.T) *oauthTestServer {
	t.Helper()
	s := &oauthTestServer{
		tokenStatus:  http.StatusOK,
		revokeStatus: http.StatusOK,
		tokenResponse: map[string]interface{}{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		},
		userinfoClaims: map[string]interface{}{
			"sub":   "ext-7",
			"email": "jdoe@example.com",
			"name":  "Jane Doe",
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		s.lastTokenForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		if s.tokenStatus != http.StatusOK {
			w.WriteHeader(s.tokenStatus)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		json.NewEncoder(w).Encode(s.tokenResponse)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		s.userinfoCalled = true
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.userinfoClaims)
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		s.lastRevokeForm = r.PostForm
		s.revocationCalls++
		w.WriteHeader(s.revokeStatus)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *oauthTestServer) providerConfig(id string) *ProviderConfig {
	return &ProviderConfig{
		ID:           id,
		ProviderType: ProviderTypeOAuth2,
		Enabled:      true,
		AttributeMapping: AttributeMap{
			Email:       "email",
			DisplayName: "name",
		},
		OAuth2Config: &OAuth2ProviderConfig{
			ClientID:      "client-1",
			ClientSecret:  "secret",
			AuthURL:       s.URL + "/auth",
			TokenURL:      s.URL + "/token",
			UserinfoURL:   s.URL + "/userinfo",
			RevocationURL: s.URL + "/revoke",
			RedirectURL:   "https://sp.corp.example.com/sso/oauth2/callback",
			Scopes:        []string{"openid", "email", "profile"},
			UsePKCE:       true,
		},
	}
}

func newTestOAuth2Adapter(t *testing.T, cfgs ...*ProviderConfig) (*OAuth2Adapter, *MemoryStateStore) {
	t.Helper()
	states := NewMemoryStateStore()
	adapter, err := NewOAuth2Adapter(context.Background(), cfgs, states, discardLogger())
	require.NoError(t, err)
	return adapter, states
}

func TestOAuth2InitiateBuildsAuthURL(t *testing.T) {
	server := newOAuthTestServer(t)
	adapter, states := newTestOAuth2Adapter(t, server.providerConfig("acme"))

	authURL, err := adapter.Initiate(context.Background(), "acme", "/dashboard")
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	query := parsed.Query()
	assert.Equal(t, "client-1", query.Get("client_id"))
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "S256", query.Get("code_challenge_method"))
	assert.Contains(t, query.Get("scope"), "openid")

	// The challenge must be the S256 transform of the stored verifier.
	state, err := states.Consume(context.Background(), query.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "/dashboard", state.RedirectTo)
	require.NotEmpty(t, state.PKCEVerifier)
	sum := sha256.Sum256([]byte(state.PKCEVerifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), query.Get("code_challenge"))
}

func TestOAuth2InitiateUnknownProvider(t *testing.T) {
	server := newOAuthTestServer(t)
	adapter, _ := newTestOAuth2Adapter(t, server.providerConfig("acme"))

	_, err := adapter.Initiate(context.Background(), "nope", "/")
	assert.Error(t, err)
}

func TestOAuth2CompleteUserinfoPath(t *testing.T) {
	server := newOAuthTestServer(t)
	adapter, _ := newTestOAuth2Adapter(t, server.providerConfig("acme"))
	ctx := context.Background()

	authURL, err := adapter.Initiate(ctx, "acme", "/dashboard")
	require.NoError(t, err)
	state := queryParam(t, authURL, "state")

	identity, tokens, redirectTo, err := adapter.Complete(ctx, "auth-code-1", state)
	require.NoError(t, err)

	assert.Equal(t, "/dashboard", redirectTo)
	assert.Equal(t, ProviderTypeOAuth2, identity.ProviderType)
	assert.Equal(t, "acme", identity.ProviderID)
	assert.Equal(t, "ext-7", identity.ExternalID)
	assert.Equal(t, "jdoe@example.com", identity.Email)
	assert.Equal(t, "jdoe@example.com", identity.Username)
	assert.Equal(t, "Jane Doe", identity.DisplayName)
	assert.True(t, server.userinfoCalled)

	assert.Equal(t, "at-1", tokens.AccessToken)
	assert.Equal(t, "rt-1", tokens.RefreshToken)

	// The exchange must carry the PKCE verifier.
	assert.Equal(t, "auth-code-1", server.lastTokenForm.Get("code"))
	assert.NotEmpty(t, server.lastTokenForm.Get("code_verifier"))
}

func TestOAuth2CompleteIDTokenPath(t *testing.T) {
	server := newOAuthTestServer(t)
	cfg := server.providerConfig("acme")
	cfg.OAuth2Config.UserinfoURL = ""
	adapter, _ := newTestOAuth2Adapter(t, cfg)
	ctx := context.Background()

	server.tokenResponse["id_token"] = makeIDToken(t, map[string]interface{}{
		"sub":   "oidc-user-9",
		"aud":   "client-1",
		"email": "oidc@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	authURL, err := adapter.Initiate(ctx, "acme", "/")
	require.NoError(t, err)

	identity, _, _, err := adapter.Complete(ctx, "code", queryParam(t, authURL, "state"))
	require.NoError(t, err)
	assert.Equal(t, "oidc-user-9", identity.ExternalID)
	assert.Equal(t, "oidc@example.com", identity.Email)
	assert.False(t, server.userinfoCalled, "id_token claims must win over userinfo")
}

func TestOAuth2CompleteStateReplay(t *testing.T) {
	server := newOAuthTestServer(t)
	adapter, _ := newTestOAuth2Adapter(t, server.providerConfig("acme"))
	ctx := context.Background()

	authURL, err := adapter.Initiate(ctx, "acme", "/")
	require.NoError(t, err)
	state := queryParam(t, authURL, "state")

	_, _, _, err = adapter.Complete(ctx, "code", state)
	require.NoError(t, err)

	_, _, _, err = adapter.Complete(ctx, "code", state)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidState, FailureCode(err))
}

func TestOAuth2CompleteUnknownState(t *testing.T) {
	server := newOAuthTestServer(t)
	adapter, _ := newTestOAuth2Adapter(t, server.providerConfig("acme"))

	_, _, _, err := adapter.Complete(context.Background(), "code", "forged-state")
	require.Error(t, err)
	assert.Equal(t, CodeInvalidState, FailureCode(err))
}

func TestOAuth2CompleteExchangeFailure(t *testing.T) {
	server := newOAuthTestServer(t)
	adapter, _ := newTestOAuth2Adapter(t, server.providerConfig("acme"))
	ctx := context.Background()
	server.tokenStatus = http.StatusBadRequest

	authURL, err := adapter.Initiate(ctx, "acme", "/")
	require.NoError(t, err)

	_, _, _, err = adapter.Complete(ctx, "bad-code", queryParam(t, authURL, "state"))
	require.Error(t, err)
	assert.Equal(t, CodeTokenExchangeFailed, FailureCode(err))
}

func TestOAuth2RefreshKeepsRefreshToken(t *testing.T) {
	server := newOAuthTestServer(t)
	adapter, _ := newTestOAuth2Adapter(t, server.providerConfig("acme"))

	// Provider does not rotate the refresh token.
	server.tokenResponse = map[string]interface{}{
		"access_token": "at-2",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}

	tokens, err := adapter.Refresh(context.Background(), "acme", "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", tokens.AccessToken)
	assert.Equal(t, "rt-1", tokens.RefreshToken)
}

func TestOAuth2Revoke(t *testing.T) {
	server := newOAuthTestServer(t)
	adapter, _ := newTestOAuth2Adapter(t, server.providerConfig("acme"))
	ctx := context.Background()

	require.NoError(t, adapter.Revoke(ctx, "acme", "at-1"))
	assert.Equal(t, 1, server.revocationCalls)
	assert.Equal(t, "at-1", server.lastRevokeForm.Get("token"))
	assert.Equal(t, "client-1", server.lastRevokeForm.Get("client_id"))

	server.revokeStatus = http.StatusForbidden
	err := adapter.Revoke(ctx, "acme", "at-1")
	require.Error(t, err)
	assert.Equal(t, CodeOAuthError, FailureCode(err))
}

func TestOAuth2RevokeWithoutEndpoint(t *testing.T) {
	server := newOAuthTestServer(t)
	cfg := server.providerConfig("acme")
	cfg.OAuth2Config.RevocationURL = ""
	adapter, _ := newTestOAuth2Adapter(t, cfg)

	assert.NoError(t, adapter.Revoke(context.Background(), "acme", "at-1"))
}

func queryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	value := parsed.Query().Get(key)
	require.NotEmpty(t, value)
	return value
}
