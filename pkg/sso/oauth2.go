package sso

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// oauthHTTPTimeout bounds every outbound token/userinfo/revocation call.
const oauthHTTPTimeout = 30 * time.Second

// tokenRefreshWindow is how close to expiry a session's access token may
// get before Validate triggers a refresh.
const tokenRefreshWindow = 300 * time.Second

// OAuth2Adapter implements the authorization-code flow (with optional PKCE
// and OIDC ID-token handling) for all configured OAuth2 providers.
type OAuth2Adapter struct {
	providers  map[string]*ProviderConfig
	discovered map[string]*oidc.Provider
	endpoints  map[string]oauth2.Endpoint
	states     StateStore
	tokens     *TokenValidator
	client     *http.Client
	log        *logrus.Logger
}

// NewOAuth2Adapter builds the adapter for the given providers, running OIDC
// discovery for any provider configured with only an issuer URL.
func NewOAuth2Adapter(ctx context.Context, configs []*ProviderConfig, states StateStore, log *logrus.Logger) (*OAuth2Adapter, error) {
	a := &OAuth2Adapter{
		providers:  make(map[string]*ProviderConfig),
		discovered: make(map[string]*oidc.Provider),
		endpoints:  make(map[string]oauth2.Endpoint),
		states:     states,
		tokens:     NewTokenValidator(),
		client:     &http.Client{Timeout: oauthHTTPTimeout},
		log:        log,
	}

	for _, cfg := range configs {
		if cfg.ProviderType != ProviderTypeOAuth2 {
			continue
		}
		oc := cfg.OAuth2Config
		if oc.AuthURL != "" {
			a.endpoints[cfg.ID] = oauth2.Endpoint{AuthURL: oc.AuthURL, TokenURL: oc.TokenURL}
		} else {
			provider, err := oidc.NewProvider(ctx, oc.IssuerURL)
			if err != nil {
				return nil, fmt.Errorf("OIDC discovery failed for provider %q: %w", cfg.ID, err)
			}
			a.discovered[cfg.ID] = provider
			a.endpoints[cfg.ID] = provider.Endpoint()
		}
		a.providers[cfg.ID] = cfg
	}
	return a, nil
}

// Initiate builds the authorization redirect URL and stores the protocol
// state keyed by the generated state token.
func (a *OAuth2Adapter) Initiate(ctx context.Context, providerID, redirectTo string) (string, error) {
	cfg, ok := a.providers[providerID]
	if !ok {
		return "", &ConfigurationError{Provider: providerID, Field: "provider",
			Reason: "not a configured oauth2 provider"}
	}
	oc := cfg.OAuth2Config

	state := randomToken(32)
	protoState := &ProtocolState{
		ID:         state,
		ProviderID: providerID,
		RedirectTo: redirectTo,
	}

	opts := []oauth2.AuthCodeOption{}
	if oc.UsePKCE {
		verifier := randomToken(32)
		protoState.PKCEVerifier = verifier
		challenge := sha256.Sum256([]byte(verifier))
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", base64.RawURLEncoding.EncodeToString(challenge[:])),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	if oc.ResponseMode != "" {
		opts = append(opts, oauth2.SetAuthURLParam("response_mode", oc.ResponseMode))
	}
	for k, v := range oc.CustomParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	if err := a.states.Put(ctx, protoState); err != nil {
		return "", fmt.Errorf("failed to store protocol state: %w", err)
	}

	return a.oauthConfig(cfg).AuthCodeURL(state, opts...), nil
}

// Complete consumes the callback state, exchanges the authorization code,
// and normalizes the external identity from either the ID token claims or
// the userinfo endpoint.
func (a *OAuth2Adapter) Complete(ctx context.Context, code, state string) (*ExternalIdentity, *TokenSet, string, error) {
	protoState, err := a.states.Consume(ctx, state)
	if err != nil {
		return nil, nil, "", err
	}

	cfg, ok := a.providers[protoState.ProviderID]
	if !ok {
		return nil, nil, "", &ConfigurationError{Provider: protoState.ProviderID, Field: "provider",
			Reason: "provider disappeared between initiate and callback"}
	}
	oc := cfg.OAuth2Config

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)

	opts := []oauth2.AuthCodeOption{}
	if protoState.PKCEVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", protoState.PKCEVerifier))
	}

	token, err := a.oauthConfig(cfg).Exchange(ctx, code, opts...)
	if err != nil {
		return nil, nil, "", protocolErr(CodeTokenExchangeFailed, "code exchange failed: %v", err)
	}

	var claims map[string]interface{}
	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		claims, err = a.tokens.Validate(rawIDToken, oc.IssuerURL, oc.ClientID)
	} else {
		claims, err = a.fetchUserinfo(ctx, cfg, token)
	}
	if err != nil {
		return nil, nil, "", err
	}

	identity := a.normalizeIdentity(cfg, claims)

	tokens := &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}

	a.log.WithFields(logrus.Fields{
		"provider":    cfg.ID,
		"external_id": identity.ExternalID,
	}).Debug("OAuth2 callback completed")

	return identity, tokens, protoState.RedirectTo, nil
}

// Refresh exchanges a refresh token for a fresh token set
func (a *OAuth2Adapter) Refresh(ctx context.Context, providerID, refreshToken string) (*TokenSet, error) {
	cfg, ok := a.providers[providerID]
	if !ok {
		return nil, &ConfigurationError{Provider: providerID, Field: "provider",
			Reason: "not a configured oauth2 provider"}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	source := a.oauthConfig(cfg).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, protocolErr(CodeTokenExchangeFailed, "refresh failed: %v", err)
	}

	// Some providers rotate the refresh token; keep the old one if not.
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}, nil
}

// Revoke attempts token revocation at the provider. Used for single logout;
// failures are reported but the caller never blocks local cleanup on them.
func (a *OAuth2Adapter) Revoke(ctx context.Context, providerID, token string) error {
	cfg, ok := a.providers[providerID]
	if !ok || cfg.OAuth2Config.RevocationURL == "" {
		return nil
	}
	oc := cfg.OAuth2Config

	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", oc.ClientID)
	if oc.ClientSecret != "" {
		form.Set("client_secret", oc.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oc.RevocationURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return protocolErr(CodeOAuthError, "failed to build revocation request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return protocolErr(CodeOAuthError, "revocation call failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return protocolErr(CodeOAuthError, "revocation returned status %d", resp.StatusCode)
	}
	return nil
}

// HasProvider reports whether the adapter was configured with providerID
func (a *OAuth2Adapter) HasProvider(providerID string) bool {
	_, ok := a.providers[providerID]
	return ok
}

func (a *OAuth2Adapter) oauthConfig(cfg *ProviderConfig) *oauth2.Config {
	oc := cfg.OAuth2Config
	return &oauth2.Config{
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		Endpoint:     a.endpoints[cfg.ID],
		RedirectURL:  oc.RedirectURL,
		Scopes:       oc.Scopes,
	}
}

func (a *OAuth2Adapter) fetchUserinfo(ctx context.Context, cfg *ProviderConfig, token *oauth2.Token) (map[string]interface{}, error) {
	// Discovered providers expose userinfo through the library; explicit
	// configs call the endpoint directly with the bearer token.
	if provider, ok := a.discovered[cfg.ID]; ok {
		info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
		if err != nil {
			return nil, protocolErr(CodeUserinfoFailed, "userinfo call failed: %v", err)
		}
		var claims map[string]interface{}
		if err := info.Claims(&claims); err != nil {
			return nil, protocolErr(CodeUserinfoFailed, "failed to decode userinfo claims: %v", err)
		}
		return claims, nil
	}

	if cfg.OAuth2Config.UserinfoURL == "" {
		return nil, protocolErr(CodeUserinfoFailed, "provider %q returned no id_token and has no userinfo endpoint", cfg.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.OAuth2Config.UserinfoURL, nil)
	if err != nil {
		return nil, protocolErr(CodeUserinfoFailed, "failed to build userinfo request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, protocolErr(CodeUserinfoFailed, "userinfo call failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, protocolErr(CodeUserinfoFailed, "userinfo returned status %d: %s", resp.StatusCode, body)
	}

	var claims map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, protocolErr(CodeUserinfoFailed, "failed to decode userinfo response: %v", err)
	}
	return claims, nil
}

func (a *OAuth2Adapter) normalizeIdentity(cfg *ProviderConfig, claims map[string]interface{}) *ExternalIdentity {
	m := cfg.AttributeMapping

	identity := &ExternalIdentity{
		ProviderType:  ProviderTypeOAuth2,
		ProviderID:    cfg.ID,
		RawAttributes: claims,
		ExternalID:    attrString(claims, m.ExternalID),
		Username:      attrString(claims, m.Username),
		Email:         attrString(claims, m.Email),
		DisplayName:   attrString(claims, m.DisplayName),
		FirstName:     attrString(claims, m.FirstName),
		LastName:      attrString(claims, m.LastName),
		Groups:        attrStrings(claims, m.Groups),
	}

	// sub is always carried through regardless of mapping
	if identity.ExternalID == "" {
		identity.ExternalID = attrString(claims, "sub")
	}
	if identity.Username == "" && identity.Email != "" {
		identity.Username = identity.Email
	}
	return identity
}

// randomToken returns n random bytes as unpadded base64url
func randomToken(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
