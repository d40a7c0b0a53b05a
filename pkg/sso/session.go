package sso

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudmoat/idbridge/pkg/audit"
	"github.com/cloudmoat/idbridge/pkg/events"
)

const (
	// SessionCookieName is the browser cookie carrying the session ID
	SessionCookieName = "idbridge_session"

	// DefaultSessionLifetime applies when no lifetime is configured
	DefaultSessionLifetime = 8 * time.Hour
)

// tokenRefresher refreshes and revokes provider-side OAuth2 tokens. The
// OAuth2Adapter satisfies it; tests substitute a fake.
type tokenRefresher interface {
	Refresh(ctx context.Context, providerID, refreshToken string) (*TokenSet, error)
	Revoke(ctx context.Context, providerID, token string) error
}

// sloInitiator builds the IdP-bound logout redirect for SAML single logout
type sloInitiator interface {
	BuildLogoutRequestURL(nameID, sessionIndex string) (string, error)
}

// SessionManager owns the session lifecycle: creation after a successful
// login, validation on every request, silent OAuth2 token refresh, and
// logout including provider-side single logout.
type SessionManager struct {
	sessions  SessionStore
	providers ProviderStore
	oauth     tokenRefresher
	saml      sloInitiator
	bus       *events.Bus
	audit     audit.Logger
	log       *logrus.Logger
	lifetime  time.Duration
	now       func() time.Time
}

// NewSessionManager creates a session manager. oauth and saml may be nil
// when no provider of that family is configured.
func NewSessionManager(sessions SessionStore, providers ProviderStore, oauth tokenRefresher, saml sloInitiator, bus *events.Bus, auditLog audit.Logger, log *logrus.Logger, lifetime time.Duration) *SessionManager {
	if lifetime <= 0 {
		lifetime = DefaultSessionLifetime
	}
	return &SessionManager{
		sessions:  sessions,
		providers: providers,
		oauth:     oauth,
		saml:      saml,
		bus:       bus,
		audit:     auditLog,
		log:       log,
		lifetime:  lifetime,
		now:       time.Now,
	}
}

// Create opens a session for a resolved account and sets the session
// cookie on the response.
func (m *SessionManager) Create(ctx context.Context, w http.ResponseWriter, r *http.Request, account *Account, cfg *ProviderConfig, identity *ExternalIdentity, tokens *TokenSet) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := m.now()
	session := &Session{
		ID:           id,
		UserID:       account.ID,
		ProviderType: cfg.ProviderType,
		ProviderID:   cfg.ID,
		ExternalID:   identity.ExternalID,
		SessionIndex: identity.SessionIndex,
		Attributes:   identity.RawAttributes,
		IP:           r.RemoteAddr,
		UserAgent:    r.UserAgent(),
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.lifetime),
		LastActivity: now,
	}
	if tokens != nil {
		session.AccessToken = tokens.AccessToken
		session.RefreshToken = tokens.RefreshToken
		if !tokens.Expiry.IsZero() {
			expiry := tokens.Expiry
			session.TokenExpires = &expiry
		}
	}

	if err := m.sessions.Insert(ctx, session); err != nil {
		return nil, err
	}
	m.setCookie(w, r, session.ID, session.ExpiresAt)

	m.log.WithFields(logrus.Fields{
		"user_id":     account.ID,
		"provider_id": cfg.ID,
	}).Info("Session created")
	m.audit.Log(ctx, audit.Event{
		Type:     audit.EventSessionCreated,
		Category: audit.CategorySession,
		Severity: audit.SeverityInfo,
		Context: map[string]interface{}{
			"user_id":     account.ID,
			"provider_id": cfg.ID,
			"ip":          session.IP,
		},
	})
	return session, nil
}

// Validate checks the session cookie on an incoming request. Expired or
// unknown sessions clear the cookie and fail with a SessionError. Valid
// sessions get their activity timestamp bumped, and OAuth2 sessions whose
// access token is near expiry are refreshed in place.
func (m *SessionManager) Validate(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, &SessionError{Code: CodeSessionNotFound}
	}

	session, err := m.sessions.Get(ctx, cookie.Value)
	if err != nil {
		return nil, err
	}
	if session == nil {
		m.clearCookie(w, r)
		return nil, &SessionError{Code: CodeSessionNotFound}
	}
	if m.now().After(session.ExpiresAt) {
		if err := m.sessions.Delete(ctx, session.ID); err != nil {
			m.log.WithError(err).Warn("Failed to delete expired session")
		}
		m.clearCookie(w, r)
		m.audit.Log(ctx, audit.Event{
			Type:     audit.EventSessionExpired,
			Category: audit.CategorySession,
			Severity: audit.SeverityInfo,
			Context:  map[string]interface{}{"user_id": session.UserID},
		})
		return nil, &SessionError{Code: CodeSessionExpired}
	}

	if err := m.sessions.UpdateActivity(ctx, session.ID, m.now()); err != nil {
		m.log.WithError(err).Warn("Failed to update session activity")
	}
	m.maybeRefreshTokens(ctx, session)
	return session, nil
}

// maybeRefreshTokens renews the provider access token when it expires
// within the refresh window. Refresh failures are logged, never fatal; the
// local session outlives the provider token.
func (m *SessionManager) maybeRefreshTokens(ctx context.Context, session *Session) {
	if m.oauth == nil || session.ProviderType != ProviderTypeOAuth2 {
		return
	}
	if session.RefreshToken == "" || session.TokenExpires == nil {
		return
	}
	if m.now().Add(tokenRefreshWindow).Before(*session.TokenExpires) {
		return
	}

	tokens, err := m.oauth.Refresh(ctx, session.ProviderID, session.RefreshToken)
	if err != nil {
		m.log.WithError(err).WithField("provider_id", session.ProviderID).
			Warn("Failed to refresh provider tokens")
		return
	}
	if err := m.sessions.UpdateTokens(ctx, session.ID, tokens); err != nil {
		m.log.WithError(err).Warn("Failed to persist refreshed tokens")
		return
	}
	session.AccessToken = tokens.AccessToken
	session.RefreshToken = tokens.RefreshToken
	if !tokens.Expiry.IsZero() {
		expiry := tokens.Expiry
		session.TokenExpires = &expiry
	}
}

// Logout terminates a session. Local cleanup always happens; provider-side
// single logout is best effort. For SAML with SLO enabled the returned URL
// is the IdP logout redirect, otherwise "".
func (m *SessionManager) Logout(ctx context.Context, w http.ResponseWriter, r *http.Request, session *Session) (string, error) {
	var sloURL string
	cfg, err := m.providers.Get(ctx, session.ProviderID)
	if err != nil {
		m.log.WithError(err).WithField("provider_id", session.ProviderID).
			Warn("Failed to load provider for logout")
	}

	if cfg != nil && cfg.SingleLogout {
		switch session.ProviderType {
		case ProviderTypeSAML:
			if m.saml != nil {
				sloURL, err = m.saml.BuildLogoutRequestURL(session.ExternalID, session.SessionIndex)
				if err != nil {
					m.remoteLogoutFailed(ctx, session, err)
					sloURL = ""
				}
			}
		case ProviderTypeOAuth2:
			if m.oauth != nil && session.AccessToken != "" {
				if err := m.oauth.Revoke(ctx, session.ProviderID, session.AccessToken); err != nil {
					m.remoteLogoutFailed(ctx, session, err)
				}
			}
		}
	}

	if err := m.sessions.Delete(ctx, session.ID); err != nil {
		return "", err
	}
	m.clearCookie(w, r)

	m.audit.Log(ctx, audit.Event{
		Type:     audit.EventLogout,
		Category: audit.CategorySession,
		Severity: audit.SeverityInfo,
		Context: map[string]interface{}{
			"user_id":     session.UserID,
			"provider_id": session.ProviderID,
		},
	})
	m.bus.Publish(ctx, events.LogoutCompleted{
		UserID:       session.UserID,
		SessionID:    session.ID,
		ProviderType: string(session.ProviderType),
		At:           m.now(),
	})
	return sloURL, nil
}

// LogoutByExternalID terminates every session bound to a provider subject.
// This is the IdP-initiated single logout path, so no cookies are touched.
func (m *SessionManager) LogoutByExternalID(ctx context.Context, providerType ProviderType, externalID string) (int, error) {
	sessions, err := m.sessions.ListByExternalID(ctx, providerType, externalID)
	if err != nil {
		return 0, err
	}
	terminated := 0
	for _, session := range sessions {
		if err := m.sessions.Delete(ctx, session.ID); err != nil {
			m.log.WithError(err).WithField("session_id", session.ID).
				Warn("Failed to delete session during IdP logout")
			continue
		}
		terminated++
		m.bus.Publish(ctx, events.LogoutCompleted{
			UserID:       session.UserID,
			SessionID:    session.ID,
			ProviderType: string(session.ProviderType),
			At:           m.now(),
		})
	}
	if terminated > 0 {
		m.audit.Log(ctx, audit.Event{
			Type:     audit.EventLogout,
			Category: audit.CategorySession,
			Severity: audit.SeverityInfo,
			Context: map[string]interface{}{
				"external_id": externalID,
				"sessions":    terminated,
				"initiator":   "idp",
			},
		})
	}
	return terminated, nil
}

// CleanupExpired removes expired session rows; intended for a scheduler
func (m *SessionManager) CleanupExpired(ctx context.Context) (int64, error) {
	removed, err := m.sessions.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.log.WithField("count", removed).Info("Removed expired sessions")
	}
	return removed, nil
}

func (m *SessionManager) remoteLogoutFailed(ctx context.Context, session *Session, err error) {
	m.log.WithError(err).WithField("provider_id", session.ProviderID).
		Warn("Provider-side logout failed")
	m.audit.Log(ctx, audit.Event{
		Type:     audit.EventLogoutRemoteFailed,
		Category: audit.CategorySession,
		Severity: audit.SeverityWarning,
		Context: map[string]interface{}{
			"user_id":     session.UserID,
			"provider_id": session.ProviderID,
			"error":       err.Error(),
		},
	})
}

func (m *SessionManager) setCookie(w http.ResponseWriter, r *http.Request, id string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *SessionManager) clearCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// newSessionID returns 128 bits of hex-encoded randomness
func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
