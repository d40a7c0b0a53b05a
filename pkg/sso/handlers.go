package sso

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/cloudmoat/idbridge/pkg/audit"
	"github.com/cloudmoat/idbridge/pkg/events"
)

// csrfCookieName carries the double-submit token for the LDAP login form
const csrfCookieName = "idbridge_csrf"

// SSOManager wires the protocol adapters, the identity resolver, and the
// session manager behind the HTTP surface. One SAML provider, any number
// of OAuth2 providers, and any number of LDAP providers may be active at
// once.
type SSOManager struct {
	providers ProviderStore
	saml      *SAMLAdapter
	samlCfg   *ProviderConfig
	oauth     *OAuth2Adapter
	ldap      map[string]*LDAPAdapter
	resolver  *IdentityResolver
	sessions  *SessionManager
	metrics   *Metrics
	audit     audit.Logger
	bus       *events.Bus
	log       *logrus.Logger
	loginURL  string
}

// NewSSOManager assembles the HTTP layer. saml and oauth may be nil when
// no provider of that family is configured; ldap may be empty.
func NewSSOManager(providers ProviderStore, saml *SAMLAdapter, samlCfg *ProviderConfig, oauth *OAuth2Adapter, ldap map[string]*LDAPAdapter, resolver *IdentityResolver, sessions *SessionManager, metrics *Metrics, auditLog audit.Logger, bus *events.Bus, log *logrus.Logger, loginURL string) *SSOManager {
	if ldap == nil {
		ldap = map[string]*LDAPAdapter{}
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &SSOManager{
		providers: providers,
		saml:      saml,
		samlCfg:   samlCfg,
		oauth:     oauth,
		ldap:      ldap,
		resolver:  resolver,
		sessions:  sessions,
		metrics:   metrics,
		audit:     auditLog,
		bus:       bus,
		log:       log,
		loginURL:  loginURL,
	}
}

// RegisterRoutes registers the SSO endpoints
func (m *SSOManager) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/saml/metadata", m.samlMetadata).Methods("GET")
	router.HandleFunc("/saml/login", m.samlLogin).Methods("GET")
	router.HandleFunc("/saml/acs", m.samlACS).Methods("POST")
	router.HandleFunc("/saml/slo", m.samlSLO).Methods("GET", "POST")

	router.HandleFunc("/oauth2/login/{provider}", m.oauthLogin).Methods("GET")
	router.HandleFunc("/oauth2/callback", m.oauthCallback).Methods("GET")

	router.HandleFunc("/ldap/login", m.ldapLoginForm).Methods("GET")
	router.HandleFunc("/ldap/login", m.ldapLogin).Methods("POST")

	router.HandleFunc("/logout", m.logout).Methods("GET", "POST")
}

// samlMetadata handles GET /saml/metadata
func (m *SSOManager) samlMetadata(w http.ResponseWriter, r *http.Request) {
	if m.saml == nil {
		http.Error(w, "no SAML provider configured", http.StatusNotFound)
		return
	}
	meta, err := m.saml.Metadata()
	if err != nil {
		m.log.WithError(err).Error("Failed to build SP metadata")
		http.Error(w, "failed to build metadata", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(meta)
}

// samlLogin handles GET /saml/login
func (m *SSOManager) samlLogin(w http.ResponseWriter, r *http.Request) {
	if m.saml == nil {
		http.Error(w, "no SAML provider configured", http.StatusNotFound)
		return
	}
	redirectTo := sanitizeRedirect(r.URL.Query().Get("redirect_to"))
	idpURL, err := m.saml.Initiate(r.Context(), redirectTo)
	if err != nil {
		m.failLogin(w, r, m.samlCfg, err)
		return
	}
	http.Redirect(w, r, idpURL, http.StatusFound)
}

// samlACS handles POST /saml/acs, the assertion consumer
func (m *SSOManager) samlACS(w http.ResponseWriter, r *http.Request) {
	if m.saml == nil {
		http.Error(w, "no SAML provider configured", http.StatusNotFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	started := time.Now()

	identity, redirectTo, err := m.saml.Complete(r.Context(), r.PostFormValue("SAMLResponse"), r.PostFormValue("RelayState"))
	if err != nil {
		if FailureCode(err) == CodeInvalidState {
			m.metrics.StateReplaysTotal.Inc()
		}
		m.failLogin(w, r, m.samlCfg, err)
		return
	}
	m.completeLogin(w, r, m.samlCfg, identity, nil, sanitizeRedirect(redirectTo), started)
}

// samlSLO handles GET and POST /saml/slo for both logout directions
func (m *SSOManager) samlSLO(w http.ResponseWriter, r *http.Request) {
	if m.saml == nil {
		http.Error(w, "no SAML provider configured", http.StatusNotFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	if encoded := r.Form.Get("SAMLRequest"); encoded != "" {
		// IdP-initiated logout: terminate every session for the subject,
		// then answer with a LogoutResponse redirect.
		nameID, requestID, err := m.saml.ParseLogoutRequest(encoded)
		if err != nil {
			m.log.WithError(err).Warn("Rejected malformed LogoutRequest")
			http.Error(w, "invalid logout request", http.StatusBadRequest)
			return
		}
		count, err := m.sessions.LogoutByExternalID(r.Context(), ProviderTypeSAML, nameID)
		if err != nil {
			m.log.WithError(err).Error("Failed to terminate sessions for IdP logout")
		}
		m.metrics.SessionsTerminated.WithLabelValues("idp_logout").Add(float64(count))

		responseURL, err := m.saml.BuildLogoutResponseURL(requestID)
		if err != nil {
			m.log.WithError(err).Error("Failed to build LogoutResponse")
			http.Error(w, "failed to build logout response", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, responseURL, http.StatusFound)
		return
	}

	// LogoutResponse from the IdP after an SP-initiated logout. The local
	// session is already gone; just land the user on the login page.
	http.Redirect(w, r, m.loginURL, http.StatusFound)
}

// oauthLogin handles GET /oauth2/login/{provider}
func (m *SSOManager) oauthLogin(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]
	if m.oauth == nil || !m.oauth.HasProvider(providerID) {
		http.Error(w, "unknown OAuth2 provider", http.StatusNotFound)
		return
	}
	redirectTo := sanitizeRedirect(r.URL.Query().Get("redirect_to"))
	authURL, err := m.oauth.Initiate(r.Context(), providerID, redirectTo)
	if err != nil {
		cfg, _ := m.providers.Get(r.Context(), providerID)
		m.failLogin(w, r, cfg, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// oauthCallback handles GET /oauth2/callback
func (m *SSOManager) oauthCallback(w http.ResponseWriter, r *http.Request) {
	if m.oauth == nil {
		http.Error(w, "no OAuth2 provider configured", http.StatusNotFound)
		return
	}
	started := time.Now()
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		err := protocolErr(CodeOAuthError, "provider returned %s: %s", errCode, query.Get("error_description"))
		m.failLogin(w, r, nil, err)
		return
	}

	identity, tokens, redirectTo, err := m.oauth.Complete(r.Context(), query.Get("code"), query.Get("state"))
	if err != nil {
		if FailureCode(err) == CodeInvalidState {
			m.metrics.StateReplaysTotal.Inc()
		}
		m.failLogin(w, r, nil, err)
		return
	}

	cfg, err := m.providers.Get(r.Context(), identity.ProviderID)
	if err != nil || cfg == nil {
		m.failLogin(w, r, nil, &ConfigurationError{Provider: identity.ProviderID, Field: "provider",
			Reason: "provider configuration unavailable"})
		return
	}
	m.completeLogin(w, r, cfg, identity, tokens, sanitizeRedirect(redirectTo), started)
}

// ldapLoginForm handles GET /ldap/login by issuing the CSRF token the form
// must echo back.
func (m *SSOManager) ldapLoginForm(w http.ResponseWriter, r *http.Request) {
	token, err := newCSRFToken()
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"csrf_token": token})
}

// ldapLogin handles POST /ldap/login with a double-submit CSRF check
func (m *SSOManager) ldapLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	cookie, err := r.Cookie(csrfCookieName)
	formToken := r.PostFormValue("csrf_token")
	if err != nil || formToken == "" ||
		subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(formToken)) != 1 {
		http.Error(w, "csrf token mismatch", http.StatusForbidden)
		return
	}

	providerID := r.PostFormValue("provider")
	adapter, ok := m.ldap[providerID]
	if !ok {
		if len(m.ldap) == 1 && providerID == "" {
			for id, a := range m.ldap {
				providerID, adapter = id, a
			}
		} else {
			http.Error(w, "unknown LDAP provider", http.StatusNotFound)
			return
		}
	}
	cfg, err := m.providers.Get(r.Context(), providerID)
	if err != nil || cfg == nil {
		http.Error(w, "provider configuration unavailable", http.StatusInternalServerError)
		return
	}
	started := time.Now()

	identity, err := adapter.Authenticate(r.Context(), r.PostFormValue("ldap_username"), r.PostFormValue("ldap_password"))
	if err != nil {
		m.failLogin(w, r, cfg, err)
		return
	}
	m.completeLogin(w, r, cfg, identity, nil, sanitizeRedirect(r.PostFormValue("redirect_to")), started)
}

// logout handles GET and POST /logout
func (m *SSOManager) logout(w http.ResponseWriter, r *http.Request) {
	session, err := m.sessions.Validate(r.Context(), w, r)
	if err != nil {
		// Nothing to log out of; land on the login page either way.
		http.Redirect(w, r, m.loginURL, http.StatusFound)
		return
	}

	sloURL, err := m.sessions.Logout(r.Context(), w, r, session)
	if err != nil {
		m.log.WithError(err).Error("Failed to terminate session")
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}
	m.metrics.SessionsTerminated.WithLabelValues("user_logout").Inc()

	if sloURL != "" {
		http.Redirect(w, r, sloURL, http.StatusFound)
		return
	}
	http.Redirect(w, r, m.loginURL, http.StatusFound)
}

// completeLogin is the shared tail of every successful provider flow:
// resolve the identity to an account, open a session, emit the events, and
// send the browser on its way.
func (m *SSOManager) completeLogin(w http.ResponseWriter, r *http.Request, cfg *ProviderConfig, identity *ExternalIdentity, tokens *TokenSet, redirectTo string, started time.Time) {
	ctx := r.Context()

	account, err := m.resolver.Resolve(ctx, cfg, identity)
	if err != nil {
		m.failLogin(w, r, cfg, err)
		return
	}

	session, err := m.sessions.Create(ctx, w, r, account, cfg, identity, tokens)
	if err != nil {
		m.log.WithError(err).Error("Failed to create session")
		m.failLogin(w, r, cfg, err)
		return
	}

	m.metrics.LoginsTotal.WithLabelValues(string(cfg.ProviderType), cfg.ID, "success").Inc()
	m.metrics.LoginDuration.WithLabelValues(string(cfg.ProviderType)).Observe(time.Since(started).Seconds())
	m.metrics.SessionsCreated.Inc()

	m.audit.Log(ctx, audit.Event{
		Type:     audit.EventLoginSucceeded,
		Category: audit.CategoryAuth,
		Severity: audit.SeverityInfo,
		Context: map[string]interface{}{
			"user_id":       account.ID,
			"provider_type": cfg.ProviderType,
			"provider_id":   cfg.ID,
			"external_id":   identity.ExternalID,
			"ip":            r.RemoteAddr,
		},
	})
	m.bus.Publish(ctx, events.LoginSucceeded{
		UserID:       account.ID,
		ProviderType: string(cfg.ProviderType),
		ProviderID:   cfg.ID,
		ExternalID:   identity.ExternalID,
		SessionID:    session.ID,
		At:           time.Now(),
	})

	if redirectTo == "" {
		redirectTo = "/"
	}
	http.Redirect(w, r, redirectTo, http.StatusFound)
}

// failLogin records a failed flow and redirects to the login page with a
// generic error marker. The specific cause goes to the logs and the audit
// trail only.
func (m *SSOManager) failLogin(w http.ResponseWriter, r *http.Request, cfg *ProviderConfig, err error) {
	code := FailureCode(err)
	providerType, providerID := "unknown", "unknown"
	if cfg != nil {
		providerType, providerID = string(cfg.ProviderType), cfg.ID
	}

	m.metrics.LoginsTotal.WithLabelValues(providerType, providerID, "failure").Inc()
	m.log.WithError(err).WithFields(logrus.Fields{
		"provider_type": providerType,
		"provider_id":   providerID,
		"code":          code,
	}).Warn("SSO login failed")
	m.audit.Log(r.Context(), audit.Event{
		Type:     audit.EventLoginFailed,
		Category: audit.CategoryAuth,
		Severity: audit.SeverityWarning,
		Context: map[string]interface{}{
			"provider_type": providerType,
			"provider_id":   providerID,
			"code":          code,
			"ip":            r.RemoteAddr,
		},
	})

	sep := "?"
	if strings.Contains(m.loginURL, "?") {
		sep = "&"
	}
	http.Redirect(w, r, m.loginURL+sep+"error=sso_failed", http.StatusFound)
}

// sanitizeRedirect allows only same-site relative paths, defusing open
// redirects. Anything else collapses to "/".
func sanitizeRedirect(target string) string {
	if target == "" {
		return ""
	}
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	return target
}

func newCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
