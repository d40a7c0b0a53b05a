package sso

import (
	"fmt"
	"time"
)

// ProviderType represents the identity provider protocol family
type ProviderType string

const (
	ProviderTypeSAML   ProviderType = "saml"
	ProviderTypeOAuth2 ProviderType = "oauth2"
	ProviderTypeLDAP   ProviderType = "ldap"
)

// ProviderConfig represents a single identity provider configuration.
// Configs are validated at load time and treated as immutable afterwards;
// they are safe for concurrent reads.
type ProviderConfig struct {
	ID            string       `json:"id"` // Unique name for this provider instance
	ProviderType  ProviderType `json:"provider_type"`
	DisplayName   string       `json:"display_name,omitempty"`
	Enabled       bool         `json:"enabled"`
	AutoProvision bool         `json:"auto_provision"` // JIT user provisioning
	DefaultRole   string       `json:"default_role"`   // Role for new users with no group match
	SyncProfile   bool         `json:"sync_profile"`   // Update local profile fields on login
	SyncRoles     bool         `json:"sync_roles"`     // Re-derive role from groups on login
	SingleLogout  bool         `json:"single_logout"`  // Propagate logout to the provider

	AllowedDomains []string `json:"allowed_domains,omitempty"` // Email domain allow list
	BlockedDomains []string `json:"blocked_domains,omitempty"` // Email domain block list

	GroupMapping     []GroupMap   `json:"group_mapping,omitempty"`
	AttributeMapping AttributeMap `json:"attribute_mapping"`

	SAMLConfig   *SAMLConfig   `json:"saml_config,omitempty"`
	OAuth2Config *OAuth2ProviderConfig `json:"oauth2_config,omitempty"`
	LDAPConfig   *LDAPConfig   `json:"ldap_config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SAMLConfig holds SAML 2.0 service provider configuration
type SAMLConfig struct {
	EntityID             string `json:"entity_id"`      // SP entity ID (Issuer and expected Audience)
	IDPEntityID          string `json:"idp_entity_id"`  // IdP entity ID
	SSOURL               string `json:"sso_url"`        // IdP single sign-on URL
	SLOURL               string `json:"slo_url,omitempty"` // IdP single logout URL
	IDPCertificate       string `json:"idp_certificate"`   // PEM encoded IdP signing certificate
	SPCertificate        string `json:"sp_certificate,omitempty"` // PEM, published in metadata
	SPPrivateKey         string `json:"-"`                        // PEM, never serialized
	SignRequests         bool   `json:"sign_requests"`
	WantAssertionsSigned bool   `json:"want_assertions_signed"`
	NameIDFormat         string `json:"name_id_format,omitempty"`
}

// OAuth2ProviderConfig holds OAuth2 / OpenID Connect configuration.
// When only IssuerURL is set the endpoints are filled in via OIDC discovery.
type OAuth2ProviderConfig struct {
	ClientID      string            `json:"client_id"`
	ClientSecret  string            `json:"-"` // Never expose secret in JSON
	AuthURL       string            `json:"auth_url,omitempty"`
	TokenURL      string            `json:"token_url,omitempty"`
	UserinfoURL   string            `json:"userinfo_url,omitempty"`
	RevocationURL string            `json:"revocation_url,omitempty"`
	IssuerURL     string            `json:"issuer_url,omitempty"` // Expected iss claim / discovery endpoint
	RedirectURL   string            `json:"redirect_url"`
	Scopes        []string          `json:"scopes"`
	UsePKCE       bool              `json:"use_pkce"`
	ResponseMode  string            `json:"response_mode,omitempty"`
	CustomParams  map[string]string `json:"custom_params,omitempty"`
}

// LDAPConfig holds LDAP / Active Directory configuration
type LDAPConfig struct {
	URL                string        `json:"url"` // ldap://host:389 or ldaps://host:636
	StartTLS           bool          `json:"start_tls"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify,omitempty"`
	BindDN             string        `json:"bind_dn,omitempty"` // Service account; anonymous bind if empty
	BindPassword       string        `json:"-"`
	BaseDN             string        `json:"base_dn"`
	UserFilter         string        `json:"user_filter"` // e.g. (sAMAccountName=%s)
	GroupBaseDN        string        `json:"group_base_dn,omitempty"`
	GroupFilter        string        `json:"group_filter,omitempty"` // e.g. (member=%s)
	NetworkTimeout     time.Duration `json:"network_timeout"`
	SearchTimeout      time.Duration `json:"search_timeout"`
}

// AttributeMap defines how provider attributes/claims map to identity fields
type AttributeMap struct {
	ExternalID  string `json:"external_id"`
	Username    string `json:"username,omitempty"` // Preferred username, if the provider has one
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Groups      string `json:"groups,omitempty"`
}

// GroupMap maps an external group name to a local role
type GroupMap struct {
	ExternalGroup string `json:"external_group"`
	Role          string `json:"role"`
}

// ExternalIdentity is the normalized result of a completed provider flow.
// It is ephemeral: produced by an adapter, consumed once by the resolver.
type ExternalIdentity struct {
	ProviderType  ProviderType           `json:"provider_type"`
	ProviderID    string                 `json:"provider_id"`
	ExternalID    string                 `json:"external_id"`
	Email         string                 `json:"email"`
	Username      string                 `json:"username,omitempty"` // Provider-supplied preferred username
	DisplayName   string                 `json:"display_name,omitempty"`
	FirstName     string                 `json:"first_name,omitempty"`
	LastName      string                 `json:"last_name,omitempty"`
	Groups        []string               `json:"groups,omitempty"`
	SessionIndex  string                 `json:"session_index,omitempty"` // SAML only
	RawAttributes map[string]interface{} `json:"raw_attributes,omitempty"`
}

// TokenSet carries provider-issued tokens bound to a session
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Account is a local user account
type Account struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	FirstName   string    `json:"first_name,omitempty"`
	LastName    string    `json:"last_name,omitempty"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

// IdentityLink is the persisted mapping from one external identity to one
// local account. Unique on (provider_type, provider_id, external_id).
type IdentityLink struct {
	ID           int64                  `json:"id"`
	UserID       int64                  `json:"user_id"`
	ProviderType ProviderType           `json:"provider_type"`
	ProviderID   string                 `json:"provider_id"`
	ExternalID   string                 `json:"external_id"`
	Email        string                 `json:"email"`
	ProfileData  map[string]interface{} `json:"profile_data,omitempty"`
	IsPrimary    bool                   `json:"is_primary"`
	LinkedAt     time.Time              `json:"linked_at"`
	LastLogin    time.Time              `json:"last_login"`
}

// Session is a persisted SSO session, always bound to exactly one user
type Session struct {
	ID           string                 `json:"id"` // Opaque, unguessable
	UserID       int64                  `json:"user_id"`
	ProviderType ProviderType           `json:"provider_type"`
	ProviderID   string                 `json:"provider_id"`
	ExternalID   string                 `json:"external_id"`
	SessionIndex string                 `json:"session_index,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
	AccessToken  string                 `json:"-"`
	RefreshToken string                 `json:"-"`
	TokenExpires *time.Time             `json:"token_expires,omitempty"`
	IP           string                 `json:"ip,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    time.Time              `json:"expires_at"`
	LastActivity time.Time              `json:"last_activity"`
}

// ProtocolState is a short-lived, single-use correlation record tying a
// redirect-based protocol step back to the request that initiated it.
type ProtocolState struct {
	ID            string    `json:"id"` // OAuth2 state or SAML request ID
	ProviderID    string    `json:"provider_id"`
	RedirectTo    string    `json:"redirect_to,omitempty"`
	PKCEVerifier  string    `json:"pkce_verifier,omitempty"`
	SAMLRequestID string    `json:"saml_request_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// StateTTL bounds how long a ProtocolState may be consumed after creation.
const StateTTL = 600 * time.Second

// Validate checks that the provider configuration is complete for its type.
// Called at load time so a misconfigured provider fails fast, not mid-login.
func (c *ProviderConfig) Validate() error {
	if c.ID == "" {
		return &ConfigurationError{Provider: c.ID, Field: "id"}
	}

	switch c.ProviderType {
	case ProviderTypeSAML:
		if c.SAMLConfig == nil {
			return &ConfigurationError{Provider: c.ID, Field: "saml_config"}
		}
		return c.SAMLConfig.validate(c.ID)
	case ProviderTypeOAuth2:
		if c.OAuth2Config == nil {
			return &ConfigurationError{Provider: c.ID, Field: "oauth2_config"}
		}
		return c.OAuth2Config.validate(c.ID)
	case ProviderTypeLDAP:
		if c.LDAPConfig == nil {
			return &ConfigurationError{Provider: c.ID, Field: "ldap_config"}
		}
		return c.LDAPConfig.validate(c.ID)
	default:
		return &ConfigurationError{Provider: c.ID, Field: "provider_type",
			Reason: fmt.Sprintf("unsupported provider type %q", c.ProviderType)}
	}
}

func (c *SAMLConfig) validate(provider string) error {
	if c.EntityID == "" {
		return &ConfigurationError{Provider: provider, Field: "entity_id"}
	}
	if c.SSOURL == "" {
		return &ConfigurationError{Provider: provider, Field: "sso_url"}
	}
	if c.WantAssertionsSigned && c.IDPCertificate == "" {
		return &ConfigurationError{Provider: provider, Field: "idp_certificate"}
	}
	if c.SignRequests && c.SPPrivateKey == "" {
		return &ConfigurationError{Provider: provider, Field: "sp_private_key"}
	}
	return nil
}

func (c *OAuth2ProviderConfig) validate(provider string) error {
	if c.ClientID == "" {
		return &ConfigurationError{Provider: provider, Field: "client_id"}
	}
	if c.RedirectURL == "" {
		return &ConfigurationError{Provider: provider, Field: "redirect_url"}
	}
	if c.AuthURL == "" && c.IssuerURL == "" {
		return &ConfigurationError{Provider: provider, Field: "auth_url",
			Reason: "either explicit endpoints or an issuer_url for discovery is required"}
	}
	if c.AuthURL != "" && c.TokenURL == "" {
		return &ConfigurationError{Provider: provider, Field: "token_url"}
	}
	return nil
}

func (c *LDAPConfig) validate(provider string) error {
	if c.URL == "" {
		return &ConfigurationError{Provider: provider, Field: "url"}
	}
	if c.BaseDN == "" {
		return &ConfigurationError{Provider: provider, Field: "base_dn"}
	}
	if c.UserFilter == "" {
		return &ConfigurationError{Provider: provider, Field: "user_filter"}
	}
	return nil
}

// FullName assembles a display name from the identity's name parts
func (id *ExternalIdentity) FullName() string {
	if id.DisplayName != "" {
		return id.DisplayName
	}
	if id.FirstName != "" && id.LastName != "" {
		return id.FirstName + " " + id.LastName
	}
	return ""
}
