package sso

import (
	"context"
	"crypto/tls"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultLDAPNetworkTimeout = 10 * time.Second
	defaultLDAPSearchTimeout  = 30 * time.Second
)

var memberOfCNPattern = regexp.MustCompile(`(?i)^CN=([^,]+)`)

// LDAPAdapter authenticates credentials with search-then-bind: find the
// user's DN with the service account, bind as that DN with the supplied
// password, then collect attributes and group membership.
type LDAPAdapter struct {
	cfg  *ProviderConfig
	ldap *LDAPConfig
	log  *logrus.Logger

	// dial is swapped in tests
	dial func() (ldapConn, error)
}

// ldapConn is the subset of *ldap.Conn the adapter uses
type ldapConn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	StartTLS(config *tls.Config) error
	SetTimeout(t time.Duration)
	Close() error
}

// NewLDAPAdapter builds the adapter for one validated LDAP provider config
func NewLDAPAdapter(cfg *ProviderConfig, log *logrus.Logger) (*LDAPAdapter, error) {
	if cfg.LDAPConfig == nil {
		return nil, &ConfigurationError{Provider: cfg.ID, Field: "ldap_config"}
	}

	lc := cfg.LDAPConfig
	a := &LDAPAdapter{cfg: cfg, ldap: lc, log: log}
	a.dial = func() (ldapConn, error) {
		var opts []ldap.DialOpt
		if strings.HasPrefix(lc.URL, "ldaps://") {
			opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{
				InsecureSkipVerify: lc.InsecureSkipVerify,
			}))
		}
		return ldap.DialURL(lc.URL, opts...)
	}
	return a, nil
}

// Authenticate verifies the credential and returns the normalized identity.
// The connection is closed on every exit path.
func (a *LDAPAdapter) Authenticate(ctx context.Context, username, password string) (*ExternalIdentity, error) {
	// An empty password would turn the user bind into an anonymous bind,
	// which many directories accept.
	if username == "" || password == "" {
		return nil, credentialErr(CodeBindFailed, "empty username or password")
	}

	conn, err := a.dial()
	if err != nil {
		return nil, credentialErr(CodeConnectFailed, "LDAP connect failed: %v", err)
	}
	defer conn.Close()

	conn.SetTimeout(a.networkTimeout())
	if a.ldap.StartTLS {
		if err := conn.StartTLS(&tls.Config{InsecureSkipVerify: a.ldap.InsecureSkipVerify}); err != nil {
			return nil, credentialErr(CodeConnectFailed, "StartTLS failed: %v", err)
		}
	}

	if err := a.serviceBind(conn); err != nil {
		return nil, err
	}

	entry, err := a.findUser(conn, username)
	if err != nil {
		return nil, err
	}

	// The second bind is the credential check.
	if err := conn.Bind(entry.DN, password); err != nil {
		a.log.WithFields(logrus.Fields{
			"provider": a.cfg.ID,
			"dn":       entry.DN,
		}).Debug("LDAP user bind rejected")
		return nil, credentialErr(CodeBindFailed, "bind as %q failed", entry.DN)
	}

	// Back to the service account for attribute and group reads.
	if err := a.serviceBind(conn); err != nil {
		return nil, err
	}

	groups, err := a.resolveGroups(conn, entry)
	if err != nil {
		return nil, err
	}

	identity := a.normalizeEntry(entry)
	identity.Groups = groups
	return identity, nil
}

func (a *LDAPAdapter) serviceBind(conn ldapConn) error {
	if a.ldap.BindDN == "" {
		if err := conn.UnauthenticatedBind(""); err != nil {
			return credentialErr(CodeConnectFailed, "anonymous bind failed: %v", err)
		}
		return nil
	}
	if err := conn.Bind(a.ldap.BindDN, a.ldap.BindPassword); err != nil {
		return credentialErr(CodeConnectFailed, "service bind failed: %v", err)
	}
	return nil
}

func (a *LDAPAdapter) findUser(conn ldapConn, username string) (*ldap.Entry, error) {
	filter := fmt.Sprintf(a.ldap.UserFilter, ldap.EscapeFilter(username))

	result, err := conn.Search(ldap.NewSearchRequest(
		a.ldap.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2, // size limit: one match expected, two to detect ambiguity
		int(a.searchTimeout().Seconds()),
		false,
		filter,
		a.userAttributes(),
		nil,
	))
	if err != nil {
		return nil, credentialErr(CodeConnectFailed, "user search failed: %v", err)
	}
	if len(result.Entries) == 0 {
		return nil, credentialErr(CodeUserNotFound, "no entry matches filter for %q", username)
	}
	if len(result.Entries) > 1 {
		return nil, credentialErr(CodeUserNotFound, "filter for %q is ambiguous (%d entries)", username, len(result.Entries))
	}
	return result.Entries[0], nil
}

// resolveGroups reads memberOf first; if the directory exposes no memberOf
// values, falls back to a group-base search with the configured filter.
func (a *LDAPAdapter) resolveGroups(conn ldapConn, entry *ldap.Entry) ([]string, error) {
	var groups []string
	for _, dn := range entry.GetAttributeValues("memberOf") {
		if name := extractCN(dn); name != "" {
			groups = append(groups, name)
		}
	}
	if len(groups) > 0 || a.ldap.GroupFilter == "" {
		return groups, nil
	}

	base := a.ldap.GroupBaseDN
	if base == "" {
		base = a.ldap.BaseDN
	}
	filter := fmt.Sprintf(a.ldap.GroupFilter, ldap.EscapeFilter(entry.DN))

	result, err := conn.Search(ldap.NewSearchRequest(
		base,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0,
		int(a.searchTimeout().Seconds()),
		false,
		filter,
		[]string{"cn"},
		nil,
	))
	if err != nil {
		return nil, credentialErr(CodeConnectFailed, "group search failed: %v", err)
	}
	for _, group := range result.Entries {
		if cn := group.GetAttributeValue("cn"); cn != "" {
			groups = append(groups, cn)
		}
	}
	return groups, nil
}

func (a *LDAPAdapter) normalizeEntry(entry *ldap.Entry) *ExternalIdentity {
	raw := make(map[string]interface{}, len(entry.Attributes))
	for _, attr := range entry.Attributes {
		if len(attr.Values) == 1 {
			raw[attr.Name] = attr.Values[0]
		} else {
			raw[attr.Name] = attr.Values
		}
	}

	m := a.cfg.AttributeMapping
	identity := &ExternalIdentity{
		ProviderType:  ProviderTypeLDAP,
		ProviderID:    a.cfg.ID,
		RawAttributes: raw,
		ExternalID:    attrString(raw, m.ExternalID),
		Username:      attrString(raw, m.Username),
		Email:         attrString(raw, m.Email),
		DisplayName:   attrString(raw, m.DisplayName),
		FirstName:     attrString(raw, m.FirstName),
		LastName:      attrString(raw, m.LastName),
	}
	if identity.ExternalID == "" {
		identity.ExternalID = entry.DN
	}
	return identity
}

func (a *LDAPAdapter) userAttributes() []string {
	attrs := []string{"memberOf"}
	m := a.cfg.AttributeMapping
	for _, name := range []string{m.ExternalID, m.Username, m.Email, m.DisplayName, m.FirstName, m.LastName} {
		if name != "" {
			attrs = append(attrs, name)
		}
	}
	return attrs
}

func (a *LDAPAdapter) networkTimeout() time.Duration {
	if a.ldap.NetworkTimeout > 0 {
		return a.ldap.NetworkTimeout
	}
	return defaultLDAPNetworkTimeout
}

func (a *LDAPAdapter) searchTimeout() time.Duration {
	if a.ldap.SearchTimeout > 0 {
		return a.ldap.SearchTimeout
	}
	return defaultLDAPSearchTimeout
}

// extractCN pulls the CN component off a group DN like
// "CN=Admins,OU=Groups,DC=example,DC=com".
func extractCN(dn string) string {
	match := memberOfCNPattern.FindStringSubmatch(strings.TrimSpace(dn))
	if match == nil {
		return ""
	}
	return match[1]
}
