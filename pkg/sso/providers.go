package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ProviderStore loads provider configurations. Get returns (nil, nil) when
// the provider is unknown.
type ProviderStore interface {
	Get(ctx context.Context, id string) (*ProviderConfig, error)
	List(ctx context.Context) ([]*ProviderConfig, error)
	Save(ctx context.Context, cfg *ProviderConfig) error
}

// SQLProviderStore is the database-backed ProviderStore. Protocol-specific
// settings live in per-protocol JSON columns so one table covers all three
// provider families.
type SQLProviderStore struct {
	db *sql.DB
}

// NewSQLProviderStore creates a provider store on the given database
func NewSQLProviderStore(db *sql.DB) *SQLProviderStore {
	return &SQLProviderStore{db: db}
}

const providerColumns = `id, provider_type, display_name, enabled, auto_provision, default_role, sync_profile, sync_roles, single_logout, allowed_domains, blocked_domains, group_mapping, attribute_mapping, saml_config, oauth2_config, ldap_config, created_at, updated_at`

func scanProvider(scan func(dest ...interface{}) error) (*ProviderConfig, error) {
	cfg := &ProviderConfig{}
	var allowedJSON, blockedJSON, groupsJSON, attrsJSON []byte
	var samlJSON, oauthJSON, ldapJSON []byte
	err := scan(&cfg.ID, &cfg.ProviderType, &cfg.DisplayName, &cfg.Enabled,
		&cfg.AutoProvision, &cfg.DefaultRole, &cfg.SyncProfile, &cfg.SyncRoles,
		&cfg.SingleLogout, &allowedJSON, &blockedJSON, &groupsJSON, &attrsJSON,
		&samlJSON, &oauthJSON, &ldapJSON, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}

	for _, col := range []struct {
		raw  []byte
		dest interface{}
	}{
		{allowedJSON, &cfg.AllowedDomains},
		{blockedJSON, &cfg.BlockedDomains},
		{groupsJSON, &cfg.GroupMapping},
		{attrsJSON, &cfg.AttributeMapping},
		{samlJSON, &cfg.SAMLConfig},
		{oauthJSON, &cfg.OAuth2Config},
		{ldapJSON, &cfg.LDAPConfig},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provider %s config: %w", cfg.ID, err)
		}
	}
	return cfg, nil
}

// Get loads one provider configuration
func (s *SQLProviderStore) Get(ctx context.Context, id string) (*ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM sso_providers WHERE id = $1`, id)
	cfg, err := scanProvider(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cfg, err
}

// List loads every provider configuration, enabled or not
func (s *SQLProviderStore) List(ctx context.Context) ([]*ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM sso_providers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*ProviderConfig
	for rows.Next() {
		cfg, err := scanProvider(rows.Scan)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// Save validates then upserts a provider configuration
func (s *SQLProviderStore) Save(ctx context.Context, cfg *ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	marshal := func(v interface{}) ([]byte, error) {
		if v == nil {
			return nil, nil
		}
		return json.Marshal(v)
	}
	allowedJSON, _ := marshal(cfg.AllowedDomains)
	blockedJSON, _ := marshal(cfg.BlockedDomains)
	groupsJSON, _ := marshal(cfg.GroupMapping)
	attrsJSON, err := json.Marshal(cfg.AttributeMapping)
	if err != nil {
		return fmt.Errorf("failed to marshal attribute mapping: %w", err)
	}
	var samlJSON, oauthJSON, ldapJSON []byte
	if cfg.SAMLConfig != nil {
		samlJSON, _ = json.Marshal(cfg.SAMLConfig)
	}
	if cfg.OAuth2Config != nil {
		oauthJSON, _ = json.Marshal(cfg.OAuth2Config)
	}
	if cfg.LDAPConfig != nil {
		ldapJSON, _ = json.Marshal(cfg.LDAPConfig)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sso_providers (`+providerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			provider_type = EXCLUDED.provider_type,
			display_name = EXCLUDED.display_name,
			enabled = EXCLUDED.enabled,
			auto_provision = EXCLUDED.auto_provision,
			default_role = EXCLUDED.default_role,
			sync_profile = EXCLUDED.sync_profile,
			sync_roles = EXCLUDED.sync_roles,
			single_logout = EXCLUDED.single_logout,
			allowed_domains = EXCLUDED.allowed_domains,
			blocked_domains = EXCLUDED.blocked_domains,
			group_mapping = EXCLUDED.group_mapping,
			attribute_mapping = EXCLUDED.attribute_mapping,
			saml_config = EXCLUDED.saml_config,
			oauth2_config = EXCLUDED.oauth2_config,
			ldap_config = EXCLUDED.ldap_config,
			updated_at = NOW()
	`, cfg.ID, cfg.ProviderType, cfg.DisplayName, cfg.Enabled, cfg.AutoProvision,
		cfg.DefaultRole, cfg.SyncProfile, cfg.SyncRoles, cfg.SingleLogout,
		allowedJSON, blockedJSON, groupsJSON, attrsJSON, samlJSON, oauthJSON, ldapJSON)
	return err
}

const (
	providerCacheSize = 128
	providerCacheTTL  = 5 * time.Minute
)

// CachedProviderStore wraps a ProviderStore with a short-lived cache so
// every request does not hit the database for an effectively static row.
// Save invalidates the cached entry.
type CachedProviderStore struct {
	inner ProviderStore
	cache *expirable.LRU[string, *ProviderConfig]
}

// NewCachedProviderStore wraps a provider store with an expiring cache
func NewCachedProviderStore(inner ProviderStore) *CachedProviderStore {
	return &CachedProviderStore{
		inner: inner,
		cache: expirable.NewLRU[string, *ProviderConfig](providerCacheSize, nil, providerCacheTTL),
	}
}

// Get returns the cached configuration, falling through to the inner store
func (s *CachedProviderStore) Get(ctx context.Context, id string) (*ProviderConfig, error) {
	if cfg, ok := s.cache.Get(id); ok {
		return cfg, nil
	}
	cfg, err := s.inner.Get(ctx, id)
	if err != nil || cfg == nil {
		return cfg, err
	}
	s.cache.Add(id, cfg)
	return cfg, nil
}

// List always goes to the inner store
func (s *CachedProviderStore) List(ctx context.Context) ([]*ProviderConfig, error) {
	return s.inner.List(ctx)
}

// Save writes through and drops the cached entry
func (s *CachedProviderStore) Save(ctx context.Context, cfg *ProviderConfig) error {
	if err := s.inner.Save(ctx, cfg); err != nil {
		return err
	}
	s.cache.Remove(cfg.ID)
	return nil
}
