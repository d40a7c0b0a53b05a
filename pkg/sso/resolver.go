package sso

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloudmoat/idbridge/pkg/audit"
	"github.com/cloudmoat/idbridge/pkg/events"
)

// IdentityResolver maps an authenticated external identity onto a local
// account. It links to existing accounts by email, synchronizes profile and
// role data on every login, and provisions new accounts just in time when
// the provider allows it.
type IdentityResolver struct {
	accounts AccountStore
	links    LinkStore
	bus      *events.Bus
	audit    audit.Logger
	log      *logrus.Logger
}

// NewIdentityResolver creates a resolver over the given stores
func NewIdentityResolver(accounts AccountStore, links LinkStore, bus *events.Bus, auditLog audit.Logger, log *logrus.Logger) *IdentityResolver {
	return &IdentityResolver{
		accounts: accounts,
		links:    links,
		bus:      bus,
		audit:    auditLog,
		log:      log,
	}
}

// Resolve returns the local account for an external identity, creating the
// account and its link when provisioning applies. The returned account is
// always active.
func (r *IdentityResolver) Resolve(ctx context.Context, cfg *ProviderConfig, identity *ExternalIdentity) (*Account, error) {
	if err := r.checkDomains(cfg, identity); err != nil {
		return nil, err
	}

	link, err := r.links.Find(ctx, cfg.ProviderType, cfg.ID, identity.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up identity link: %w", err)
	}
	if link != nil {
		return r.resolveLinked(ctx, cfg, identity, link)
	}

	// No link yet. An existing account with the same email gets the new
	// identity attached instead of a duplicate account.
	if identity.Email != "" {
		account, err := r.accounts.GetByEmail(ctx, identity.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to look up account by email: %w", err)
		}
		if account != nil {
			return r.attachIdentity(ctx, cfg, identity, account)
		}
	}

	if !cfg.AutoProvision {
		return nil, provisioningErr(CodeUserNotFound,
			"no account for %s identity %q and provisioning is disabled", cfg.ProviderType, identity.ExternalID)
	}
	return r.provision(ctx, cfg, identity)
}

// checkDomains enforces the provider's email domain policy. Blocklist wins
// over allowlist. An identity with no email fails closed whenever either
// list is configured.
func (r *IdentityResolver) checkDomains(cfg *ProviderConfig, identity *ExternalIdentity) error {
	if len(cfg.AllowedDomains) == 0 && len(cfg.BlockedDomains) == 0 {
		return nil
	}
	domain := emailDomain(identity.Email)
	if domain == "" {
		return provisioningErr(CodeMissingEmail,
			"provider %s enforces a domain policy but the identity carries no email", cfg.ID)
	}
	for _, blocked := range cfg.BlockedDomains {
		if strings.EqualFold(domain, blocked) {
			return provisioningErr(CodeDomainBlocked,
				"email domain %q is blocked for provider %s", domain, cfg.ID)
		}
	}
	if len(cfg.AllowedDomains) > 0 {
		for _, allowed := range cfg.AllowedDomains {
			if strings.EqualFold(domain, allowed) {
				return nil
			}
		}
		return provisioningErr(CodeDomainBlocked,
			"email domain %q is not in the allowlist for provider %s", domain, cfg.ID)
	}
	return nil
}

// resolveLinked handles the returning-user path: load the account, sync any
// changed profile fields, and touch the login timestamps.
func (r *IdentityResolver) resolveLinked(ctx context.Context, cfg *ProviderConfig, identity *ExternalIdentity, link *IdentityLink) (*Account, error) {
	account, err := r.accounts.GetByID(ctx, link.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load linked account %d: %w", link.UserID, err)
	}
	if account == nil {
		// Orphaned link; the account row is gone.
		return nil, provisioningErr(CodeUserNotFound,
			"identity link %d points at a missing account", link.ID)
	}
	if !account.Active {
		return nil, provisioningErr(CodeUserNotFound, "account %s is deactivated", account.Username)
	}

	if err := r.syncAccount(ctx, cfg, identity, account); err != nil {
		return nil, err
	}

	link.Email = identity.Email
	link.ProfileData = identity.RawAttributes
	if err := r.links.Upsert(ctx, link); err != nil {
		r.log.WithError(err).WithField("link_id", link.ID).Warn("Failed to refresh identity link")
	}
	if err := r.accounts.TouchLogin(ctx, account.ID); err != nil {
		r.log.WithError(err).WithField("user_id", account.ID).Warn("Failed to update last login")
	}
	return account, nil
}

// attachIdentity links a new external identity to an account found by email
func (r *IdentityResolver) attachIdentity(ctx context.Context, cfg *ProviderConfig, identity *ExternalIdentity, account *Account) (*Account, error) {
	if !account.Active {
		return nil, provisioningErr(CodeUserNotFound, "account %s is deactivated", account.Username)
	}

	existing, err := r.links.CountForUser(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count identity links: %w", err)
	}
	link := &IdentityLink{
		UserID:       account.ID,
		ProviderType: cfg.ProviderType,
		ProviderID:   cfg.ID,
		ExternalID:   identity.ExternalID,
		Email:        identity.Email,
		ProfileData:  identity.RawAttributes,
		IsPrimary:    existing == 0,
	}
	if err := r.links.Upsert(ctx, link); err != nil {
		return nil, fmt.Errorf("failed to create identity link: %w", err)
	}

	r.audit.Log(ctx, audit.Event{
		Type:     audit.EventIdentityLinked,
		Category: audit.CategoryIdentity,
		Severity: audit.SeverityInfo,
		Context: map[string]interface{}{
			"user_id":       account.ID,
			"provider_type": cfg.ProviderType,
			"provider_id":   cfg.ID,
			"external_id":   identity.ExternalID,
		},
	})

	if err := r.syncAccount(ctx, cfg, identity, account); err != nil {
		return nil, err
	}
	if err := r.accounts.TouchLogin(ctx, account.ID); err != nil {
		r.log.WithError(err).WithField("user_id", account.ID).Warn("Failed to update last login")
	}
	return account, nil
}

// syncAccount applies provider-sourced profile and role updates, writing to
// the database only when something actually changed.
func (r *IdentityResolver) syncAccount(ctx context.Context, cfg *ProviderConfig, identity *ExternalIdentity, account *Account) error {
	var changed []string

	if cfg.SyncProfile {
		apply := func(field string, current *string, incoming string) {
			if incoming != "" && incoming != *current {
				*current = incoming
				changed = append(changed, field)
			}
		}
		apply("email", &account.Email, identity.Email)
		apply("display_name", &account.DisplayName, identity.FullName())
		apply("first_name", &account.FirstName, identity.FirstName)
		apply("last_name", &account.LastName, identity.LastName)
	}
	if cfg.SyncRoles {
		if role := r.mapRole(cfg, identity.Groups); role != "" && role != account.Role {
			account.Role = role
			changed = append(changed, "role")
		}
	}
	if len(changed) == 0 {
		return nil
	}

	if err := r.accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("failed to sync account %d: %w", account.ID, err)
	}
	r.log.WithFields(logrus.Fields{
		"user_id": account.ID,
		"fields":  changed,
	}).Debug("Synchronized account from provider")
	r.bus.Publish(ctx, events.UserUpdated{
		UserID:        account.ID,
		ChangedFields: changed,
		At:            time.Now(),
	})
	return nil
}

// provision creates a brand new account for a first-time identity
func (r *IdentityResolver) provision(ctx context.Context, cfg *ProviderConfig, identity *ExternalIdentity) (*Account, error) {
	username, err := r.pickUsername(ctx, identity)
	if err != nil {
		return nil, err
	}
	role := r.mapRole(cfg, identity.Groups)
	if role == "" {
		role = cfg.DefaultRole
	}

	account := &Account{
		Username:    username,
		Email:       identity.Email,
		DisplayName: identity.FullName(),
		FirstName:   identity.FirstName,
		LastName:    identity.LastName,
		Role:        role,
		Active:      true,
	}
	if err := r.accounts.Create(ctx, account); err != nil {
		return nil, provisioningErr(CodeProvisioningDenied, "failed to provision account %q: %w", username, err)
	}

	link := &IdentityLink{
		UserID:       account.ID,
		ProviderType: cfg.ProviderType,
		ProviderID:   cfg.ID,
		ExternalID:   identity.ExternalID,
		Email:        identity.Email,
		ProfileData:  identity.RawAttributes,
		IsPrimary:    true,
	}
	if err := r.links.Upsert(ctx, link); err != nil {
		return nil, fmt.Errorf("failed to link provisioned account: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"user_id":       account.ID,
		"username":      username,
		"provider_type": cfg.ProviderType,
		"provider_id":   cfg.ID,
		"role":          role,
	}).Info("Provisioned account from external identity")
	r.audit.Log(ctx, audit.Event{
		Type:     audit.EventUserProvisioned,
		Category: audit.CategoryIdentity,
		Severity: audit.SeverityInfo,
		Context: map[string]interface{}{
			"user_id":       account.ID,
			"username":      username,
			"provider_type": cfg.ProviderType,
			"provider_id":   cfg.ID,
		},
	})
	r.bus.Publish(ctx, events.UserProvisioned{
		UserID:       account.ID,
		Username:     username,
		Email:        identity.Email,
		Role:         role,
		ProviderType: string(cfg.ProviderType),
		ProviderID:   cfg.ID,
		At:           time.Now(),
	})
	return account, nil
}

const maxUsernameAttempts = 100

// pickUsername chooses a free username from the identity, trying the
// provider's username, the email local part, then first.last, and finally a
// generic fallback. Collisions get a numeric suffix.
func (r *IdentityResolver) pickUsername(ctx context.Context, identity *ExternalIdentity) (string, error) {
	base := sanitizeUsername(identity.Username)
	if base == "" {
		if at := strings.Index(identity.Email, "@"); at > 0 {
			base = sanitizeUsername(identity.Email[:at])
		}
	}
	if base == "" && identity.FirstName != "" && identity.LastName != "" {
		base = sanitizeUsername(identity.FirstName + "." + identity.LastName)
	}
	if base == "" {
		base = "user"
	}

	candidate := base
	for i := 1; i <= maxUsernameAttempts; i++ {
		taken, err := r.accounts.UsernameExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check username %q: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}
	return "", provisioningErr(CodeProvisioningDenied, "could not find a free username derived from %q", base)
}

// emailDomain returns the part after the last "@", or "" for a malformed
// or empty address.
func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}

// sanitizeUsername lowercases and strips characters that are not safe in a
// username, keeping letters, digits, dots, dashes and underscores.
func sanitizeUsername(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// mapRole returns the first matching role from the provider's group
// mapping, in mapping order, or "" when no group matches.
func (r *IdentityResolver) mapRole(cfg *ProviderConfig, groups []string) string {
	for _, mapping := range cfg.GroupMapping {
		for _, group := range groups {
			if strings.EqualFold(group, mapping.ExternalGroup) {
				return mapping.Role
			}
		}
	}
	return ""
}
