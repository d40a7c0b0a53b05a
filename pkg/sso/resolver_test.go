package sso

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudmoat/idbridge/pkg/audit"
	"github.com/cloudmoat/idbridge/pkg/events"
)

type fakeAccountStore struct {
	accounts  map[int64]*Account
	nextID    int64
	updates   []*Account
	touched   []int64
	createErr error
	touchErr  error
	updateErr error
}

func newFakeAccountStore(accounts ...*Account) *fakeAccountStore {
	s := &fakeAccountStore{accounts: make(map[int64]*Account), nextID: 1000}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *fakeAccountStore) GetByID(_ context.Context, id int64) (*Account, error) {
	return s.accounts[id], nil
}

func (s *fakeAccountStore) GetByEmail(_ context.Context, email string) (*Account, error) {
	for _, a := range s.accounts {
		if strings.EqualFold(a.Email, email) {
			return a, nil
		}
	}
	return nil, nil
}

func (s *fakeAccountStore) UsernameExists(_ context.Context, username string) (bool, error) {
	for _, a := range s.accounts {
		if a.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeAccountStore) Create(_ context.Context, account *Account) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.nextID++
	account.ID = s.nextID
	s.accounts[account.ID] = account
	return nil
}

func (s *fakeAccountStore) Update(_ context.Context, account *Account) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updates = append(s.updates, account)
	s.accounts[account.ID] = account
	return nil
}

func (s *fakeAccountStore) TouchLogin(_ context.Context, id int64) error {
	if s.touchErr != nil {
		return s.touchErr
	}
	s.touched = append(s.touched, id)
	return nil
}

type fakeLinkStore struct {
	links     map[string]*IdentityLink
	upserts   []*IdentityLink
	upsertErr error
}

func newFakeLinkStore(links ...*IdentityLink) *fakeLinkStore {
	s := &fakeLinkStore{links: make(map[string]*IdentityLink)}
	for _, l := range links {
		s.links[linkKey(l.ProviderType, l.ProviderID, l.ExternalID)] = l
	}
	return s
}

func linkKey(pt ProviderType, pid, eid string) string {
	return string(pt) + "/" + pid + "/" + eid
}

func (s *fakeLinkStore) Find(_ context.Context, pt ProviderType, pid, eid string) (*IdentityLink, error) {
	return s.links[linkKey(pt, pid, eid)], nil
}

func (s *fakeLinkStore) Upsert(_ context.Context, link *IdentityLink) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts = append(s.upserts, link)
	s.links[linkKey(link.ProviderType, link.ProviderID, link.ExternalID)] = link
	return nil
}

func (s *fakeLinkStore) CountForUser(_ context.Context, userID int64) (int, error) {
	n := 0
	for _, l := range s.links {
		if l.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *fakeLinkStore) Touch(context.Context, int64) error { return nil }

// recordingAuditLogger captures events for assertions
type recordingAuditLogger struct {
	events []audit.Event
}

func (l *recordingAuditLogger) Log(_ context.Context, event audit.Event) string {
	l.events = append(l.events, event)
	return "test-event"
}

func (l *recordingAuditLogger) eventTypes() []string {
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestResolver(accounts *fakeAccountStore, links *fakeLinkStore) (*IdentityResolver, *recordingAuditLogger, *events.Bus) {
	auditLog := &recordingAuditLogger{}
	bus := events.NewBus(discardLogger())
	return NewIdentityResolver(accounts, links, bus, auditLog, discardLogger()), auditLog, bus
}

func resolverProvider() *ProviderConfig {
	return &ProviderConfig{
		ID:            "corp-idp",
		ProviderType:  ProviderTypeSAML,
		Enabled:       true,
		AutoProvision: true,
		DefaultRole:   "member",
		SyncProfile:   true,
	}
}

func samlIdentity() *ExternalIdentity {
	return &ExternalIdentity{
		ProviderType: ProviderTypeSAML,
		ProviderID:   "corp-idp",
		ExternalID:   "jdoe@corp.example.com",
		Email:        "jdoe@corp.example.com",
		Username:     "jdoe",
		FirstName:    "Jane",
		LastName:     "Doe",
	}
}

func TestResolveLinkedAccount(t *testing.T) {
	account := &Account{ID: 7, Username: "jdoe", Email: "old@corp.example.com",
		FirstName: "Jane", LastName: "Doe", Role: "member", Active: true}
	link := &IdentityLink{ID: 3, UserID: 7, ProviderType: ProviderTypeSAML,
		ProviderID: "corp-idp", ExternalID: "jdoe@corp.example.com"}
	accounts := newFakeAccountStore(account)
	links := newFakeLinkStore(link)
	resolver, _, _ := newTestResolver(accounts, links)

	resolved, err := resolver.Resolve(context.Background(), resolverProvider(), samlIdentity())
	require.NoError(t, err)
	require.Equal(t, int64(7), resolved.ID)

	// Email changed at the provider, so the profile sync writes it back.
	assert.Equal(t, "jdoe@corp.example.com", resolved.Email)
	require.Len(t, accounts.updates, 1)

	// The link row is refreshed and last login touched on every login.
	require.Len(t, links.upserts, 1)
	assert.Equal(t, []int64{7}, accounts.touched)
}

func TestResolveLinkedNoChangesSkipsUpdate(t *testing.T) {
	account := &Account{ID: 7, Username: "jdoe", Email: "jdoe@corp.example.com",
		DisplayName: "Jane Doe", FirstName: "Jane", LastName: "Doe", Role: "member", Active: true}
	link := &IdentityLink{UserID: 7, ProviderType: ProviderTypeSAML,
		ProviderID: "corp-idp", ExternalID: "jdoe@corp.example.com"}
	accounts := newFakeAccountStore(account)
	resolver, _, _ := newTestResolver(accounts, newFakeLinkStore(link))

	_, err := resolver.Resolve(context.Background(), resolverProvider(), samlIdentity())
	require.NoError(t, err)
	assert.Empty(t, accounts.updates)
}

func TestResolveLinkedDeactivatedAccount(t *testing.T) {
	account := &Account{ID: 7, Username: "jdoe", Active: false}
	link := &IdentityLink{UserID: 7, ProviderType: ProviderTypeSAML,
		ProviderID: "corp-idp", ExternalID: "jdoe@corp.example.com"}
	resolver, _, _ := newTestResolver(newFakeAccountStore(account), newFakeLinkStore(link))

	_, err := resolver.Resolve(context.Background(), resolverProvider(), samlIdentity())
	require.Error(t, err)
	assert.Equal(t, CodeUserNotFound, FailureCode(err))
}

func TestResolveOrphanedLink(t *testing.T) {
	link := &IdentityLink{ID: 3, UserID: 404, ProviderType: ProviderTypeSAML,
		ProviderID: "corp-idp", ExternalID: "jdoe@corp.example.com"}
	resolver, _, _ := newTestResolver(newFakeAccountStore(), newFakeLinkStore(link))

	_, err := resolver.Resolve(context.Background(), resolverProvider(), samlIdentity())
	require.Error(t, err)
	assert.Equal(t, CodeUserNotFound, FailureCode(err))
}

func TestResolveRoleSync(t *testing.T) {
	cfg := resolverProvider()
	cfg.SyncRoles = true
	cfg.GroupMapping = []GroupMap{
		{ExternalGroup: "Platform Admins", Role: "admin"},
		{ExternalGroup: "Engineering", Role: "member"},
	}
	account := &Account{ID: 7, Username: "jdoe", Email: "jdoe@corp.example.com",
		DisplayName: "Jane Doe", FirstName: "Jane", LastName: "Doe", Role: "member", Active: true}
	link := &IdentityLink{UserID: 7, ProviderType: ProviderTypeSAML,
		ProviderID: "corp-idp", ExternalID: "jdoe@corp.example.com"}
	accounts := newFakeAccountStore(account)
	resolver, _, bus := newTestResolver(accounts, newFakeLinkStore(link))

	var updated *events.UserUpdated
	bus.Subscribe(events.UserUpdated{}.EventName(), func(_ context.Context, e events.Event) {
		evt := e.(events.UserUpdated)
		updated = &evt
	})

	identity := samlIdentity()
	identity.Groups = []string{"Engineering", "platform admins"}

	resolved, err := resolver.Resolve(context.Background(), cfg, identity)
	require.NoError(t, err)

	// Mapping order decides; the admin mapping comes first and group names
	// compare case-insensitively.
	assert.Equal(t, "admin", resolved.Role)
	require.NotNil(t, updated)
	assert.Equal(t, []string{"role"}, updated.ChangedFields)
}

func TestResolveAttachesIdentityByEmail(t *testing.T) {
	account := &Account{ID: 9, Username: "jdoe", Email: "JDoe@corp.example.com",
		DisplayName: "Jane Doe", FirstName: "Jane", LastName: "Doe", Role: "member", Active: true}
	accounts := newFakeAccountStore(account)
	links := newFakeLinkStore()
	resolver, auditLog, _ := newTestResolver(accounts, links)

	resolved, err := resolver.Resolve(context.Background(), resolverProvider(), samlIdentity())
	require.NoError(t, err)
	assert.Equal(t, int64(9), resolved.ID)

	require.Len(t, links.upserts, 1)
	created := links.upserts[0]
	assert.Equal(t, int64(9), created.UserID)
	assert.Equal(t, "jdoe@corp.example.com", created.ExternalID)
	assert.True(t, created.IsPrimary, "first link for an account is primary")

	assert.Contains(t, auditLog.eventTypes(), audit.EventIdentityLinked)
}

func TestResolveAttachSecondaryLink(t *testing.T) {
	account := &Account{ID: 9, Username: "jdoe", Email: "jdoe@corp.example.com",
		DisplayName: "Jane Doe", FirstName: "Jane", LastName: "Doe", Active: true}
	existing := &IdentityLink{UserID: 9, ProviderType: ProviderTypeLDAP,
		ProviderID: "corp-ldap", ExternalID: "uid=jdoe,dc=corp", IsPrimary: true}
	links := newFakeLinkStore(existing)
	resolver, _, _ := newTestResolver(newFakeAccountStore(account), links)

	_, err := resolver.Resolve(context.Background(), resolverProvider(), samlIdentity())
	require.NoError(t, err)
	require.Len(t, links.upserts, 1)
	assert.False(t, links.upserts[0].IsPrimary)
}

func TestResolveProvisionsNewAccount(t *testing.T) {
	accounts := newFakeAccountStore()
	links := newFakeLinkStore()
	resolver, auditLog, bus := newTestResolver(accounts, links)

	var provisioned *events.UserProvisioned
	bus.Subscribe(events.UserProvisioned{}.EventName(), func(_ context.Context, e events.Event) {
		evt := e.(events.UserProvisioned)
		provisioned = &evt
	})

	resolved, err := resolver.Resolve(context.Background(), resolverProvider(), samlIdentity())
	require.NoError(t, err)

	assert.Equal(t, "jdoe", resolved.Username)
	assert.Equal(t, "jdoe@corp.example.com", resolved.Email)
	assert.Equal(t, "Jane Doe", resolved.DisplayName)
	assert.Equal(t, "member", resolved.Role, "no group match falls back to the default role")
	assert.True(t, resolved.Active)
	assert.NotZero(t, resolved.ID)

	require.Len(t, links.upserts, 1)
	assert.True(t, links.upserts[0].IsPrimary)
	assert.Equal(t, resolved.ID, links.upserts[0].UserID)

	assert.Contains(t, auditLog.eventTypes(), audit.EventUserProvisioned)
	require.NotNil(t, provisioned)
	assert.Equal(t, resolved.ID, provisioned.UserID)
	assert.Equal(t, "member", provisioned.Role)
}

func TestResolveProvisioningDisabled(t *testing.T) {
	cfg := resolverProvider()
	cfg.AutoProvision = false
	resolver, _, _ := newTestResolver(newFakeAccountStore(), newFakeLinkStore())

	_, err := resolver.Resolve(context.Background(), cfg, samlIdentity())
	require.Error(t, err)
	assert.Equal(t, CodeUserNotFound, FailureCode(err))
}

func TestResolveProvisionCreateFailure(t *testing.T) {
	accounts := newFakeAccountStore()
	accounts.createErr = errors.New("insert blew up")
	resolver, _, _ := newTestResolver(accounts, newFakeLinkStore())

	_, err := resolver.Resolve(context.Background(), resolverProvider(), samlIdentity())
	require.Error(t, err)
	assert.Equal(t, CodeProvisioningDenied, FailureCode(err))
}

func TestResolveUsernameCollision(t *testing.T) {
	accounts := newFakeAccountStore(
		&Account{ID: 1, Username: "jdoe", Email: "other@elsewhere.example.com", Active: true},
		&Account{ID: 2, Username: "jdoe1", Email: "another@elsewhere.example.com", Active: true},
	)
	resolver, _, _ := newTestResolver(accounts, newFakeLinkStore())

	resolved, err := resolver.Resolve(context.Background(), resolverProvider(), samlIdentity())
	require.NoError(t, err)
	assert.Equal(t, "jdoe2", resolved.Username)
}

func TestResolveDomainPolicy(t *testing.T) {
	tests := []struct {
		name     string
		allowed  []string
		blocked  []string
		email    string
		wantCode ErrorCode
	}{
		{name: "no policy", email: "a@anywhere.example.org"},
		{name: "allowed domain", allowed: []string{"corp.example.com"}, email: "a@corp.example.com"},
		{name: "allowed case insensitive", allowed: []string{"Corp.Example.Com"}, email: "a@CORP.example.com"},
		{name: "not in allowlist", allowed: []string{"corp.example.com"},
			email: "a@evil.example.org", wantCode: CodeDomainBlocked},
		{name: "blocked domain", blocked: []string{"contractor.example.net"},
			email: "a@contractor.example.net", wantCode: CodeDomainBlocked},
		{name: "blocklist beats allowlist", allowed: []string{"corp.example.com"},
			blocked: []string{"corp.example.com"}, email: "a@corp.example.com", wantCode: CodeDomainBlocked},
		{name: "policy with no email fails closed", allowed: []string{"corp.example.com"},
			email: "", wantCode: CodeMissingEmail},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := resolverProvider()
			cfg.AllowedDomains = tc.allowed
			cfg.BlockedDomains = tc.blocked
			resolver, _, _ := newTestResolver(newFakeAccountStore(), newFakeLinkStore())

			identity := samlIdentity()
			identity.Email = tc.email

			_, err := resolver.Resolve(context.Background(), cfg, identity)
			if tc.wantCode == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tc.wantCode, FailureCode(err))
			}
		})
	}
}

func TestPickUsernameFallbacks(t *testing.T) {
	resolver, _, _ := newTestResolver(newFakeAccountStore(), newFakeLinkStore())
	ctx := context.Background()

	tests := []struct {
		name     string
		identity *ExternalIdentity
		want     string
	}{
		{"provider username", &ExternalIdentity{Username: "JDoe"}, "jdoe"},
		{"email local part", &ExternalIdentity{Email: "jane.doe@corp.example.com"}, "jane.doe"},
		{"first dot last", &ExternalIdentity{FirstName: "Jane", LastName: "Doe"}, "jane.doe"},
		{"sanitized", &ExternalIdentity{Username: "J Doe (admin)!"}, "jdoeadmin"},
		{"generic fallback", &ExternalIdentity{}, "user"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolver.pickUsername(ctx, tc.identity)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEmailDomain(t *testing.T) {
	assert.Equal(t, "corp.example.com", emailDomain("jdoe@corp.example.com"))
	assert.Equal(t, "b.example.com", emailDomain(`"weird@local"@b.example.com`))
	assert.Equal(t, "", emailDomain("no-at-sign"))
	assert.Equal(t, "", emailDomain("trailing@"))
	assert.Equal(t, "", emailDomain(""))
}
