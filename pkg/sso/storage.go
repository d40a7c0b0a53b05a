package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AccountStore persists local user accounts
type AccountStore interface {
	GetByID(ctx context.Context, id int64) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	Create(ctx context.Context, account *Account) error
	Update(ctx context.Context, account *Account) error
	TouchLogin(ctx context.Context, id int64) error
}

// LinkStore persists identity links. Find returns (nil, nil) when no link
// exists.
type LinkStore interface {
	Find(ctx context.Context, providerType ProviderType, providerID, externalID string) (*IdentityLink, error)
	Upsert(ctx context.Context, link *IdentityLink) error
	CountForUser(ctx context.Context, userID int64) (int, error)
	Touch(ctx context.Context, id int64) error
}

// SessionStore persists SSO sessions. Get returns (nil, nil) when the
// session does not exist.
type SessionStore interface {
	Insert(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	UpdateActivity(ctx context.Context, id string, at time.Time) error
	UpdateTokens(ctx context.Context, id string, tokens *TokenSet) error
	Delete(ctx context.Context, id string) error
	ListByExternalID(ctx context.Context, providerType ProviderType, externalID string) ([]*Session, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// SQLAccountStore is the database-backed AccountStore
type SQLAccountStore struct {
	db *sql.DB
}

// NewSQLAccountStore creates an account store on the given database
func NewSQLAccountStore(db *sql.DB) *SQLAccountStore {
	return &SQLAccountStore{db: db}
}

const accountColumns = `id, username, email, display_name, first_name, last_name, role, active, created_at, updated_at, last_login_at`

func (s *SQLAccountStore) scanAccount(row *sql.Row) (*Account, error) {
	account := &Account{}
	err := row.Scan(&account.ID, &account.Username, &account.Email, &account.DisplayName,
		&account.FirstName, &account.LastName, &account.Role, &account.Active,
		&account.CreatedAt, &account.UpdatedAt, &account.LastLoginAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetByID loads an account by primary key
func (s *SQLAccountStore) GetByID(ctx context.Context, id int64) (*Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// GetByEmail loads an account by email
func (s *SQLAccountStore) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1)`, email))
}

// UsernameExists reports whether a username is taken
func (s *SQLAccountStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE username = $1)`, username).Scan(&exists)
	return exists, err
}

// Create inserts a new account and fills its ID
func (s *SQLAccountStore) Create(ctx context.Context, account *Account) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (username, email, display_name, first_name, last_name, role, active, created_at, updated_at, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, NOW(), NOW(), NOW())
		RETURNING id
	`, account.Username, account.Email, account.DisplayName, account.FirstName,
		account.LastName, account.Role).Scan(&account.ID)
}

// Update persists profile and role changes
func (s *SQLAccountStore) Update(ctx context.Context, account *Account) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET email = $1, display_name = $2, first_name = $3, last_name = $4, role = $5, updated_at = NOW()
		WHERE id = $6
	`, account.Email, account.DisplayName, account.FirstName, account.LastName,
		account.Role, account.ID)
	return err
}

// TouchLogin updates the last login timestamp
func (s *SQLAccountStore) TouchLogin(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_login_at = NOW() WHERE id = $1`, id)
	return err
}

// SQLLinkStore is the database-backed LinkStore
type SQLLinkStore struct {
	db *sql.DB
}

// NewSQLLinkStore creates an identity link store on the given database
func NewSQLLinkStore(db *sql.DB) *SQLLinkStore {
	return &SQLLinkStore{db: db}
}

// Find loads a link by its natural key
func (s *SQLLinkStore) Find(ctx context.Context, providerType ProviderType, providerID, externalID string) (*IdentityLink, error) {
	link := &IdentityLink{}
	var profileJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider_type, provider_id, external_id, email, profile_data, is_primary, linked_at, last_login
		FROM identity_links
		WHERE provider_type = $1 AND provider_id = $2 AND external_id = $3
	`, providerType, providerID, externalID).Scan(
		&link.ID, &link.UserID, &link.ProviderType, &link.ProviderID, &link.ExternalID,
		&link.Email, &profileJSON, &link.IsPrimary, &link.LinkedAt, &link.LastLogin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(profileJSON) > 0 {
		if err := json.Unmarshal(profileJSON, &link.ProfileData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal profile data: %w", err)
		}
	}
	return link, nil
}

// Upsert inserts a link, or refreshes last_login when the natural key
// already exists. The unique index on (provider_type, provider_id,
// external_id) makes a duplicate create an idempotent update.
func (s *SQLLinkStore) Upsert(ctx context.Context, link *IdentityLink) error {
	var profileJSON []byte
	var err error
	if link.ProfileData != nil {
		profileJSON, err = json.Marshal(link.ProfileData)
		if err != nil {
			return fmt.Errorf("failed to marshal profile data: %w", err)
		}
	}

	return s.db.QueryRowContext(ctx, `
		INSERT INTO identity_links (user_id, provider_type, provider_id, external_id, email, profile_data, is_primary, linked_at, last_login)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (provider_type, provider_id, external_id)
		DO UPDATE SET email = EXCLUDED.email, profile_data = EXCLUDED.profile_data, last_login = NOW()
		RETURNING id
	`, link.UserID, link.ProviderType, link.ProviderID, link.ExternalID,
		link.Email, profileJSON, link.IsPrimary).Scan(&link.ID)
}

// CountForUser counts existing links for an account
func (s *SQLLinkStore) CountForUser(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM identity_links WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

// Touch updates a link's last login timestamp
func (s *SQLLinkStore) Touch(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE identity_links SET last_login = NOW() WHERE id = $1`, id)
	return err
}

// SQLSessionStore is the database-backed SessionStore
type SQLSessionStore struct {
	db *sql.DB
}

// NewSQLSessionStore creates a session store on the given database
func NewSQLSessionStore(db *sql.DB) *SQLSessionStore {
	return &SQLSessionStore{db: db}
}

const sessionColumns = `id, user_id, provider_type, provider_id, external_id, session_index, attributes, access_token, refresh_token, token_expires, ip, user_agent, created_at, expires_at, last_activity`

// Insert persists a new session
func (s *SQLSessionStore) Insert(ctx context.Context, session *Session) error {
	var attrsJSON []byte
	var err error
	if session.Attributes != nil {
		attrsJSON, err = json.Marshal(session.Attributes)
		if err != nil {
			return fmt.Errorf("failed to marshal session attributes: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sso_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, session.ID, session.UserID, session.ProviderType, session.ProviderID,
		session.ExternalID, session.SessionIndex, attrsJSON, session.AccessToken,
		session.RefreshToken, session.TokenExpires, session.IP, session.UserAgent,
		session.CreatedAt, session.ExpiresAt, session.LastActivity)
	return err
}

func scanSession(scan func(dest ...interface{}) error) (*Session, error) {
	session := &Session{}
	var attrsJSON []byte
	err := scan(&session.ID, &session.UserID, &session.ProviderType, &session.ProviderID,
		&session.ExternalID, &session.SessionIndex, &attrsJSON, &session.AccessToken,
		&session.RefreshToken, &session.TokenExpires, &session.IP, &session.UserAgent,
		&session.CreatedAt, &session.ExpiresAt, &session.LastActivity)
	if err != nil {
		return nil, err
	}
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &session.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session attributes: %w", err)
		}
	}
	return session, nil
}

// Get loads a session by ID
func (s *SQLSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sso_sessions WHERE id = $1`, id)
	session, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return session, err
}

// UpdateActivity records session activity
func (s *SQLSessionStore) UpdateActivity(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sso_sessions SET last_activity = $1 WHERE id = $2`, at, id)
	return err
}

// UpdateTokens persists refreshed provider tokens
func (s *SQLSessionStore) UpdateTokens(ctx context.Context, id string, tokens *TokenSet) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sso_sessions SET access_token = $1, refresh_token = $2, token_expires = $3 WHERE id = $4
	`, tokens.AccessToken, tokens.RefreshToken, tokens.Expiry, id)
	return err
}

// Delete removes a session
func (s *SQLSessionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sso_sessions WHERE id = $1`, id)
	return err
}

// ListByExternalID finds every session for a provider subject; used for
// IdP-initiated single logout.
func (s *SQLSessionStore) ListByExternalID(ctx context.Context, providerType ProviderType, externalID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sso_sessions WHERE provider_type = $1 AND external_id = $2`,
		providerType, externalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// DeleteExpired removes expired sessions and reports how many were dropped
func (s *SQLSessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sso_sessions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
