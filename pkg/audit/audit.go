// Package audit defines the audit-log collaborator consumed by the SSO
// core. Every login success/failure and identity-link/session lifecycle
// event is reported here; persistence is the host's concern.
package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Category groups related event types
type Category string

const (
	CategoryAuth     Category = "auth"
	CategoryIdentity Category = "identity"
	CategorySession  Category = "session"
)

// Severity indicates how urgently an operator should care
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event type identifiers emitted by the SSO core
const (
	EventLoginSucceeded     = "sso.login_succeeded"
	EventLoginFailed        = "sso.login_failed"
	EventSAMLError          = "sso.saml_error"
	EventOAuthError         = "sso.oauth_error"
	EventLDAPError          = "sso.ldap_error"
	EventUserProvisioned    = "sso.user_provisioned"
	EventIdentityLinked     = "sso.identity_linked"
	EventSessionCreated     = "sso.session_created"
	EventSessionExpired     = "sso.session_expired"
	EventLogout             = "sso.logout"
	EventLogoutRemoteFailed = "sso.logout_remote_failed"
)

// Event is a single audit record
type Event struct {
	Type     string
	Category Category
	Severity Severity
	Context  map[string]interface{}
}

// Logger receives audit events and returns an opaque event ID
type Logger interface {
	Log(ctx context.Context, event Event) string
}

// LogrusLogger writes audit events as structured log lines
type LogrusLogger struct {
	log *logrus.Logger
}

// NewLogrusLogger creates an audit logger on top of a logrus logger
func NewLogrusLogger(log *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{log: log}
}

// Log records the event and returns its generated ID
func (l *LogrusLogger) Log(_ context.Context, event Event) string {
	eventID := uuid.NewString()

	fields := logrus.Fields{
		"audit_event_id": eventID,
		"event_type":     event.Type,
		"category":       event.Category,
	}
	for k, v := range event.Context {
		fields[k] = v
	}

	entry := l.log.WithFields(fields)
	switch event.Severity {
	case SeverityError:
		entry.Error("audit event")
	case SeverityWarning:
		entry.Warn("audit event")
	default:
		entry.Info("audit event")
	}
	return eventID
}

// NopLogger discards all events
type NopLogger struct{}

// Log returns an event ID without recording anything
func (NopLogger) Log(context.Context, Event) string { return uuid.NewString() }
