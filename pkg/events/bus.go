// Package events provides the typed event bus external collaborators
// (notification, analytics, consent capture) subscribe to at startup.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is implemented by every published event type
type Event interface {
	EventName() string
}

// LoginSucceeded is published after an identity resolved to an account and
// a session was created.
type LoginSucceeded struct {
	UserID       int64
	ProviderType string
	ProviderID   string
	ExternalID   string
	SessionID    string
	At           time.Time
}

func (LoginSucceeded) EventName() string { return "login_succeeded" }

// UserProvisioned is published when auto-provisioning creates an account
type UserProvisioned struct {
	UserID       int64
	Username     string
	Email        string
	Role         string
	ProviderType string
	ProviderID   string
	At           time.Time
}

func (UserProvisioned) EventName() string { return "user_provisioned" }

// UserUpdated is published when a login synced profile fields or the role
type UserUpdated struct {
	UserID        int64
	ChangedFields []string
	At            time.Time
}

func (UserUpdated) EventName() string { return "user_updated" }

// LogoutCompleted is published after local session cleanup finished
type LogoutCompleted struct {
	UserID       int64
	SessionID    string
	ProviderType string
	At           time.Time
}

func (LogoutCompleted) EventName() string { return "logout_completed" }

// Handler receives published events
type Handler func(ctx context.Context, event Event)

// Bus is a synchronous in-process observer registry. Subscribe at startup;
// Publish is safe for concurrent use. A panicking subscriber is isolated so
// it cannot fail the login that triggered it.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
	log  *logrus.Logger
}

// NewBus creates an event bus
func NewBus(log *logrus.Logger) *Bus {
	return &Bus{
		subs: make(map[string][]Handler),
		log:  log,
	}
}

// Subscribe registers a handler for the named event
func (b *Bus) Subscribe(eventName string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventName] = append(b.subs[eventName], h)
}

// Publish delivers the event to all subscribers of its name
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := b.subs[event.EventName()]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, event, h)
	}
}

func (b *Bus) deliver(ctx context.Context, event Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"event": event.EventName(),
				"panic": r,
			}).Error("event subscriber panicked")
		}
	}()
	h(ctx, event)
}
