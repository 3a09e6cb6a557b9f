// Package webhook delivers workflow lifecycle events to subscribers with
// HMAC-signed payloads, retry with exponential backoff, and dead-lettering.
package webhook

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skymesh/skymesh/types"
)

// Subscription registers a subscriber endpoint for a set of event types.
// EventTypes supports exact names plus wildcard patterns: "workflow.*"
// matches every workflow event and "*" matches everything.
type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Secret string   `json:"-"`
	// PreviousSecret stays valid for verification during rotation.
	PreviousSecret string    `json:"-"`
	EventTypes     []string  `json:"event_types"`
	Enabled        bool      `json:"enabled"`
	RatePerMinute  int       `json:"rate_per_minute,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Matches reports whether the subscription wants the event type.
func (s Subscription) Matches(eventType string) bool {
	for _, pattern := range s.EventTypes {
		if matchEventType(pattern, eventType) {
			return true
		}
	}
	return false
}

// matchEventType supports "*" and single trailing-wildcard patterns like
// "workflow.*".
func matchEventType(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}

// SubscriptionStore is an in-memory registry of subscriptions. It is the
// admin surface; the dispatcher only reads from it.
type SubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

// NewSubscriptionStore creates an empty SubscriptionStore.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[string]Subscription)}
}

// Create registers a subscription and returns it with a generated id.
func (s *SubscriptionStore) Create(url, secret string, eventTypes []string) (Subscription, error) {
	if url == "" {
		return Subscription{}, types.NewError(types.ErrInvalidParams, "subscription url is required")
	}
	if secret == "" {
		return Subscription{}, types.NewError(types.ErrInvalidParams, "subscription secret is required")
	}
	if len(eventTypes) == 0 {
		eventTypes = []string{"*"}
	}

	sub := Subscription{
		ID:         uuid.New().String(),
		URL:        url,
		Secret:     secret,
		EventTypes: eventTypes,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
	return sub, nil
}

// Get returns a subscription by id.
func (s *SubscriptionStore) Get(id string) (Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	return sub, ok
}

// List returns all subscriptions sorted by creation time.
func (s *SubscriptionStore) List() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete removes a subscription.
func (s *SubscriptionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// SetEnabled toggles a subscription.
func (s *SubscriptionStore) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return types.Errorf(types.ErrNotRegistered, "unknown subscription %q", id)
	}
	sub.Enabled = enabled
	s.subs[id] = sub
	return nil
}

// RotateSecret installs a new signing secret. The previous secret remains
// valid for verification until the next rotation.
func (s *SubscriptionStore) RotateSecret(id, newSecret string) error {
	if newSecret == "" {
		return types.NewError(types.ErrInvalidParams, "new secret is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return types.Errorf(types.ErrNotRegistered, "unknown subscription %q", id)
	}
	sub.PreviousSecret = sub.Secret
	sub.Secret = newSecret
	s.subs[id] = sub
	return nil
}

// matching returns enabled subscriptions interested in the event type.
func (s *SubscriptionStore) matching(eventType string) []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Subscription
	for _, sub := range s.subs {
		if sub.Enabled && sub.Matches(eventType) {
			out = append(out, sub)
		}
	}
	return out
}
