// Package session supplies access credentials to the connection layer.
//
// The dashboard's auth store owns token acquisition and refresh; this
// package only defines the surface the telemetry client consumes.
package session

import (
	"context"
	"sync"
)

// Provider exposes the current access token for the authenticated user.
type Provider interface {
	// Token returns the current access token. An empty token means the
	// session is not authenticated.
	Token(ctx context.Context) (string, error)
}

// Watcher is implemented by providers whose token can change mid-session.
// The connection layer re-establishes the connection when a change is
// signalled (forced reconnect, not an error).
type Watcher interface {
	Changes() <-chan struct{}
}

// Static is a Provider with a fixed token, for tools and tests.
type Static string

// Token implements Provider.
func (s Static) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// Store is a mutable Provider that signals token changes. The auth layer
// calls SetToken on refresh; the connection layer watches Changes.
type Store struct {
	mu      sync.Mutex
	token   string
	changes chan struct{}
}

// NewStore creates a Store with an initial token.
func NewStore(token string) *Store {
	return &Store{
		token:   token,
		changes: make(chan struct{}, 1),
	}
}

// Token implements Provider.
func (s *Store) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

// SetToken replaces the token and signals watchers if it changed.
func (s *Store) SetToken(token string) {
	s.mu.Lock()
	changed := token != s.token
	s.token = token
	s.mu.Unlock()

	if !changed {
		return
	}
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Changes implements Watcher.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}
