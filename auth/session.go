// Package auth acquires and caches authenticated upstream sessions.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// expirySkew treats a token as expired slightly early so it is never sent
// while it lapses mid-request.
const expirySkew = time.Minute

type Credentials struct {
	Scope    string
	Username string
	Password string
	Brand    string // royal or celebrity
}

// Session is an explicit authenticated context passed into adapter calls.
type Session struct {
	Scope       string
	Brand       string
	BrandCode   string
	AccessToken string
	AccountID   string
	ExpiresAt   time.Time
}

func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(expirySkew).Before(s.ExpiresAt)
}

// Error reports a failed login. Rejected is true when the upstream refused the
// credentials rather than being unreachable.
type Error struct {
	Scope    string
	Status   int
	Rejected bool
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("login for %s failed: HTTP %d", e.Scope, e.Status)
	}
	return fmt.Sprintf("login for %s failed: %v", e.Scope, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Provider interface {
	Acquire(ctx context.Context, creds Credentials) (*Session, error)
}

// Cache reuses one session per credential scope until it expires. Logins
// for one scope never hold up Gets for another; concurrent logins for the
// same scope are shared.
type Cache struct {
	mu       sync.Mutex
	provider Provider
	creds    map[string]Credentials
	sessions map[string]*Session
	logins   singleflight.Group
	now      func() time.Time
}

func NewCache(provider Provider, creds []Credentials) *Cache {
	c := &Cache{
		provider: provider,
		creds:    make(map[string]Credentials, len(creds)),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, cr := range creds {
		c.creds[cr.Scope] = cr
	}
	return c
}

// Get returns the cached session for scope or logs in again when it is
// missing or expired.
func (c *Cache) Get(ctx context.Context, scope string) (*Session, error) {
	c.mu.Lock()
	if s, ok := c.sessions[scope]; ok && !s.Expired(c.now()) {
		c.mu.Unlock()
		return s, nil
	}
	creds, ok := c.creds[scope]
	c.mu.Unlock()
	if !ok {
		return nil, &Error{Scope: scope, Rejected: true, Err: fmt.Errorf("no credentials configured")}
	}

	v, err, _ := c.logins.Do(scope, func() (any, error) {
		s, err := c.provider.Acquire(ctx, creds)
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			delete(c.sessions, scope)
			return nil, err
		}
		c.sessions[scope] = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Invalidate drops the cached session so the next Get logs in again.
func (c *Cache) Invalidate(scope string) {
	c.mu.Lock()
	delete(c.sessions, scope)
	c.mu.Unlock()
}
