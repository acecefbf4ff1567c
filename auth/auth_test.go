package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func fakeJWT(payload string) string {
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(`{"alg":"none"}`)) + "." + enc.EncodeToString([]byte(payload)) + ".sig"
}

func TestOAuthProviderAcquire(t *testing.T) {
	exp := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	token := fakeJWT(fmt.Sprintf(`{"sub":"acct-123","exp":%d}`, exp.Unix()))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "password" || r.Form.Get("username") != "me@example.com" {
			t.Errorf("unexpected form: %v", r.Form)
		}
		if r.Header.Get("Authorization") != "Basic abc" {
			t.Errorf("missing client authorization header")
		}
		fmt.Fprintf(w, `{"access_token":%q,"expires_in":3600}`, token)
	}))
	defer srv.Close()

	p := NewOAuthProvider(srv.Client(), map[string]string{"celebrity": srv.URL}, "Basic abc")
	s, err := p.Acquire(context.Background(), Credentials{Scope: "me", Username: "me@example.com", Password: "pw", Brand: "Celebrity"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s.AccountID != "acct-123" {
		t.Fatalf("account id = %q", s.AccountID)
	}
	if s.BrandCode != "C" {
		t.Fatalf("brand code = %q", s.BrandCode)
	}
	if !s.ExpiresAt.Equal(exp) {
		t.Fatalf("expires at = %s, want %s", s.ExpiresAt, exp)
	}
}

func TestOAuthProviderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant","detail":"secret upstream text"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOAuthProvider(srv.Client(), map[string]string{"royal": srv.URL}, "")
	_, err := p.Acquire(context.Background(), Credentials{Scope: "me"})

	var authErr *Error
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !authErr.Rejected || authErr.Status != http.StatusUnauthorized {
		t.Fatalf("unexpected error %+v", authErr)
	}
	if got := authErr.Error(); got != "login for me failed: HTTP 401" {
		t.Fatalf("error text leaks body or changed: %q", got)
	}
}

func TestParseClaimsRequiresSubject(t *testing.T) {
	if _, err := parseClaims("not-a-jwt"); err == nil {
		t.Fatalf("expected error for malformed token")
	}
	if _, err := parseClaims(fakeJWT(`{"exp":1}`)); err == nil {
		t.Fatalf("expected error for missing sub")
	}
}

type countingProvider struct {
	calls int
	ttl   time.Duration
	now   func() time.Time
}

func (p *countingProvider) Acquire(ctx context.Context, creds Credentials) (*Session, error) {
	p.calls++
	return &Session{
		Scope:       creds.Scope,
		AccessToken: fmt.Sprintf("tok-%d", p.calls),
		ExpiresAt:   p.now().Add(p.ttl),
	}, nil
}

func TestCacheReusesUntilExpired(t *testing.T) {
	now := time.Date(2026, 10, 15, 7, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	provider := &countingProvider{ttl: 10 * time.Minute, now: clock}
	cache := NewCache(provider, []Credentials{{Scope: "a"}})
	cache.now = clock
	ctx := context.Background()

	s1, err := cache.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	s2, _ := cache.Get(ctx, "a")
	if s1 != s2 || provider.calls != 1 {
		t.Fatalf("expected cached session, got %d logins", provider.calls)
	}

	now = now.Add(9*time.Minute + 30*time.Second)
	s3, _ := cache.Get(ctx, "a")
	if s3 == s1 || provider.calls != 2 {
		t.Fatalf("expected refresh inside expiry skew, got %d logins", provider.calls)
	}

	cache.Invalidate("a")
	if _, err := cache.Get(ctx, "a"); err != nil || provider.calls != 3 {
		t.Fatalf("expected login after invalidate, got %d (%v)", provider.calls, err)
	}

	_, err = cache.Get(ctx, "unknown")
	var authErr *Error
	if !errors.As(err, &authErr) || !authErr.Rejected {
		t.Fatalf("expected rejected error for unknown scope, got %v", err)
	}
}

type blockingProvider struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls map[string]int
}

func (p *blockingProvider) Acquire(ctx context.Context, creds Credentials) (*Session, error) {
	p.mu.Lock()
	p.calls[creds.Scope]++
	p.mu.Unlock()
	if creds.Scope == "slow" {
		close(p.started)
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Session{Scope: creds.Scope, AccessToken: "tok-" + creds.Scope}, nil
}

func TestCacheLoginDoesNotBlockOtherScopes(t *testing.T) {
	provider := &blockingProvider{
		started: make(chan struct{}),
		release: make(chan struct{}),
		calls:   map[string]int{},
	}
	cache := NewCache(provider, []Credentials{{Scope: "slow"}, {Scope: "fast"}})
	ctx := context.Background()

	slowDone := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "slow")
		slowDone <- err
	}()
	<-provider.started

	fastDone := make(chan error, 1)
	go func() {
		s, err := cache.Get(ctx, "fast")
		if err == nil && s.AccessToken != "tok-fast" {
			err = fmt.Errorf("unexpected token %q", s.AccessToken)
		}
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("get fast: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("login for one scope blocked another scope")
	}

	close(provider.release)
	if err := <-slowDone; err != nil {
		t.Fatalf("get slow: %v", err)
	}
	if _, err := cache.Get(ctx, "slow"); err != nil {
		t.Fatalf("cached get slow: %v", err)
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if provider.calls["slow"] != 1 || provider.calls["fast"] != 1 {
		t.Fatalf("expected one login per scope, got %v", provider.calls)
	}
}
