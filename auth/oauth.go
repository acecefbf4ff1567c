package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var DefaultTokenEndpoints = map[string]string{
	"royal":     "https://www.royalcaribbean.com/auth/oauth2/access_token",
	"celebrity": "https://www.celebritycruises.com/auth/oauth2/access_token",
}

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// OAuthProvider logs in with the OAuth2 password grant.
type OAuthProvider struct {
	client     *http.Client
	endpoints  map[string]string
	clientAuth string
	now        func() time.Time
}

func NewOAuthProvider(client *http.Client, endpoints map[string]string, clientAuth string) *OAuthProvider {
	if endpoints == nil {
		endpoints = DefaultTokenEndpoints
	}
	return &OAuthProvider{client: client, endpoints: endpoints, clientAuth: clientAuth, now: time.Now}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (p *OAuthProvider) Acquire(ctx context.Context, creds Credentials) (*Session, error) {
	brand := strings.ToLower(strings.TrimSpace(creds.Brand))
	if brand == "" {
		brand = "royal"
	}
	endpoint, ok := p.endpoints[brand]
	if !ok {
		return nil, &Error{Scope: creds.Scope, Rejected: true, Err: fmt.Errorf("unknown cruise line %q", creds.Brand)}
	}

	form := url.Values{
		"grant_type": {"password"},
		"username":   {creds.Username},
		"password":   {creds.Password},
		"scope":      {"openid profile email vdsid"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Scope: creds.Scope, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)
	if p.clientAuth != "" {
		req.Header.Set("Authorization", p.clientAuth)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &Error{Scope: creds.Scope, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Scope: creds.Scope, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		rejected := resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests
		return nil, &Error{Scope: creds.Scope, Status: resp.StatusCode, Rejected: rejected}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, &Error{Scope: creds.Scope, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tok.AccessToken == "" {
		return nil, &Error{Scope: creds.Scope, Err: fmt.Errorf("token response has no access_token")}
	}

	claims, err := parseClaims(tok.AccessToken)
	if err != nil {
		return nil, &Error{Scope: creds.Scope, Err: err}
	}

	s := &Session{
		Scope:       creds.Scope,
		Brand:       brand,
		BrandCode:   BrandCode(brand),
		AccessToken: tok.AccessToken,
		AccountID:   claims.Subject,
	}
	switch {
	case claims.Expiry > 0:
		s.ExpiresAt = time.Unix(claims.Expiry, 0).UTC()
	case tok.ExpiresIn > 0:
		s.ExpiresAt = p.now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
	}
	return s, nil
}

// BrandCode is the single-letter brand used by the booking APIs.
func BrandCode(brand string) string {
	if strings.EqualFold(brand, "celebrity") {
		return "C"
	}
	return "R"
}

type claims struct {
	Subject string `json:"sub"`
	Expiry  int64  `json:"exp"`
}

// parseClaims reads the unverified JWT payload; the token is only ever sent
// back to the issuer.
func parseClaims(token string) (*claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("access token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, fmt.Errorf("decode JWT payload: %w", err)
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("parse JWT payload: %w", err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("JWT payload has no sub")
	}
	return &c, nil
}
