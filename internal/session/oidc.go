// OIDC login/callback/complete stubs (spec §6, SPEC_FULL.md §11):
// sufficient to exercise the HTTP contract without a real OIDC
// provider, which spec.md §1 externalizes entirely. Grounded on
// original_source/src/auth/oidc.rs's AuthState (csrf_token/nonce/
// created_at, TTL-checked via is_expired) and, for the actual
// discovery/token-exchange plumbing, the dexidp-dex pack repo's use of
// golang.org/x/oauth2 and coreos/go-oidc/v3 — the same libraries a real
// OIDC relying party in this ecosystem reaches for.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// csrfStateTTL is the window in which a CSRF state token started by
// /auth/v1/oidc/login must be completed by /auth/v1/oidc/callback,
// per spec §9 ("Process-wide TTL map (15 min)").
const csrfStateTTL = 15 * time.Minute

type oidcState struct {
	nonce     string
	createdAt time.Time
}

// OIDCConfig holds the relying-party registration spec §6's env vars
// name (OIDC_ISSUER, OIDC_CLIENT_ID, OIDC_CLIENT_SECRET, OIDC_REDIRECT_URL).
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// OIDCProvider wraps discovery + the CSRF/nonce state table. A restart
// invalidates in-flight logins — acceptable per spec §9, the client
// retries.
type OIDCProvider struct {
	cfg      OIDCConfig
	verifier *oidc.IDTokenVerifier
	oauth2   oauth2.Config

	mu     sync.Mutex
	states map[string]oidcState
}

// NewOIDCProvider discovers the issuer's provider metadata and builds
// an oauth2.Config for the authorization-code flow. Returns an error if
// the issuer is unreachable at startup — callers should treat OIDC as
// optional (only auth/v1/oidc/* becomes unavailable) rather than fatal.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover OIDC provider %s: %w", cfg.IssuerURL, err)
	}
	return &OIDCProvider{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		states: make(map[string]oidcState),
	}, nil
}

// BeginLogin mints a CSRF state + nonce pair, records it with a 15-
// minute TTL, and returns the provider's authorization URL.
func (p *OIDCProvider) BeginLogin() (loginURL, state string, err error) {
	state, err = randomToken()
	if err != nil {
		return "", "", err
	}
	nonce, err := randomToken()
	if err != nil {
		return "", "", err
	}

	p.mu.Lock()
	p.pruneLocked()
	p.states[state] = oidcState{nonce: nonce, createdAt: time.Now()}
	p.mu.Unlock()

	url := p.oauth2.AuthCodeURL(state, oidc.Nonce(nonce))
	return url, state, nil
}

// ErrInvalidState is returned when the callback's state doesn't match a
// live, unexpired login the server started — a CSRF or nonce failure
// per spec §6's 401 case.
var ErrInvalidState = fmt.Errorf("invalid or expired oidc state")

// CompleteCallback exchanges code for tokens, verifies the ID token's
// nonce against the recorded state, and returns the verified claims.
// The state entry is consumed (one-shot) whether or not verification
// succeeds.
func (p *OIDCProvider) CompleteCallback(ctx context.Context, state, code string) (subject, email string, err error) {
	p.mu.Lock()
	st, ok := p.states[state]
	delete(p.states, state)
	p.mu.Unlock()

	if !ok || time.Since(st.createdAt) > csrfStateTTL {
		return "", "", ErrInvalidState
	}

	token, err := p.oauth2.Exchange(ctx, code)
	if err != nil {
		return "", "", fmt.Errorf("exchange code: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return "", "", fmt.Errorf("token response missing id_token")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", "", fmt.Errorf("verify id_token: %w", err)
	}
	if idToken.Nonce != st.nonce {
		return "", "", ErrInvalidState
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", "", fmt.Errorf("parse id_token claims: %w", err)
	}
	return idToken.Subject, claims.Email, nil
}

// pruneLocked drops expired states; called opportunistically on every
// BeginLogin, same "sweep on every auth start" idiom spec §9 specifies
// in place of a dedicated ticker goroutine.
func (p *OIDCProvider) pruneLocked() {
	now := time.Now()
	for k, v := range p.states {
		if now.Sub(v.createdAt) > csrfStateTTL {
			delete(p.states, k)
		}
	}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
