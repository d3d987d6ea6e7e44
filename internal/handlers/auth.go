// Package handlers implements the HTTP surface (spec §6): login/refresh/
// logout/OIDC, the per-user inbox/outbox/keys/groups routes, and push
// subscription register/revoke. Adapted from the teacher's
// internal/handlers/auth_handlers.go request/response shape (JSON body
// in, typed response out, getClientIP for refresh-token binding),
// narrowed from phone+PIN registration to the device-registration flow
// this domain actually has.
package handlers

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jaydenbeard/eko-relay/internal/accounts"
	"github.com/jaydenbeard/eko-relay/internal/actors"
	"github.com/jaydenbeard/eko-relay/internal/apperr"
	"github.com/jaydenbeard/eko-relay/internal/devices"
	"github.com/jaydenbeard/eko-relay/internal/httpmw"
	"github.com/jaydenbeard/eko-relay/internal/metrics"
	"github.com/jaydenbeard/eko-relay/internal/model"
	"github.com/jaydenbeard/eko-relay/internal/session"
)

// Auth bundles the collaborators the auth.v1 routes need.
type Auth struct {
	Domain   string
	Accounts accounts.Store
	Devices  devices.Store
	Actors   actors.Store
	Sessions *session.Service
	OIDC     *session.OIDCProvider // nil when OIDC_ISSUER is unset
}

type preKeyInput struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
}

type signedPreKeyInput struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

type loginRequest struct {
	Email          string              `json:"email"`
	Password       string              `json:"password"`
	DeviceName     string              `json:"deviceName"`
	IdentityKey    []byte              `json:"identityKey"`
	RegistrationID uint32              `json:"registrationId"`
	PreKeys        []preKeyInput       `json:"preKeys"`
	SignedPreKey   signedPreKeyInput   `json:"signedPreKey"`
}

type loginResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	DeviceID     string    `json:"deviceId"`
	UserID       string    `json:"userId"`
}

// Login verifies credentials, registers a fresh device under the
// resulting user, and issues a session (spec §6's POST /auth/v1/login).
func (a *Auth) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.WriteError(w, apperr.BadRequestf("malformed request body"))
		return
	}

	uid, ok, err := a.Accounts.VerifyCredentials(r.Context(), req.Email, req.Password)
	if err != nil {
		httpmw.WriteError(w, apperr.Internalf("failed to verify credentials", err))
		return
	}
	if !ok {
		metrics.RecordAuthAttempt("login", false)
		httpmw.WriteError(w, apperr.Unauthorizedf("invalid email or password"))
		return
	}

	resp, err := a.registerDeviceAndIssue(r, uid, req.DeviceName, req.IdentityKey, req.RegistrationID, req.PreKeys, req.SignedPreKey)
	if err != nil {
		httpmw.WriteError(w, err)
		return
	}
	metrics.RecordAuthAttempt("login", true)
	httpmw.WriteJSON(w, http.StatusOK, resp)
}

func (a *Auth) registerDeviceAndIssue(r *http.Request, uid model.UserID, deviceName string, identityKey []byte, registrationID uint32, preKeys []preKeyInput, signed signedPreKeyInput) (*loginResponse, error) {
	pks := make([]model.PreKey, len(preKeys))
	for i, pk := range preKeys {
		pks[i] = model.PreKey{KeyID: pk.KeyID, PublicKey: pk.PublicKey}
	}

	deviceID, refreshToken, err := a.Devices.RegisterDevice(
		r.Context(), uid, deviceName, identityKey, registrationID, pks,
		model.SignedPreKey{KeyID: signed.KeyID, PublicKey: signed.PublicKey, Signature: signed.Signature},
		getClientIP(r), r.UserAgent(), session.RefreshTokenTTL,
	)
	if err != nil {
		return nil, apperr.Internalf("failed to register device", err)
	}

	actorURI := model.ActorURIFor(a.Domain, uid)
	if err := a.Actors.UpsertLocalActor(r.Context(), actorURI,
		fmt.Sprintf("%s/inbox", actorURI), fmt.Sprintf("%s/outbox", actorURI)); err != nil {
		return nil, apperr.Internalf("failed to materialize local actor", err)
	}

	access, refresh, expiresAt, err := a.Sessions.IssueTokens(uid, deviceID, nil)
	if err != nil {
		return nil, apperr.Internalf("failed to issue session tokens", err)
	}
	_ = refreshToken // device store's own refresh token binds rotation; session's refresh JWT is the bearer credential exchanged at /auth/v1/refresh

	return &loginResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		DeviceID:     deviceID.String(),
		UserID:       string(uid),
	}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Refresh exchanges a still-valid refresh token for a fresh access/
// refresh pair, never revealing why a rotation was rejected (spec §9).
func (a *Auth) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.WriteError(w, apperr.BadRequestf("malformed request body"))
		return
	}

	claims, err := a.Sessions.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		metrics.RecordAuthAttempt("refresh", false)
		httpmw.WriteError(w, apperr.Unauthorizedf("invalid or expired refresh token"))
		return
	}

	access, refresh, expiresAt, err := a.Sessions.IssueTokens(claims.UserID, claims.DeviceID, claims.Roles)
	if err != nil {
		httpmw.WriteError(w, apperr.Internalf("failed to issue session tokens", err))
		return
	}
	metrics.RecordAuthAttempt("refresh", true)
	httpmw.WriteJSON(w, http.StatusOK, refreshResponse{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt})
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Logout deletes the device bound to refreshToken; cascades remove its
// prekeys, signed prekey, and refresh tokens.
func (a *Auth) Logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.WriteError(w, apperr.BadRequestf("malformed request body"))
		return
	}
	if err := a.Devices.Logout(r.Context(), req.RefreshToken); err != nil {
		httpmw.WriteError(w, apperr.Internalf("failed to log out", err))
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// OIDCLogin mints a CSRF state + nonce and returns the provider's
// authorization URL (spec §6's GET /auth/v1/oidc/login).
func (a *Auth) OIDCLogin(w http.ResponseWriter, r *http.Request) {
	if a.OIDC == nil {
		httpmw.WriteError(w, apperr.NotFoundf("OIDC is not configured"))
		return
	}
	loginURL, state, err := a.OIDC.BeginLogin()
	if err != nil {
		httpmw.WriteError(w, apperr.Internalf("failed to start OIDC login", err))
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, map[string]string{"loginUrl": loginURL, "state": state})
}

// OIDCCallback completes the authorization-code exchange and returns a
// short-lived verification token the client redeems at
// /auth/v1/oidc/complete to finish device registration.
func (a *Auth) OIDCCallback(w http.ResponseWriter, r *http.Request) {
	if a.OIDC == nil {
		httpmw.WriteError(w, apperr.NotFoundf("OIDC is not configured"))
		return
	}
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	subject, email, err := a.OIDC.CompleteCallback(r.Context(), state, code)
	if err != nil {
		httpmw.WriteError(w, apperr.Unauthorizedf("CSRF or nonce validation failed"))
		return
	}

	httpmw.WriteJSON(w, http.StatusOK, map[string]string{
		"verificationToken": subject,
		"email":             email,
		"uid":               subject,
	})
}

type oidcCompleteRequest struct {
	VerificationToken string            `json:"verificationToken"`
	DeviceName        string            `json:"deviceName"`
	IdentityKey       []byte            `json:"identityKey"`
	RegistrationID    uint32            `json:"registrationId"`
	PreKeys           []preKeyInput     `json:"preKeys"`
	SignedPreKey      signedPreKeyInput `json:"signedPreKey"`
}

// OIDCComplete finishes an OIDC-authenticated login by registering a
// device under the verified subject, same shape as Login once identity
// is established.
func (a *Auth) OIDCComplete(w http.ResponseWriter, r *http.Request) {
	var req oidcCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.WriteError(w, apperr.BadRequestf("malformed request body"))
		return
	}
	if req.VerificationToken == "" {
		httpmw.WriteError(w, apperr.Unauthorizedf("missing verification token"))
		return
	}

	uid := model.UserID(req.VerificationToken)
	resp, err := a.registerDeviceAndIssue(r, uid, req.DeviceName, req.IdentityKey, req.RegistrationID, req.PreKeys, req.SignedPreKey)
	if err != nil {
		httpmw.WriteError(w, err)
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, resp)
}

// getClientIP extracts the real client IP, preferring proxy headers over
// RemoteAddr — same precedence the teacher's handlers/common.go used.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
