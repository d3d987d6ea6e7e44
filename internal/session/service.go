// Package session issues and validates the bearer JWTs that stand in
// for a device's login session (spec §2/§6): a 15-minute access token
// presented on every request and a 31-day refresh token exchanged at
// /auth/v1/refresh. Adapted from the teacher's internal/auth.AuthService,
// narrowed to JWT issuance/validation — the teacher's phone-code/TOTP/
// SMS verification flow has no home in this domain and does not survive
// the rewrite.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jaydenbeard/eko-relay/internal/model"
)

const (
	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 31 * 24 * time.Hour
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrWrongType    = errors.New("token is not of the expected type")
)

type tokenType string

const (
	typeAccess  tokenType = "access"
	typeRefresh tokenType = "refresh"
)

// Claims is what ValidateAccessToken and ValidateRefreshToken hand back
// to callers; Roles mirrors the spec's bearer-claim roles array.
type Claims struct {
	UserID   model.UserID
	DeviceID model.DeviceID
	Roles    []string
}

type jwtClaims struct {
	DeviceID string    `json:"did"`
	Roles    []string  `json:"roles,omitempty"`
	Type     tokenType `json:"typ"`
	jwt.RegisteredClaims
}

// Service signs and verifies session JWTs with dual-key rotation
// support, the same current/previous secret idiom the teacher's
// JWTKeyManager uses, so an in-flight secret rotation never logs out
// every connected device at once.
type Service struct {
	mu       sync.RWMutex
	current  []byte
	previous []byte
}

func NewService(secret string) (*Service, error) {
	if len(secret) < 32 {
		return nil, errors.New("JWT secret must be at least 32 bytes")
	}
	return &Service{current: []byte(secret)}, nil
}

// RotateSecret promotes the current secret to previous and installs a
// new current one, so tokens signed moments ago keep validating until
// they naturally expire.
func (s *Service) RotateSecret(newSecret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = s.current
	s.current = []byte(newSecret)
}

func (s *Service) secrets() (current, previous []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.previous
}

// IssueTokens mints a fresh access/refresh pair for a device's session.
func (s *Service) IssueTokens(userID model.UserID, deviceID model.DeviceID, roles []string) (access, refresh string, expiresAt time.Time, err error) {
	now := time.Now()
	accessExpiry := now.Add(AccessTokenTTL)

	access, err = s.sign(jwtClaims{
		DeviceID: deviceID.String(),
		Roles:    roles,
		Type:     typeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiry),
		},
	})
	if err != nil {
		return "", "", time.Time{}, err
	}

	refresh, err = s.sign(jwtClaims{
		DeviceID: deviceID.String(),
		Roles:    roles,
		Type:     typeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(RefreshTokenTTL)),
		},
	})
	if err != nil {
		return "", "", time.Time{}, err
	}

	return access, refresh, accessExpiry, nil
}

func (s *Service) sign(c jwtClaims) (string, error) {
	current, _ := s.secrets()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(current)
}

// ValidateAccessToken is the verb internal/httpmw.AuthMiddleware and the
// WebSocket upgrade handler call on every request.
func (s *Service) ValidateAccessToken(token string) (Claims, error) {
	return s.validate(token, typeAccess)
}

func (s *Service) ValidateRefreshToken(token string) (Claims, error) {
	return s.validate(token, typeRefresh)
}

func (s *Service) validate(token string, want tokenType) (Claims, error) {
	current, previous := s.secrets()

	claims, err := parseWithSecret(token, current)
	if err != nil && len(previous) > 0 {
		claims, err = parseWithSecret(token, previous)
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrInvalidToken
	}

	if claims.Type != want {
		return Claims{}, ErrWrongType
	}

	rawID, err := uuid.Parse(claims.DeviceID)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	deviceID := model.DeviceID(rawID)

	return Claims{
		UserID:   model.UserID(claims.Subject),
		DeviceID: deviceID,
		Roles:    claims.Roles,
	}, nil
}

func parseWithSecret(token string, secret []byte) (*jwtClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*jwtClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
