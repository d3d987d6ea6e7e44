// Package accounts is the thin credential-exchange collaborator spec.md
// §1 externalizes ("Authentication providers... Spec'd only by the
// credential exchange contract"): it only verifies an email/password
// pair and reports whether the resulting UserID exists, so the Device &
// Key Registry and Session Service have something concrete to call from
// POST /auth/v1/login. It never appears in the messaging core's
// invariants.
package accounts

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jaydenbeard/eko-relay/internal/model"
	"golang.org/x/crypto/argon2"
)

var ErrEmailTaken = errors.New("email already registered")

// argon2Params mirrors the OWASP-recommended interactive-login
// parameters the teacher's Argon2Hasher used (internal/security/argon2.go),
// narrowed to just hash/verify since key rotation and "high security"
// tiers have no caller in this domain.
type argon2Params struct {
	time, memory uint32
	threads      uint8
	keyLength    uint32
	saltLength   uint32
}

func defaultParams() argon2Params {
	return argon2Params{time: 1, memory: 64 * 1024, threads: 4, keyLength: 32, saltLength: 16}
}

// HashPassword returns an encoded $argon2id$... string, same shape the
// teacher's Argon2Hasher.HashPassword produces.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	p := defaultParams()
	salt := make([]byte, p.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyPassword constant-time compares password against an encoded hash.
func VerifyPassword(password, encoded string) (bool, error) {
	if password == "" || encoded == "" {
		return false, errors.New("password and hash required")
	}
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("unrecognized hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, err
	}
	var memory, t uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &t, &threads); err != nil {
		return false, err
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, t, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// Store is the credential-exchange collaborator: create an account at
// registration time, verify credentials at login time. A UserID it
// returns must already satisfy devices.Store.RegisterDevice's "the user
// must exist" precondition (spec §4.1).
type Store interface {
	CreateAccount(ctx context.Context, email, password string) (model.UserID, error)
	VerifyCredentials(ctx context.Context, email, password string) (model.UserID, bool, error)
}

type MemoryStore struct {
	mu    sync.Mutex
	byID  map[model.UserID]string // userID -> password hash
	email map[string]model.UserID
	next  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[model.UserID]string), email: make(map[string]model.UserID)}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, email, password string) (model.UserID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.email[email]; exists {
		return "", ErrEmailTaken
	}
	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	m.next++
	uid := model.UserID(fmt.Sprintf("u-%d", m.next))
	m.email[email] = uid
	m.byID[uid] = hash
	return uid, nil
}

func (m *MemoryStore) VerifyCredentials(ctx context.Context, email, password string) (model.UserID, bool, error) {
	m.mu.Lock()
	uid, ok := m.email[email]
	hash := m.byID[uid]
	m.mu.Unlock()
	if !ok {
		return "", false, nil
	}
	match, err := VerifyPassword(password, hash)
	if err != nil || !match {
		return "", false, nil
	}
	return uid, true, nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateAccount(ctx context.Context, email, password string) (model.UserID, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	var uid string
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash) VALUES ($1, $2) RETURNING id`, email, hash,
	).Scan(&uid)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return "", ErrEmailTaken
		}
		return "", err
	}
	return model.UserID(uid), nil
}

func (p *PostgresStore) VerifyCredentials(ctx context.Context, email, password string) (model.UserID, bool, error) {
	var uid, hash string
	err := p.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email,
	).Scan(&uid, &hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	match, err := VerifyPassword(password, hash)
	if err != nil || !match {
		return "", false, nil
	}
	return model.UserID(uid), true, nil
}
