package devices

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jaydenbeard/eko-relay/internal/model"
)

// PostgresStore is the durable Store backend, following the teacher's
// plain database/sql + lib/pq idiom (see internal/db/postgres.go):
// one struct wrapping *sql.DB, explicit $N placeholders, no ORM.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) RegisterDevice(ctx context.Context, userID model.UserID, name string, identityKey []byte, registrationID uint32, preKeys []model.PreKey, signedPreKey model.SignedPreKey, clientIP, userAgent string, refreshTTL time.Duration) (model.DeviceID, string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.DeviceID{}, "", err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE user_id = $1)`, string(userID)).Scan(&exists); err != nil {
		return model.DeviceID{}, "", err
	}
	if !exists {
		return model.DeviceID{}, "", errUserNotFound(userID)
	}

	deviceID := model.NewDeviceID()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO devices (device_id, user_id, name, identity_key, registration_id, registered_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.UUID(deviceID), string(userID), name, identityKey, registrationID, time.Now(),
	); err != nil {
		return model.DeviceID{}, "", err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO signed_pre_keys (device_id, key_id, public_key, signature) VALUES ($1, $2, $3, $4)`,
		uuid.UUID(deviceID), signedPreKey.KeyID, signedPreKey.PublicKey, signedPreKey.Signature,
	); err != nil {
		return model.DeviceID{}, "", err
	}

	for _, pk := range preKeys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pre_keys (device_id, key_id, public_key) VALUES ($1, $2, $3)`,
			uuid.UUID(deviceID), pk.KeyID, pk.PublicKey,
		); err != nil {
			return model.DeviceID{}, "", err
		}
	}

	token := uuid.New().String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token, device_id, user_id, client_ip, user_agent, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		token, uuid.UUID(deviceID), string(userID), clientIP, userAgent, time.Now().Add(refreshTTL), time.Now(),
	); err != nil {
		return model.DeviceID{}, "", err
	}

	if err := tx.Commit(); err != nil {
		return model.DeviceID{}, "", err
	}
	return deviceID, token, nil
}

// RotateRefreshToken never distinguishes "not found" from "user-agent
// mismatch" from "expired" in its return value: all three collapse to
// ok=false so the caller can surface a uniform 401.
func (p *PostgresStore) RotateRefreshToken(ctx context.Context, oldToken, clientIP, userAgent string, refreshTTL time.Duration) (string, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var deviceID uuid.UUID
	var userID string
	var expiresAt time.Time
	var storedUserAgent string
	err = tx.QueryRowContext(ctx,
		`SELECT device_id, user_id, expires_at, user_agent FROM refresh_tokens WHERE token = $1`,
		oldToken,
	).Scan(&deviceID, &userID, &expiresAt, &storedUserAgent)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if time.Now().After(expiresAt) || storedUserAgent != userAgent {
		return "", false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token = $1`, oldToken); err != nil {
		return "", false, err
	}

	newToken := uuid.New().String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token, device_id, user_id, client_ip, user_agent, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		newToken, deviceID, userID, clientIP, userAgent, time.Now().Add(refreshTTL), time.Now(),
	); err != nil {
		return "", false, err
	}

	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return newToken, true, nil
}

// Logout relies on cascading deletes rooted at devices: removing the
// device row drops its prekeys, signed prekey and refresh tokens.
func (p *PostgresStore) Logout(ctx context.Context, refreshToken string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM devices WHERE device_id = (SELECT device_id FROM refresh_tokens WHERE token = $1)`,
		refreshToken,
	)
	return err
}

// TakePreKeyBundle selects and deletes one one-time prekey atomically
// via a CTE, then joins the device's identity/registration id and its
// signed prekey in the same transaction.
func (p *PostgresStore) TakePreKeyBundle(ctx context.Context, target model.DeviceID) (*model.PreKeyBundle, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var keyID uint32
	var preKey []byte
	err = tx.QueryRowContext(ctx,
		`DELETE FROM pre_keys WHERE ctid = (
			SELECT ctid FROM pre_keys WHERE device_id = $1 LIMIT 1 FOR UPDATE SKIP LOCKED
		) RETURNING key_id, public_key`,
		uuid.UUID(target),
	).Scan(&keyID, &preKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var identityKey []byte
	var registrationID uint32
	err = tx.QueryRowContext(ctx,
		`SELECT identity_key, registration_id FROM devices WHERE device_id = $1`,
		uuid.UUID(target),
	).Scan(&identityKey, &registrationID)
	if err != nil {
		return nil, err
	}

	var signedKeyID uint32
	var signedPublicKey, signature []byte
	err = tx.QueryRowContext(ctx,
		`SELECT key_id, public_key, signature FROM signed_pre_keys WHERE device_id = $1`,
		uuid.UUID(target),
	).Scan(&signedKeyID, &signedPublicKey, &signature)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &model.PreKeyBundle{
		DeviceID:              target,
		IdentityKey:           identityKey,
		RegistrationID:        registrationID,
		PreKeyID:              keyID,
		PreKey:                preKey,
		SignedPreKeyID:        signedKeyID,
		SignedPreKey:          signedPublicKey,
		SignedPreKeySignature: signature,
	}, nil
}

func (p *PostgresStore) ApprovedDevices(ctx context.Context, user model.UserID) ([]model.DeviceID, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT device_id FROM devices WHERE user_id = $1`, string(user))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeviceID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, model.DeviceID(id))
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeviceOwner(ctx context.Context, device model.DeviceID) (model.UserID, bool, error) {
	var userID string
	err := p.db.QueryRowContext(ctx, `SELECT user_id FROM devices WHERE device_id = $1`, uuid.UUID(device)).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return model.UserID(userID), true, nil
}
