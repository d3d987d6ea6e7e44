// Package devices implements the Device & Key Registry: device
// registration, refresh-token rotation, and one-shot prekey bundle
// issuance. Store is a capability set with a Postgres-backed and an
// in-memory (test) implementation; callers depend only on the
// interface, never on a concrete backend.
package devices

import (
	"context"
	"time"

	"github.com/jaydenbeard/eko-relay/internal/model"
)

// Store is the Device & Key Registry's public operation set (spec §4.1).
type Store interface {
	// RegisterDevice inserts the device, its signed prekey, all one-time
	// prekeys, and one refresh token in a single transaction. Fails if
	// the user does not exist.
	RegisterDevice(ctx context.Context, userID model.UserID, name string, identityKey []byte, registrationID uint32, preKeys []model.PreKey, signedPreKey model.SignedPreKey, clientIP, userAgent string, refreshTTL time.Duration) (model.DeviceID, string, error)

	// RotateRefreshToken looks up oldToken, verifies it is unexpired and
	// user-agent matches, deletes it and inserts a new token bound to
	// the same device. A user-agent mismatch or unknown/expired token is
	// a silent rejection (ok=false), never an error — rotation must
	// never reveal why it failed.
	RotateRefreshToken(ctx context.Context, oldToken, clientIP, userAgent string, refreshTTL time.Duration) (newToken string, ok bool, err error)

	// Logout deletes the device the token points to; cascades remove
	// its prekeys, signed prekey and refresh tokens.
	Logout(ctx context.Context, refreshToken string) error

	// TakePreKeyBundle atomically selects and deletes one one-time
	// prekey for target, joining its identity/registration id and
	// signed prekey. Returns nil, nil if no one-time prekey remains.
	TakePreKeyBundle(ctx context.Context, target model.DeviceID) (*model.PreKeyBundle, error)

	// ApprovedDevices is the fan-out target set for user.
	ApprovedDevices(ctx context.Context, user model.UserID) ([]model.DeviceID, error)

	// DeviceOwner resolves a device to its owning user, for envelope
	// validation and inbox/outbox authorization checks.
	DeviceOwner(ctx context.Context, device model.DeviceID) (model.UserID, bool, error)
}
