package model

import "time"

// Device is a user-owned endpoint with its own identity/prekey material.
// Created at registration (tied to a login); destroyed at logout, which
// cascades to its prekeys and refresh token.
type Device struct {
	DeviceID       DeviceID
	UserID         UserID
	Name           string
	IdentityKey    []byte
	RegistrationID uint32
	RegisteredAt   time.Time
}

// SignedPreKey is the device's current signed prekey; it persists across
// one-time prekey consumption.
type SignedPreKey struct {
	DeviceID  DeviceID
	KeyID     uint32
	PublicKey []byte
	Signature []byte
}

// PreKey is a one-time prekey for X3DH-style session establishment. Each
// bundle issue consumes (deletes) exactly one.
type PreKey struct {
	DeviceID  DeviceID
	KeyID     uint32
	PublicKey []byte
}

// PreKeyBundle is the one-shot material a sender needs to start a
// session with a device.
type PreKeyBundle struct {
	DeviceID              DeviceID `json:"deviceId"`
	IdentityKey           []byte   `json:"identityKey"`
	RegistrationID        uint32   `json:"registrationId"`
	PreKeyID              uint32   `json:"preKeyId"`
	PreKey                []byte   `json:"preKey"`
	SignedPreKeyID        uint32   `json:"signedPreKeyId"`
	SignedPreKey          []byte   `json:"signedPreKey"`
	SignedPreKeySignature []byte   `json:"signedPreKeySignature"`
}

// RefreshToken binds a rotating opaque token to a device, independent of
// the access-token signing key managed by the session service.
type RefreshToken struct {
	Token      string
	DeviceID   DeviceID
	UserID     UserID
	ClientIP   string
	UserAgent  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Actor records a local ActivityPub principal's inbox/outbox URLs.
// Created at first login of its owner.
type Actor struct {
	URI       ActorURI
	IsLocal   bool
	InboxURL  string
	OutboxURL string
}

// GroupState is an opaque, monotonic per-(user,group) blob. Epoch never
// decreases for a given (UserID, GroupID) pair.
type GroupState struct {
	UserID           UserID
	GroupID          string
	Epoch            int64
	EncryptedContent []byte
	Encoding         string
	UpdatedAt        time.Time
}

// PushSubscription is a client's Web Push endpoint, upserted by the
// client and consumed by the push notification service to wake an
// offline device.
type PushSubscription struct {
	DeviceID DeviceID
	Endpoint string
	P256DH   string
	Auth     string
}
