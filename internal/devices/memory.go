package devices

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jaydenbeard/eko-relay/internal/model"
)

// MemoryStore is an in-memory Store used by tests and by STORAGE_BACKEND=memory
// deployments. All methods are safe for concurrent use.
type MemoryStore struct {
	mu            sync.Mutex
	devices       map[model.DeviceID]*model.Device
	signedPreKeys map[model.DeviceID]model.SignedPreKey
	preKeys       map[model.DeviceID][]model.PreKey
	refreshTokens map[string]*model.RefreshToken
	usersExist    map[model.UserID]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:       make(map[model.DeviceID]*model.Device),
		signedPreKeys: make(map[model.DeviceID]model.SignedPreKey),
		preKeys:       make(map[model.DeviceID][]model.PreKey),
		refreshTokens: make(map[string]*model.RefreshToken),
		usersExist:    make(map[model.UserID]bool),
	}
}

// EnsureUser registers user as existing, so RegisterDevice doesn't fail.
// Test-only convenience; a real deployment's user existence comes from
// the externalized session service.
func (m *MemoryStore) EnsureUser(user model.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usersExist[user] = true
}

func (m *MemoryStore) RegisterDevice(ctx context.Context, userID model.UserID, name string, identityKey []byte, registrationID uint32, preKeys []model.PreKey, signedPreKey model.SignedPreKey, clientIP, userAgent string, refreshTTL time.Duration) (model.DeviceID, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.usersExist[userID] {
		return model.DeviceID{}, "", errUserNotFound(userID)
	}

	deviceID := model.NewDeviceID()
	m.devices[deviceID] = &model.Device{
		DeviceID:       deviceID,
		UserID:         userID,
		Name:           name,
		IdentityKey:    identityKey,
		RegistrationID: registrationID,
		RegisteredAt:   time.Now(),
	}
	signedPreKey.DeviceID = deviceID
	m.signedPreKeys[deviceID] = signedPreKey

	owned := make([]model.PreKey, len(preKeys))
	for i, pk := range preKeys {
		pk.DeviceID = deviceID
		owned[i] = pk
	}
	m.preKeys[deviceID] = owned

	token := uuid.New().String()
	m.refreshTokens[token] = &model.RefreshToken{
		Token:     token,
		DeviceID:  deviceID,
		UserID:    userID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		ExpiresAt: time.Now().Add(refreshTTL),
		CreatedAt: time.Now(),
	}

	return deviceID, token, nil
}

func (m *MemoryStore) RotateRefreshToken(ctx context.Context, oldToken, clientIP, userAgent string, refreshTTL time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.refreshTokens[oldToken]
	if !ok {
		return "", false, nil
	}
	if time.Now().After(rt.ExpiresAt) {
		return "", false, nil
	}
	if rt.UserAgent != userAgent {
		return "", false, nil
	}

	delete(m.refreshTokens, oldToken)
	newToken := uuid.New().String()
	m.refreshTokens[newToken] = &model.RefreshToken{
		Token:     newToken,
		DeviceID:  rt.DeviceID,
		UserID:    rt.UserID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		ExpiresAt: time.Now().Add(refreshTTL),
		CreatedAt: time.Now(),
	}
	return newToken, true, nil
}

func (m *MemoryStore) Logout(ctx context.Context, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.refreshTokens[refreshToken]
	if !ok {
		return nil
	}
	deviceID := rt.DeviceID
	delete(m.devices, deviceID)
	delete(m.signedPreKeys, deviceID)
	delete(m.preKeys, deviceID)
	for tok, t := range m.refreshTokens {
		if t.DeviceID == deviceID {
			delete(m.refreshTokens, tok)
		}
	}
	return nil
}

func (m *MemoryStore) TakePreKeyBundle(ctx context.Context, target model.DeviceID) (*model.PreKeyBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[target]
	if !ok {
		return nil, nil
	}
	signed, ok := m.signedPreKeys[target]
	if !ok {
		return nil, nil
	}
	pks := m.preKeys[target]
	if len(pks) == 0 {
		return nil, nil
	}
	pk := pks[0]
	m.preKeys[target] = pks[1:]

	return &model.PreKeyBundle{
		DeviceID:              target,
		IdentityKey:           dev.IdentityKey,
		RegistrationID:        dev.RegistrationID,
		PreKeyID:              pk.KeyID,
		PreKey:                pk.PublicKey,
		SignedPreKeyID:        signed.KeyID,
		SignedPreKey:          signed.PublicKey,
		SignedPreKeySignature: signed.Signature,
	}, nil
}

func (m *MemoryStore) ApprovedDevices(ctx context.Context, user model.UserID) ([]model.DeviceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.DeviceID
	for id, d := range m.devices {
		if d.UserID == user {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeviceOwner(ctx context.Context, device model.DeviceID) (model.UserID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[device]
	if !ok {
		return "", false, nil
	}
	return d.UserID, true, nil
}

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return e.msg }

func errUserNotFound(user model.UserID) error {
	return &notFoundError{msg: "user does not exist: " + string(user)}
}
