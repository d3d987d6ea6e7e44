package envelope

import (
	"context"
	"testing"
	"time"

	"github.com/jaydenbeard/eko-relay/internal/devices"
	"github.com/jaydenbeard/eko-relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const domain = "https://eko.example"

func registerDevice(t *testing.T, store *devices.MemoryStore, user model.UserID) model.DeviceID {
	t.Helper()
	store.EnsureUser(user)
	id, _, err := store.RegisterDevice(context.Background(), user, "d", []byte("idk"), 1, nil,
		model.SignedPreKey{KeyID: 1, PublicKey: []byte("spk")}, "1.2.3.4", "ua", time.Hour)
	require.NoError(t, err)
	return id
}

func TestValidate_ExactMatchPasses(t *testing.T) {
	store := devices.NewMemoryStore()
	bob := model.UserID("bob")
	bobDevice := registerDevice(t, store, bob)
	aliceDevice := model.NewDeviceID()

	create := model.Create{
		Object: model.Note{Content: []model.EncryptedMessageEntry{
			{From: aliceDevice.URL(domain), To: bobDevice.URL(domain), Content: []byte("hi")},
		}},
	}

	err := Validate(context.Background(), store, domain, create, aliceDevice, "alice", bob)
	assert.NoError(t, err)
}

func TestValidate_MissingDeviceFails(t *testing.T) {
	store := devices.NewMemoryStore()
	bob := model.UserID("bob")
	registerDevice(t, store, bob)
	registerDevice(t, store, bob) // bob now has two devices
	aliceDevice := model.NewDeviceID()
	bobDevice1 := registerDevice(t, store, bob)

	create := model.Create{
		Object: model.Note{Content: []model.EncryptedMessageEntry{
			{From: aliceDevice.URL(domain), To: bobDevice1.URL(domain), Content: []byte("hi")},
		}},
	}

	err := Validate(context.Background(), store, domain, create, aliceDevice, "alice", bob)
	assert.Error(t, err)
}

func TestValidate_DuplicateTargetMaskingDroppedDeviceFails(t *testing.T) {
	store := devices.NewMemoryStore()
	bob := model.UserID("bob")
	bobDevice0 := registerDevice(t, store, bob)
	registerDevice(t, store, bob) // bob now has two approved devices
	aliceDevice := model.NewDeviceID()

	// Two entries, both targeting bobDevice0 — distinct-device count
	// matches fanout cardinality (1 vs... no, 2), but entry count does
	// not match the distinct-target count, and bob's second device
	// never gets an entry.
	create := model.Create{
		Object: model.Note{Content: []model.EncryptedMessageEntry{
			{From: aliceDevice.URL(domain), To: bobDevice0.URL(domain), Content: []byte("hi")},
			{From: aliceDevice.URL(domain), To: bobDevice0.URL(domain), Content: []byte("hi again")},
		}},
	}

	err := Validate(context.Background(), store, domain, create, aliceDevice, "alice", bob)
	assert.Error(t, err)
}

func TestValidate_SelfSendExcludesSenderDevice(t *testing.T) {
	store := devices.NewMemoryStore()
	alice := model.UserID("alice")
	d0 := registerDevice(t, store, alice)
	d1 := registerDevice(t, store, alice)

	create := model.Create{
		Object: model.Note{Content: []model.EncryptedMessageEntry{
			{From: d0.URL(domain), To: d1.URL(domain), Content: []byte("sync")},
		}},
	}

	err := Validate(context.Background(), store, domain, create, d0, alice, alice)
	assert.NoError(t, err)
}
