package push

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/eko-relay/internal/model"
)

func TestMemoryStoreUpsertGetDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	device := model.NewDeviceID()

	_, ok, err := store.Get(ctx, device)
	require.NoError(t, err)
	assert.False(t, ok)

	sub := model.PushSubscription{DeviceID: device, Endpoint: "https://push.example/abc", P256DH: "p256", Auth: "auth"}
	require.NoError(t, store.Upsert(ctx, sub))

	got, ok, err := store.Get(ctx, device)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sub, *got)

	// Upsert again overwrites rather than duplicating.
	sub.Endpoint = "https://push.example/xyz"
	require.NoError(t, store.Upsert(ctx, sub))
	got, _, _ = store.Get(ctx, device)
	assert.Equal(t, "https://push.example/xyz", got.Endpoint)

	require.NoError(t, store.Delete(ctx, device))
	_, ok, err = store.Get(ctx, device)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadOrGenerateVAPIDKeysGeneratesOnFirstRun(t *testing.T) {
	var written []byte
	readFile := func(string) ([]byte, error) { return nil, errors.New("not found") }
	writeFile := func(_ string, data []byte) error {
		written = data
		return nil
	}

	priv, pub, err := LoadOrGenerateVAPIDKeys("/tmp/vapid.key", readFile, writeFile)
	require.NoError(t, err)
	assert.NotEmpty(t, priv)
	assert.NotEmpty(t, pub)
	assert.NotEmpty(t, written)
}

func TestLoadOrGenerateVAPIDKeysReadsExisting(t *testing.T) {
	readFile := func(string) ([]byte, error) { return []byte("the-private-key\nthe-public-key"), nil }
	writeFile := func(string, []byte) error {
		t.Fatal("writeFile should not be called when a key file already exists")
		return nil
	}

	priv, pub, err := LoadOrGenerateVAPIDKeys("/tmp/vapid.key", readFile, writeFile)
	require.NoError(t, err)
	assert.Equal(t, "the-private-key", priv)
	assert.Equal(t, "the-public-key", pub)
}

func TestLoadOrGenerateVAPIDKeysRejectsMalformedFile(t *testing.T) {
	readFile := func(string) ([]byte, error) { return []byte("only-one-line"), nil }
	writeFile := func(string, []byte) error { return nil }

	_, _, err := LoadOrGenerateVAPIDKeys("/tmp/vapid.key", readFile, writeFile)
	assert.Error(t, err)
}

func TestServicePublicKey(t *testing.T) {
	svc := NewService(NewMemoryStore(), "pub-key", "priv-key", "mailto:ops@example.com")
	assert.Equal(t, "pub-key", svc.PublicKey())
}
