package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/eko-relay/internal/activitystore"
	"github.com/jaydenbeard/eko-relay/internal/actors"
	"github.com/jaydenbeard/eko-relay/internal/apperr"
	"github.com/jaydenbeard/eko-relay/internal/devices"
	"github.com/jaydenbeard/eko-relay/internal/federation"
	"github.com/jaydenbeard/eko-relay/internal/model"
	"github.com/jaydenbeard/eko-relay/internal/push"
)

const testDomain = "https://relay.example"

// fakeHub records every TryDeliver call; devices in offline are reported
// undeliverable so the caller falls back to a push wake.
type fakeHub struct {
	mu        sync.Mutex
	delivered []model.DeviceID
	offline   map[model.DeviceID]bool
	done      chan struct{}
	want      int
}

func newFakeHub(want int, offline ...model.DeviceID) *fakeHub {
	offlineSet := make(map[model.DeviceID]bool, len(offline))
	for _, d := range offline {
		offlineSet[d] = true
	}
	return &fakeHub{offline: offlineSet, done: make(chan struct{}), want: want}
}

func (h *fakeHub) TryDeliver(device model.DeviceID, _ any) bool {
	h.mu.Lock()
	h.delivered = append(h.delivered, device)
	n := len(h.delivered)
	h.mu.Unlock()
	if n == h.want {
		close(h.done)
	}
	return !h.offline[device]
}

func (h *fakeHub) waitForCalls(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fan-out")
	}
}

func registerDevice(t *testing.T, store *devices.MemoryStore, user model.UserID) model.DeviceID {
	t.Helper()
	store.EnsureUser(user)
	did, _, err := store.RegisterDevice(context.Background(), user, "device", []byte("identity-key"), 1, nil,
		model.SignedPreKey{KeyID: 1, PublicKey: []byte("spk")}, "127.0.0.1", "test-agent", time.Hour)
	require.NoError(t, err)
	return did
}

func registerDeviceWithPreKey(t *testing.T, store *devices.MemoryStore, user model.UserID) model.DeviceID {
	t.Helper()
	store.EnsureUser(user)
	did, _, err := store.RegisterDevice(context.Background(), user, "device", []byte("identity-key"), 1,
		[]model.PreKey{{KeyID: 1, PublicKey: []byte("otk")}},
		model.SignedPreKey{KeyID: 1, PublicKey: []byte("spk")}, "127.0.0.1", "test-agent", time.Hour)
	require.NoError(t, err)
	return did
}

func TestProcessOutgoingCreateFansOutToAllRecipientDevices(t *testing.T) {
	ctx := context.Background()

	recipient := model.UserID("alice")
	sender := model.UserID("bob")

	// Build the store trio first so we know the recipient device ids
	// before constructing the fan-out-aware hub.
	deviceStore := devices.NewMemoryStore()
	deviceStore.EnsureUser(recipient)
	deviceStore.EnsureUser(sender)

	recipientDeviceA := registerDevice(t, deviceStore, recipient)
	recipientDeviceB := registerDevice(t, deviceStore, recipient)
	senderDevice := registerDevice(t, deviceStore, sender)

	hub := newFakeHub(2, recipientDeviceB) // B is offline, falls back to push
	actorStore := actors.NewMemoryStore()
	activityStore := activitystore.NewMemoryStore()
	pushSvc := push.NewService(push.NewMemoryStore(), "pub", "priv", "mailto:ops@example.com")

	svc := &Service{
		Domain:     testDomain,
		Actors:     actorStore,
		Devices:    deviceStore,
		Activities: activityStore,
		Hub:        hub,
		Push:       pushSvc,
		Federation: federation.NewMemoryQueue(),
	}

	recipientActor := model.ActorURIFor(testDomain, recipient)
	require.NoError(t, actorStore.UpsertLocalActor(ctx, recipientActor, "", ""))

	create := &model.Create{
		Type:  "Create",
		Actor: model.ActorURIFor(testDomain, sender),
		To:    []model.ActorURI{recipientActor},
		Object: model.Note{
			Type: "Note",
			Content: []model.EncryptedMessageEntry{
				{From: senderDevice.URL(testDomain), To: recipientDeviceA.URL(testDomain), Content: []byte("ct-a")},
				{From: senderDevice.URL(testDomain), To: recipientDeviceB.URL(testDomain), Content: []byte("ct-b")},
			},
		},
	}

	result, err := svc.ProcessOutgoing(ctx, model.ActivityCreate, create, nil, nil, senderDevice, sender)
	require.NoError(t, err)
	stamped := result.(*model.Create)
	assert.NotEmpty(t, stamped.ID)

	hub.waitForCalls(t)
	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.ElementsMatch(t, []model.DeviceID{recipientDeviceA, recipientDeviceB}, hub.delivered)
}

func TestProcessOutgoingCreateRejectsDeviceListMismatch(t *testing.T) {
	ctx := context.Background()
	recipient := model.UserID("alice")
	sender := model.UserID("bob")

	deviceStore := devices.NewMemoryStore()
	deviceStore.EnsureUser(recipient)
	deviceStore.EnsureUser(sender)
	registerDevice(t, deviceStore, recipient) // recipient has one approved device
	senderDevice := registerDevice(t, deviceStore, sender)

	actorStore := actors.NewMemoryStore()
	recipientActor := model.ActorURIFor(testDomain, recipient)
	require.NoError(t, actorStore.UpsertLocalActor(ctx, recipientActor, "", ""))

	svc := &Service{
		Domain:     testDomain,
		Actors:     actorStore,
		Devices:    deviceStore,
		Activities: activitystore.NewMemoryStore(),
		Hub:        newFakeHub(0),
		Push:       push.NewService(push.NewMemoryStore(), "pub", "priv", "mailto:ops@example.com"),
		Federation: federation.NewMemoryQueue(),
	}

	create := &model.Create{
		Type:  "Create",
		Actor: model.ActorURIFor(testDomain, sender),
		To:    []model.ActorURI{recipientActor},
		Object: model.Note{
			Type: "Note",
			// missing the entry for recipientDevice: device-list mismatch.
			Content: []model.EncryptedMessageEntry{
				{From: senderDevice.URL(testDomain), To: senderDevice.URL(testDomain), Content: []byte("wrong-target")},
			},
		},
	}

	_, err := svc.ProcessOutgoing(ctx, model.ActivityCreate, create, nil, nil, senderDevice, sender)
	require.Error(t, err)
}

func TestProcessOutgoingRemoteActorEnqueuesFederation(t *testing.T) {
	ctx := context.Background()
	sender := model.UserID("bob")

	deviceStore := devices.NewMemoryStore()
	deviceStore.EnsureUser(sender)
	senderDevice := registerDevice(t, deviceStore, sender)

	fedQueue := federation.NewMemoryQueue()
	svc := &Service{
		Domain:     testDomain,
		Actors:     actors.NewMemoryStore(), // empty: every actor resolves as remote
		Devices:    deviceStore,
		Activities: activitystore.NewMemoryStore(),
		Hub:        newFakeHub(0),
		Push:       push.NewService(push.NewMemoryStore(), "pub", "priv", "mailto:ops@example.com"),
		Federation: fedQueue,
	}

	remoteActor := model.ActorURI("https://remote.example/users/carol")
	create := &model.Create{
		Type:  "Create",
		Actor: model.ActorURIFor(testDomain, sender),
		To:    []model.ActorURI{remoteActor},
		Object: model.Note{
			Type:    "Note",
			Content: []model.EncryptedMessageEntry{{From: senderDevice.URL(testDomain), To: "https://remote.example/devices/x", Content: []byte("ct")}},
		},
	}

	result, err := svc.ProcessOutgoing(ctx, model.ActivityCreate, create, nil, nil, senderDevice, sender)
	require.NoError(t, err)
	assert.NotEmpty(t, result.(*model.Create).ID)
	assert.Len(t, fedQueue.Pending(), 1)
}

func TestProcessOutgoingTakeNeverGoesThroughActorLocalityCheck(t *testing.T) {
	ctx := context.Background()
	sender := model.UserID("bob")
	target := model.UserID("alice")

	deviceStore := devices.NewMemoryStore()
	deviceStore.EnsureUser(sender)
	deviceStore.EnsureUser(target)
	senderDevice := registerDevice(t, deviceStore, sender)
	targetDevice := registerDeviceWithPreKey(t, deviceStore, target)

	svc := &Service{
		Domain:     testDomain,
		Actors:     actors.NewMemoryStore(), // empty: would resolve every actor as remote
		Devices:    deviceStore,
		Activities: activitystore.NewMemoryStore(),
		Hub:        newFakeHub(0),
		Push:       push.NewService(push.NewMemoryStore(), "pub", "priv", "mailto:ops@example.com"),
		Federation: federation.NewMemoryQueue(),
	}

	take := &model.Take{
		Type:  "Take",
		Actor: model.ActorURIFor(testDomain, sender),
		To:    targetDevice.URL(testDomain) + "/keyCollection",
	}

	result, err := svc.ProcessOutgoing(ctx, model.ActivityTake, nil, take, nil, senderDevice, sender)
	require.NoError(t, err)
	stamped := result.(*model.Take)
	assert.NotEmpty(t, stamped.ID)
	require.NotNil(t, stamped.Result)
	assert.Equal(t, targetDevice, stamped.Result.DeviceID)
}

func TestProcessOutgoingTakeReturns404WhenPreKeysExhausted(t *testing.T) {
	ctx := context.Background()
	sender := model.UserID("bob")
	target := model.UserID("alice")

	deviceStore := devices.NewMemoryStore()
	deviceStore.EnsureUser(sender)
	deviceStore.EnsureUser(target)
	senderDevice := registerDevice(t, deviceStore, sender)
	targetDevice := registerDevice(t, deviceStore, target) // no one-time prekeys added

	svc := &Service{
		Domain:     testDomain,
		Actors:     actors.NewMemoryStore(),
		Devices:    deviceStore,
		Activities: activitystore.NewMemoryStore(),
		Hub:        newFakeHub(0),
		Push:       push.NewService(push.NewMemoryStore(), "pub", "priv", "mailto:ops@example.com"),
		Federation: federation.NewMemoryQueue(),
	}

	take := &model.Take{
		Type:  "Take",
		Actor: model.ActorURIFor(testDomain, sender),
		To:    targetDevice.URL(testDomain) + "/keyCollection",
	}

	_, err := svc.ProcessOutgoing(ctx, model.ActivityTake, nil, take, nil, senderDevice, sender)
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.NotFound, ae.Kind)
}

func TestProcessOutgoingDeliveredIsIdempotentOnUnknownCreate(t *testing.T) {
	ctx := context.Background()
	acker := model.UserID("alice")

	deviceStore := devices.NewMemoryStore()
	deviceStore.EnsureUser(acker)
	ackingDevice := registerDevice(t, deviceStore, acker)

	actorStore := actors.NewMemoryStore()
	ackerActor := model.ActorURIFor(testDomain, acker)
	require.NoError(t, actorStore.UpsertLocalActor(ctx, ackerActor, "", ""))

	svc := &Service{
		Domain:     testDomain,
		Actors:     actorStore,
		Devices:    deviceStore,
		Activities: activitystore.NewMemoryStore(),
		Hub:        newFakeHub(0),
		Push:       push.NewService(push.NewMemoryStore(), "pub", "priv", "mailto:ops@example.com"),
		Federation: federation.NewMemoryQueue(),
	}

	delivered := &model.Delivered{
		Type:   "Delivered",
		Actor:  ackerActor,
		To:     ackerActor, // self-send sync: isSync true, no re-fan
		Object: "activity-does-not-exist",
	}

	result, err := svc.ProcessOutgoing(ctx, model.ActivityDelivered, nil, nil, delivered, ackingDevice, acker)
	require.NoError(t, err)
	assert.NotEmpty(t, result.(*model.Delivered).ID)
}
