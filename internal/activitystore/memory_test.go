package activitystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/eko-relay/internal/model"
)

const testDomain = "https://relay.example"

func TestInsertCreateAndInbox(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sender := model.NewDeviceID()
	recipientA := model.NewDeviceID()
	recipientB := model.NewDeviceID()

	create := model.Create{
		Type: "Create",
		Object: model.Note{
			Type: "Note",
			Content: []model.EncryptedMessageEntry{
				{From: sender.URL(testDomain), To: recipientA.URL(testDomain), Content: []byte("ciphertext-a")},
				{From: sender.URL(testDomain), To: recipientB.URL(testDomain), Content: []byte("ciphertext-b")},
			},
		},
	}

	require.NoError(t, store.InsertCreate(ctx, create, "activity-1"))

	inboxA, err := store.InboxActivities(ctx, recipientA)
	require.NoError(t, err)
	require.Len(t, inboxA, 1)
	assert.Equal(t, model.ActivityCreate, inboxA[0].Type)
	require.Len(t, inboxA[0].Create.Object.Content, 1)
	assert.Equal(t, []byte("ciphertext-a"), inboxA[0].Create.Object.Content[0].Content)

	// recipient B's inbox is independent and only sees its own entry.
	inboxB, err := store.InboxActivities(ctx, recipientB)
	require.NoError(t, err)
	require.Len(t, inboxB, 1)
	assert.Equal(t, []byte("ciphertext-b"), inboxB[0].Create.Object.Content[0].Content)

	// Create rows are non-destructive: re-reading returns the same entry.
	inboxAAgain, err := store.InboxActivities(ctx, recipientA)
	require.NoError(t, err)
	assert.Len(t, inboxAAgain, 1)
}

func TestDeleteDeliveryIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	device := model.NewDeviceID()

	require.NoError(t, store.InsertNonCreate(ctx, "activity-2", model.ActivityDelivered, model.Delivered{}, []model.DeviceID{device}))

	ok, err := store.DeleteDelivery(ctx, "activity-2", device)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second delete of the same (activity, device) pair is a no-op, not an error.
	ok, err = store.DeleteDelivery(ctx, "activity-2", device)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimFirstDeliveryOnlyOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	device := model.NewDeviceID()

	create := model.Create{Type: "Create", Object: model.Note{Content: []model.EncryptedMessageEntry{
		{From: "sender", To: device.URL(testDomain), Content: []byte("x")},
	}}}
	require.NoError(t, store.InsertCreate(ctx, create, "activity-3"))

	claimed, err := store.ClaimFirstDelivery(ctx, "activity-3")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimedAgain, err := store.ClaimFirstDelivery(ctx, "activity-3")
	require.NoError(t, err)
	assert.False(t, claimedAgain)
}

func TestClaimFirstDeliveryUnknownActivity(t *testing.T) {
	store := NewMemoryStore()
	claimed, err := store.ClaimFirstDelivery(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestTakeAndDeliveredAreDestructiveOnRead(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	device := model.NewDeviceID()

	require.NoError(t, store.InsertNonCreate(ctx, "activity-4", model.ActivityTake, model.Take{Type: "Take"}, []model.DeviceID{device}))

	inbox, err := store.InboxActivities(ctx, device)
	require.NoError(t, err)
	require.Len(t, inbox, 1)

	// the delivery row was consumed by the read above.
	inboxAgain, err := store.InboxActivities(ctx, device)
	require.NoError(t, err)
	assert.Empty(t, inboxAgain)
}
