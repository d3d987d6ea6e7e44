package groups

import (
	"context"
	"testing"

	"github.com/jaydenbeard/eko-relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsert_StaleEpochRejected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	user := model.UserID("alice")

	written, err := store.Upsert(ctx, model.GroupState{UserID: user, GroupID: "g1", Epoch: 5})
	require.NoError(t, err)
	assert.True(t, written)

	written, err = store.Upsert(ctx, model.GroupState{UserID: user, GroupID: "g1", Epoch: 3})
	require.NoError(t, err)
	assert.False(t, written, "stale epoch must not overwrite")

	state, ok, err := store.Get(ctx, user, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 5, state.Epoch, "stored epoch must remain the higher one")
}

func TestUpsert_HigherEpochWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	user := model.UserID("alice")

	_, err := store.Upsert(ctx, model.GroupState{UserID: user, GroupID: "g1", Epoch: 5})
	require.NoError(t, err)

	written, err := store.Upsert(ctx, model.GroupState{UserID: user, GroupID: "g1", Epoch: 6, EncryptedContent: []byte("v6")})
	require.NoError(t, err)
	assert.True(t, written)

	state, _, err := store.Get(ctx, user, "g1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v6"), state.EncryptedContent)
}
