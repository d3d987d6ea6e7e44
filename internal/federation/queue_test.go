package federation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueEnqueueIsIdempotentByActivityID(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "activity-1", "https://remote.example/inbox"))
	require.NoError(t, q.Enqueue(ctx, "activity-1", "https://remote.example/inbox-changed"))

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "https://remote.example/inbox", pending[0].RemoteInboxURL)
}

func TestMemoryQueueEnqueueDistinctActivities(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "activity-1", "https://remote.example/inbox"))
	require.NoError(t, q.Enqueue(ctx, "activity-2", "https://remote.example/inbox"))

	assert.Len(t, q.Pending(), 2)
}
