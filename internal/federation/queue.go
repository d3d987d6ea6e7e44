// Package federation implements the Federation Egress stub (spec
// §4.10): the Messaging Service's local-vs-remote split enqueues a
// durable, idempotent-by-activity_id delivery job here when the
// recipient actor isn't local; the signing protocol and actual remote
// delivery are out of scope (spec §1) — a worker drains the queue,
// logs, and marks the job sent. Adapted from the teacher's
// internal/queue (Redis Streams) stack so cmd/relayworker has a real
// queue to drain instead of a stub struct.
package federation

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is one enqueued remote-delivery attempt.
type Job struct {
	ActivityID     string    `json:"activityId"`
	RemoteInboxURL string    `json:"remoteInboxUrl"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

// Queue is the enqueue-only contract spec §4.10 defines: idempotent by
// ActivityID, nothing more. Draining and delivery belong to
// cmd/relayworker, outside this package's responsibility.
type Queue interface {
	Enqueue(ctx context.Context, activityID, remoteInboxURL string) error
}

// MemoryQueue is the STORAGE_BACKEND=memory / test implementation.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]Job)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, activityID, remoteInboxURL string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.jobs[activityID]; exists {
		return nil
	}
	q.jobs[activityID] = Job{ActivityID: activityID, RemoteInboxURL: remoteInboxURL, EnqueuedAt: time.Now()}
	return nil
}

func (q *MemoryQueue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j)
	}
	return out
}

// streamKey is the Redis Stream the teacher's internal/queue.MessageQueue
// writes to; this package reuses that same XADD/XRANGE idiom, keyed by
// activity id to make re-enqueueing a no-op.
const streamKey = "federation_egress"

// RedisQueue backs the federation egress queue with a Redis Stream,
// same transport as the teacher's MessageQueue, so cmd/relayworker can
// XREADGROUP it with consumer-group semantics if ever scaled out.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Enqueue is idempotent by activityID: it first checks a dedupe set
// before adding to the stream, so a retried outbox POST (or a crash
// between persistence commit and enqueue) never double-delivers.
func (q *RedisQueue) Enqueue(ctx context.Context, activityID, remoteInboxURL string) error {
	added, err := q.client.SAdd(ctx, streamKey+":seen", activityID).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil // already enqueued
	}

	job := Job{ActivityID: activityID, RemoteInboxURL: remoteInboxURL, EnqueuedAt: time.Now()}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"job": string(data)},
	}).Result()
	return err
}

// DrainOnce reads up to count pending jobs and logs them as the stub
// delivery action spec §4.10 calls for ("worker and signing protocol
// are out of scope; the contract is an idempotent enqueue"). Real
// signing/transport never happens here.
func (q *RedisQueue) DrainOnce(ctx context.Context, count int64) (int, error) {
	entries, err := q.client.XRange(ctx, streamKey, "-", "+").Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		raw, ok := e.Values["job"].(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			log.Printf("[federation] malformed job %s: %v", e.ID, err)
			continue
		}
		log.Printf("[federation] stub-delivering activity=%s to remote inbox=%s (enqueued %s ago)",
			job.ActivityID, job.RemoteInboxURL, time.Since(job.EnqueuedAt))
		if _, err := q.client.XDel(ctx, streamKey, e.ID).Result(); err != nil {
			log.Printf("[federation] failed to ack job %s: %v", e.ID, err)
			continue
		}
		n++
		if int64(n) >= count {
			break
		}
	}
	return n, nil
}
