// Command relayworker drains the Federation Egress queue (spec §4.10):
// it polls the Redis Stream federation.RedisQueue writes to and logs
// each stub delivery, since the signing protocol and actual remote
// transport are out of scope for this repository. Adapted from the
// teacher's cmd/worker polling-loop shape (ticker + context-cancellable
// drain), pointed at this domain's queue instead of message retries.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jaydenbeard/eko-relay/internal/config"
	"github.com/jaydenbeard/eko-relay/internal/federation"
)

func main() {
	cfg := config.Load()
	if cfg.StorageBackend == "memory" {
		log.Fatal("relayworker requires STORAGE_BACKEND=postgres (a durable federation queue); memory queue has no separate drain process")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	queue := federation.NewRedisQueue(redisClient)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	log.Println("relayworker draining federation egress queue")
	for {
		select {
		case <-ctx.Done():
			log.Println("relayworker stopped")
			return
		case <-ticker.C:
			n, err := queue.DrainOnce(ctx, 50)
			if err != nil {
				log.Printf("drain error: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("drained %d federation job(s)", n)
			}
		}
	}
}
