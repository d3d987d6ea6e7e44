// Package actors implements the Actor Registry: records local actor
// URIs and their inbox/outbox URLs, and answers whether a URI names a
// local actor (the Messaging Service's local-vs-remote split).
package actors

import (
	"context"
	"database/sql"
	"sync"

	"github.com/jaydenbeard/eko-relay/internal/model"
)

type Store interface {
	// UpsertLocalActor is idempotent: it inserts if absent and never
	// overwrites an existing row. A later rename of inbox/outbox URL is
	// silently ignored — replicated verbatim from the source, see
	// SPEC_FULL.md §9.
	UpsertLocalActor(ctx context.Context, uri model.ActorURI, inboxURL, outboxURL string) error
	IsLocalActor(ctx context.Context, uri model.ActorURI) (bool, error)
	Get(ctx context.Context, uri model.ActorURI) (*model.Actor, bool, error)
}

type MemoryStore struct {
	mu     sync.Mutex
	actors map[model.ActorURI]model.Actor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actors: make(map[model.ActorURI]model.Actor)}
}

func (m *MemoryStore) UpsertLocalActor(ctx context.Context, uri model.ActorURI, inboxURL, outboxURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.actors[uri]; exists {
		return nil
	}
	m.actors[uri] = model.Actor{URI: uri, IsLocal: true, InboxURL: inboxURL, OutboxURL: outboxURL}
	return nil
}

func (m *MemoryStore) IsLocalActor(ctx context.Context, uri model.ActorURI) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[uri]
	return ok && a.IsLocal, nil
}

func (m *MemoryStore) Get(ctx context.Context, uri model.ActorURI) (*model.Actor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[uri]
	if !ok {
		return nil, false, nil
	}
	return &a, true, nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) UpsertLocalActor(ctx context.Context, uri model.ActorURI, inboxURL, outboxURL string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO actors (uri, is_local, inbox_url, outbox_url) VALUES ($1, true, $2, $3)
		 ON CONFLICT (uri) DO NOTHING`,
		string(uri), inboxURL, outboxURL,
	)
	return err
}

func (p *PostgresStore) IsLocalActor(ctx context.Context, uri model.ActorURI) (bool, error) {
	var isLocal bool
	err := p.db.QueryRowContext(ctx, `SELECT is_local FROM actors WHERE uri = $1`, string(uri)).Scan(&isLocal)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return isLocal, nil
}

func (p *PostgresStore) Get(ctx context.Context, uri model.ActorURI) (*model.Actor, bool, error) {
	var a model.Actor
	a.URI = uri
	err := p.db.QueryRowContext(ctx,
		`SELECT is_local, inbox_url, outbox_url FROM actors WHERE uri = $1`, string(uri),
	).Scan(&a.IsLocal, &a.InboxURL, &a.OutboxURL)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &a, true, nil
}
