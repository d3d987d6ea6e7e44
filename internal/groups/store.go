// Package groups implements the Group-State Store: opaque, monotonic
// (epoch-gated) per-user per-group blobs (spec §4.4).
package groups

import (
	"context"
	"database/sql"
	"sync"

	"github.com/jaydenbeard/eko-relay/internal/model"
)

type Store interface {
	// Upsert writes state if no row exists yet, or if the new epoch is
	// strictly higher than the stored one. Returns whether a row was
	// written; a stale epoch returns false without error — the handler
	// surfaces that as a 400.
	Upsert(ctx context.Context, state model.GroupState) (written bool, err error)
	Get(ctx context.Context, user model.UserID, group string) (*model.GroupState, bool, error)
	GetAll(ctx context.Context, user model.UserID) ([]model.GroupState, error)
	Delete(ctx context.Context, user model.UserID, group string) (bool, error)
}

type key struct {
	user  model.UserID
	group string
}

type MemoryStore struct {
	mu     sync.Mutex
	states map[key]model.GroupState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[key]model.GroupState)}
}

func (m *MemoryStore) Upsert(ctx context.Context, state model.GroupState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{user: state.UserID, group: state.GroupID}
	existing, ok := m.states[k]
	if ok && existing.Epoch >= state.Epoch {
		return false, nil
	}
	m.states[k] = state
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, user model.UserID, group string) (*model.GroupState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[key{user: user, group: group}]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (m *MemoryStore) GetAll(ctx context.Context, user model.UserID) ([]model.GroupState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.GroupState
	for k, s := range m.states {
		if k.user == user {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, user model.UserID, group string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{user: user, group: group}
	if _, ok := m.states[k]; !ok {
		return false, nil
	}
	delete(m.states, k)
	return true, nil
}

// PostgresStore follows the original's ON CONFLICT ... DO UPDATE ...
// WHERE stored.epoch < EXCLUDED.epoch pattern, reading rows_affected()
// (here RowsAffected()) to decide whether the write actually happened.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, state model.GroupState) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO encrypted_group_states (user_id, group_id, epoch, encrypted_content, encoding, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, group_id) DO UPDATE
		SET epoch = EXCLUDED.epoch, encrypted_content = EXCLUDED.encrypted_content,
		    encoding = EXCLUDED.encoding, updated_at = NOW()
		WHERE encrypted_group_states.epoch < EXCLUDED.epoch`,
		string(state.UserID), state.GroupID, state.Epoch, state.EncryptedContent, state.Encoding,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) Get(ctx context.Context, user model.UserID, group string) (*model.GroupState, bool, error) {
	var s model.GroupState
	s.UserID, s.GroupID = user, group
	err := p.db.QueryRowContext(ctx,
		`SELECT epoch, encrypted_content, encoding, updated_at FROM encrypted_group_states WHERE user_id = $1 AND group_id = $2`,
		string(user), group,
	).Scan(&s.Epoch, &s.EncryptedContent, &s.Encoding, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

func (p *PostgresStore) GetAll(ctx context.Context, user model.UserID) ([]model.GroupState, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT group_id, epoch, encrypted_content, encoding, updated_at FROM encrypted_group_states WHERE user_id = $1`,
		string(user),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GroupState
	for rows.Next() {
		s := model.GroupState{UserID: user}
		if err := rows.Scan(&s.GroupID, &s.Epoch, &s.EncryptedContent, &s.Encoding, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, user model.UserID, group string) (bool, error) {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM encrypted_group_states WHERE user_id = $1 AND group_id = $2`, string(user), group)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
