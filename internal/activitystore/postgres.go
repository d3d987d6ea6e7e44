package activitystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jaydenbeard/eko-relay/internal/model"
)

// PostgresStore mirrors the original Rust implementation's table shape:
// inbox_activities (activity row, content stripped for Create),
// message_entries (per-device ciphertext, decoupled so inbox reads only
// materialize the reader's own entry), and deliveries (one row per
// device still owed an activity).
type PostgresStore struct {
	db     *sql.DB
	domain string
}

func NewPostgresStore(db *sql.DB, domain string) *PostgresStore {
	return &PostgresStore{db: db, domain: domain}
}

// createStorageView is the on-disk JSON shape for a Create: content is
// always empty here, since per-device ciphertexts live in message_entries.
type createStorageView struct {
	Context string           `json:"@context,omitempty"`
	Type    string           `json:"type"`
	ID      string           `json:"id,omitempty"`
	Actor    model.ActorURI  `json:"actor"`
	To       []model.ActorURI `json:"to"`
	Object   noteStorageView `json:"object"`
}

type noteStorageView struct {
	Context      string                        `json:"@context,omitempty"`
	Type         string                        `json:"type"`
	ID           string                        `json:"id,omitempty"`
	AttributedTo model.ActorURI                `json:"attributedTo"`
	To           []model.ActorURI              `json:"to"`
	Content      []model.EncryptedMessageEntry `json:"content"`
}

func (p *PostgresStore) InsertCreate(ctx context.Context, create model.Create, activityID string) error {
	view := createStorageView{
		Context: create.Context,
		Type:    "Create",
		ID:      activityID,
		Actor:   create.Actor,
		To:      create.To,
		Object: noteStorageView{
			Context:      create.Object.Context,
			Type:         create.Object.Type,
			ID:           create.Object.ID,
			AttributedTo: create.Object.AttributedTo,
			To:           create.Object.To,
			Content:      nil,
		},
	}
	activityJSON, err := json.Marshal(view)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO inbox_activities (id, type, activity_json, created_at) VALUES ($1, 'Create', $2, $3)`,
		activityID, activityJSON, time.Now(),
	); err != nil {
		return err
	}

	for _, e := range create.Object.Content {
		toDID, err := model.ParseDeviceURL(e.To)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_entries (activity_id, from_did, to_did, content) VALUES ($1, $2, $3, $4)`,
			activityID, e.From, uuid.UUID(toDID), e.Content,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deliveries (activity_id, to_did) VALUES ($1, $2)`,
			activityID, uuid.UUID(toDID),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) InsertNonCreate(ctx context.Context, activityID string, activityType model.ActivityType, body any, targets []model.DeviceID) error {
	activityJSON, err := json.Marshal(body)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO inbox_activities (id, type, activity_json, created_at) VALUES ($1, $2, $3, $4)`,
		activityID, string(activityType), activityJSON, time.Now(),
	); err != nil {
		return err
	}

	for _, d := range targets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deliveries (activity_id, to_did) VALUES ($1, $2)`,
			activityID, uuid.UUID(d),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// InboxActivities joins deliveries to inbox_activities (and, for
// Create, to message_entries scoped to this device) and, for
// Take/Delivered rows, deletes the delivery row as part of the read —
// the side-effecting semantics from spec §4.3.1.
func (p *PostgresStore) InboxActivities(ctx context.Context, device model.DeviceID) ([]StoredActivity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ia.id, ia.type, ia.activity_json, me.from_did, me.content
		FROM inbox_activities ia
		JOIN deliveries d ON ia.id = d.activity_id
		LEFT JOIN message_entries me ON ia.id = me.activity_id AND me.to_did = d.to_did
		WHERE d.to_did = $1
		ORDER BY ia.created_at ASC`, uuid.UUID(device))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deviceURL := device.URL(p.domain)
	var out []StoredActivity
	var sideEffectIDs []string
	for rows.Next() {
		var id, typ string
		var activityJSON []byte
		var fromDID sql.NullString
		var content []byte
		if err := rows.Scan(&id, &typ, &activityJSON, &fromDID, &content); err != nil {
			return nil, err
		}

		switch model.ActivityType(typ) {
		case model.ActivityCreate:
			var view createStorageView
			if err := json.Unmarshal(activityJSON, &view); err != nil {
				return nil, err
			}
			create := model.Create{Context: view.Context, Type: view.Type, ID: view.ID, Actor: view.Actor, To: view.To, Object: model.Note{
				Context: view.Object.Context, Type: view.Object.Type, ID: view.Object.ID,
				AttributedTo: view.Object.AttributedTo, To: view.Object.To,
			}}
			if fromDID.Valid {
				create.Object.Content = []model.EncryptedMessageEntry{{From: fromDID.String, To: deviceURL, Content: content}}
			}
			out = append(out, StoredActivity{ActivityID: id, Type: model.ActivityCreate, Create: &create})
		case model.ActivityTake:
			var take model.Take
			if err := json.Unmarshal(activityJSON, &take); err != nil {
				return nil, err
			}
			out = append(out, StoredActivity{ActivityID: id, Type: model.ActivityTake, Take: &take})
			sideEffectIDs = append(sideEffectIDs, id)
		case model.ActivityDelivered:
			var delivered model.Delivered
			if err := json.Unmarshal(activityJSON, &delivered); err != nil {
				return nil, err
			}
			out = append(out, StoredActivity{ActivityID: id, Type: model.ActivityDelivered, Delivered: &delivered})
			sideEffectIDs = append(sideEffectIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range sideEffectIDs {
		if _, err := p.DeleteDelivery(ctx, id, device); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresStore) DeleteDelivery(ctx context.Context, activityID string, device model.DeviceID) (bool, error) {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE activity_id = $1 AND to_did = $2`, activityID, uuid.UUID(device))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) ClaimFirstDelivery(ctx context.Context, createID string) (bool, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `
		UPDATE inbox_activities SET first_delivery_at = NOW()
		WHERE id = $1 AND first_delivery_at IS NULL
		RETURNING id`, createID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
