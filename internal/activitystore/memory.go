package activitystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jaydenbeard/eko-relay/internal/model"
)

type activityRecord struct {
	id              string
	typ             model.ActivityType
	create          *model.Create
	take            *model.Take
	delivered       *model.Delivered
	firstDeliveryAt *time.Time
	createdAt       time.Time
	seq             int
}

type MemoryStore struct {
	mu         sync.Mutex
	activities map[string]*activityRecord
	// messageEntries[activityID][toDevice] = (fromURL, ciphertext)
	messageEntries map[string]map[model.DeviceID]entry
	// deliveries[activityID] = set of device ids still owed delivery
	deliveries map[string]map[model.DeviceID]bool
	seq        int
}

type entry struct {
	from    string
	to      string
	content []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		activities:     make(map[string]*activityRecord),
		messageEntries: make(map[string]map[model.DeviceID]entry),
		deliveries:     make(map[string]map[model.DeviceID]bool),
	}
}

func (m *MemoryStore) InsertCreate(ctx context.Context, create model.Create, activityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.activities[activityID] = &activityRecord{
		id:        activityID,
		typ:       model.ActivityCreate,
		create:    &create,
		createdAt: time.Now(),
		seq:       m.seq,
	}

	entries := make(map[model.DeviceID]entry)
	dels := make(map[model.DeviceID]bool)
	for _, e := range create.Object.Content {
		toDID, err := model.ParseDeviceURL(e.To)
		if err != nil {
			return err
		}
		entries[toDID] = entry{from: e.From, to: e.To, content: e.Content}
		dels[toDID] = true
	}
	m.messageEntries[activityID] = entries
	m.deliveries[activityID] = dels
	return nil
}

func (m *MemoryStore) InsertNonCreate(ctx context.Context, activityID string, activityType model.ActivityType, body any, targets []model.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	rec := &activityRecord{id: activityID, typ: activityType, createdAt: time.Now(), seq: m.seq}
	switch v := body.(type) {
	case model.Take:
		rec.take = &v
	case *model.Take:
		rec.take = v
	case model.Delivered:
		rec.delivered = &v
	case *model.Delivered:
		rec.delivered = v
	}
	m.activities[activityID] = rec

	dels := make(map[model.DeviceID]bool, len(targets))
	for _, d := range targets {
		dels[d] = true
	}
	m.deliveries[activityID] = dels
	return nil
}

func (m *MemoryStore) InboxActivities(ctx context.Context, device model.DeviceID) ([]StoredActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type hit struct {
		rec *activityRecord
	}
	var hits []hit
	for id, dels := range m.deliveries {
		if !dels[device] {
			continue
		}
		hits = append(hits, hit{rec: m.activities[id]})
		_ = id
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].rec.seq < hits[j].rec.seq })

	out := make([]StoredActivity, 0, len(hits))
	for _, h := range hits {
		rec := h.rec
		switch rec.typ {
		case model.ActivityCreate:
			view := *rec.create
			if e, ok := m.messageEntries[rec.id][device]; ok {
				view.Object.Content = []model.EncryptedMessageEntry{{From: e.from, To: e.to, Content: e.content}}
			}
			out = append(out, StoredActivity{ActivityID: rec.id, Type: rec.typ, Create: &view})
		case model.ActivityTake:
			out = append(out, StoredActivity{ActivityID: rec.id, Type: rec.typ, Take: rec.take})
			delete(m.deliveries[rec.id], device)
		case model.ActivityDelivered:
			out = append(out, StoredActivity{ActivityID: rec.id, Type: rec.typ, Delivered: rec.delivered})
			delete(m.deliveries[rec.id], device)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteDelivery(ctx context.Context, activityID string, device model.DeviceID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dels, ok := m.deliveries[activityID]
	if !ok || !dels[device] {
		return false, nil
	}
	delete(dels, device)
	return true, nil
}

func (m *MemoryStore) ClaimFirstDelivery(ctx context.Context, createID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.activities[createID]
	if !ok {
		return false, nil
	}
	if rec.firstDeliveryAt != nil {
		return false, nil
	}
	now := time.Now()
	rec.firstDeliveryAt = &now
	return true, nil
}
