// Package push implements the Push Notification Service (spec §4.8): a
// VAPID-signed Web Push wake signal sent when no live WebSocket channel
// is available for a device. Grounded on the WAN-Ninjas-AmityVox pack
// repo's notifications.Service.SendToUser (github.com/SherClockHolmes/webpush-go),
// narrowed from that repo's rich per-guild notification-preference
// system to the one opaque wake payload spec §4.8 calls for — clients
// never receive message bodies over the push channel, only "wake".
package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/jaydenbeard/eko-relay/internal/model"
)

// wakePayload is the only body ever sent over the push channel; clients
// treat receipt of any push as "reconnect and drain your inbox", never
// as message content (spec §4.8).
type wakePayload struct {
	Type string `json:"type"`
}

var wakeJSON, _ = json.Marshal(wakePayload{Type: "wake"})

// SubscriptionStore is the capability set backing per-device Web Push
// subscriptions, upserted by the client via POST /push/register.
type SubscriptionStore interface {
	Upsert(ctx context.Context, sub model.PushSubscription) error
	Get(ctx context.Context, device model.DeviceID) (*model.PushSubscription, bool, error)
	Delete(ctx context.Context, device model.DeviceID) error
}

// Service sends VAPID-signed Web Push wake signals. Failures are
// logged and swallowed per spec §7 — a push failure never fails the
// activity that triggered it.
type Service struct {
	store      SubscriptionStore
	vapidPub   string
	vapidPriv  string
	contact    string
	httpClient *http.Client
}

func NewService(store SubscriptionStore, vapidPub, vapidPriv, contactEmail string) *Service {
	return &Service{
		store:      store,
		vapidPub:   vapidPub,
		vapidPriv:  vapidPriv,
		contact:    contactEmail,
		httpClient: http.DefaultClient,
	}
}

func (s *Service) PublicKey() string { return s.vapidPub }

// Notify loads device's subscription and POSTs the wake payload. Any
// failure (no subscription, send error, gone/expired endpoint) is
// logged and dropped — never surfaced to the caller as an error the
// messaging service would need to handle, per spec §4.8/§7.
func (s *Service) Notify(ctx context.Context, device model.DeviceID) {
	sub, ok, err := s.store.Get(ctx, device)
	if err != nil {
		log.Printf("[push] failed to load subscription for device=%s: %v", device, err)
		return
	}
	if !ok {
		return
	}

	resp, err := webpush.SendNotificationWithContext(ctx, wakeJSON, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		VAPIDPublicKey:  s.vapidPub,
		VAPIDPrivateKey: s.vapidPriv,
		Subscriber:      s.contact,
		TTL:             86400,
		HTTPClient:      s.httpClient,
	})
	if err != nil {
		log.Printf("[push] send failed for device=%s: %v", device, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		if err := s.store.Delete(ctx, device); err != nil {
			log.Printf("[push] failed to drop stale subscription for device=%s: %v", device, err)
		}
	}
}

// MemoryStore is the STORAGE_BACKEND=memory / test implementation.
type MemoryStore struct {
	mu   sync.Mutex
	subs map[model.DeviceID]model.PushSubscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[model.DeviceID]model.PushSubscription)}
}

func (m *MemoryStore) Upsert(ctx context.Context, sub model.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.DeviceID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, device model.DeviceID) (*model.PushSubscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[device]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, device model.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, device)
	return nil
}

// PostgresStore persists subscriptions in the "notifications" table
// named in spec §6's logical schema.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, sub model.PushSubscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (device_id, endpoint, p256dh, auth)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE
		SET endpoint = EXCLUDED.endpoint, p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth`,
		sub.DeviceID.String(), sub.Endpoint, sub.P256DH, sub.Auth,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, device model.DeviceID) (*model.PushSubscription, bool, error) {
	var s model.PushSubscription
	s.DeviceID = device
	err := p.db.QueryRowContext(ctx,
		`SELECT endpoint, p256dh, auth FROM notifications WHERE device_id = $1`, device.String(),
	).Scan(&s.Endpoint, &s.P256DH, &s.Auth)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

func (p *PostgresStore) Delete(ctx context.Context, device model.DeviceID) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM notifications WHERE device_id = $1`, device.String())
	return err
}

// LoadOrGenerateVAPIDKeys reads a newline-separated "private\npublic"
// key pair from path, generating and persisting a fresh ECDSA P-256
// pair (via webpush-go's GenerateVAPIDKeys, which wraps crypto/ecdsa)
// on first start, written with owner-only (0600) permissions per spec
// §4.8.
func LoadOrGenerateVAPIDKeys(path string, readFile func(string) ([]byte, error), writeFile func(string, []byte) error) (privateKey, publicKey string, err error) {
	if data, rerr := readFile(path); rerr == nil {
		lines := splitTwo(string(data))
		if len(lines) == 2 {
			return lines[0], lines[1], nil
		}
		return "", "", fmt.Errorf("malformed VAPID key file at %s", path)
	}

	priv, pub, genErr := webpush.GenerateVAPIDKeys()
	if genErr != nil {
		return "", "", fmt.Errorf("generate VAPID keys: %w", genErr)
	}
	if werr := writeFile(path, []byte(priv+"\n"+pub)); werr != nil {
		return "", "", fmt.Errorf("persist VAPID keys: %w", werr)
	}
	return priv, pub, nil
}

func splitTwo(s string) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return []string{s[:i], trimTrailingNewline(s[i+1:])}
		}
	}
	return []string{s}
}

func trimTrailingNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		return s[:len(s)-1]
	}
	return s
}
