// Package wsgateway implements the WebSocket Hub: a process-wide table
// of live device channels, attempted delivery, and inbox-flush-on-
// connect (spec §4.7), adapted from the teacher's register/unregister
// channel hub (internal/websocket/hub.go) and narrowed from per-user
// multi-client chat fanout to per-device activity delivery.
package wsgateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/jaydenbeard/eko-relay/internal/activitystore"
	"github.com/jaydenbeard/eko-relay/internal/model"
)

// Conn is the minimal surface the Hub needs from a live connection; the
// gorilla/websocket-backed implementation lives in conn.go.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

type client struct {
	device model.DeviceID
	send   chan []byte
}

// Hub maintains DeviceId -> channel_sender, exactly the shape spec §4.7
// and §9 call for: insert on connect, remove on close, short-lived
// reader references, no reference counting.
type Hub struct {
	mu      sync.RWMutex
	clients map[model.DeviceID]*client

	register   chan *client
	unregister chan model.DeviceID
	shutdown   chan struct{}

	activities activitystore.Store
}

func NewHub(activities activitystore.Store) *Hub {
	return &Hub{
		clients:    make(map[model.DeviceID]*client),
		register:   make(chan *client),
		unregister: make(chan model.DeviceID),
		shutdown:   make(chan struct{}),
		activities: activities,
	}
}

// Run owns the clients map; all mutation happens on this goroutine's
// select loop, same shape as the teacher's Hub.Run.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.device] = c
			h.mu.Unlock()
		case device := <-h.unregister:
			h.mu.Lock()
			if c, ok := h.clients[device]; ok {
				close(c.send)
				delete(h.clients, device)
			}
			h.mu.Unlock()
		case <-h.shutdown:
			h.mu.Lock()
			for device, c := range h.clients {
				close(c.send)
				delete(h.clients, device)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) Shutdown() { close(h.shutdown) }

// TryDeliver serializes view and pushes it on device's channel if one
// exists. A closed or full channel is reported as a delivery failure so
// the caller falls back to the Push Notification Service; the delivery
// row always stays in the Activity Store until acknowledged.
func (h *Hub) TryDeliver(device model.DeviceID, view any) bool {
	h.mu.RLock()
	c, ok := h.clients[device]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(view)
	if err != nil {
		log.Printf("[wsgateway] failed to marshal activity for device=%s: %v", device, err)
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Connect registers device's channel and returns it plus a function that
// flushes the device's current inbox onto the channel — callers must
// call the flush before entering their own read/write loop, per §4.7's
// "flush before select" rule.
func (h *Hub) Connect(ctx context.Context, device model.DeviceID) (send <-chan []byte, flush func() error, disconnect func()) {
	c := &client{device: device, send: make(chan []byte, 256)}
	h.register <- c

	flush = func() error {
		pending, err := h.activities.InboxActivities(ctx, device)
		if err != nil {
			return err
		}
		for _, a := range pending {
			var view any
			switch a.Type {
			case model.ActivityCreate:
				view = a.Create
			case model.ActivityTake:
				view = a.Take
			case model.ActivityDelivered:
				view = a.Delivered
			}
			data, err := json.Marshal(view)
			if err != nil {
				return err
			}
			select {
			case c.send <- data:
			default:
				log.Printf("[wsgateway] inbox flush dropped a frame for device=%s (channel full)", device)
			}
		}
		return nil
	}

	disconnect = func() { h.unregister <- device }

	return c.send, flush, disconnect
}
