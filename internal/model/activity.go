package model

import (
	"encoding/json"
	"time"
)

const ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"

// ActivityType discriminates the tagged union carried over the wire and
// in storage.
type ActivityType string

const (
	ActivityCreate    ActivityType = "Create"
	ActivityTake      ActivityType = "Take"
	ActivityDelivered ActivityType = "Delivered"
)

// EncryptedMessageEntry is one recipient device's ciphertext within a
// Create's object.content list.
type EncryptedMessageEntry struct {
	From    string `json:"from"`    // sender device URL
	To      string `json:"to"`      // recipient device URL
	Content []byte `json:"content"` // ciphertext, base64 on the wire
}

// Note is the object of a Create activity.
type Note struct {
	Context      string                  `json:"@context,omitempty"`
	Type         string                  `json:"type"`
	ID           string                  `json:"id,omitempty"`
	AttributedTo ActorURI                `json:"attributedTo"`
	To           []ActorURI              `json:"to"`
	Content      []EncryptedMessageEntry `json:"content"`
}

// Create is an encrypted message envelope addressed to every approved
// device of the recipient user.
type Create struct {
	Context string   `json:"@context,omitempty"`
	Type    string   `json:"type"`
	ID      string   `json:"id,omitempty"`
	Actor   ActorURI `json:"actor"`
	To      []ActorURI `json:"to"`
	Object  Note     `json:"object"`
}

// Take requests a one-shot prekey bundle for session establishment. To
// must end with "/keyCollection"; Result is populated by the server on
// success.
type Take struct {
	Context string         `json:"@context,omitempty"`
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Actor   ActorURI       `json:"actor"`
	To      string         `json:"to"`
	Result  *PreKeyBundle  `json:"result,omitempty"`
}

// Delivered acknowledges that a Create reached one of the recipient's
// devices. Object carries the acknowledged Create's id.
type Delivered struct {
	Context string   `json:"@context,omitempty"`
	Type    string   `json:"type"`
	ID      string   `json:"id,omitempty"`
	Actor   ActorURI `json:"actor"`
	To      ActorURI `json:"to"`
	Object  string   `json:"object"`
}

// ActivityRow is the persisted form of any activity: Create rows have
// their content stripped (it lives in message_entries), Take/Delivered
// rows carry their full body.
type ActivityRow struct {
	ActivityID      string
	Type            ActivityType
	JSON            json.RawMessage
	FirstDeliveryAt *time.Time
	CreatedAt       time.Time
}

// MessageEntryRow decouples a Create's per-device ciphertext from its
// activity JSON so inbox reads only materialize the reader's own entry.
type MessageEntryRow struct {
	ActivityID string
	FromDID    DeviceID
	ToDID      DeviceID
	Ciphertext []byte
}

// DeliveryRow tracks one device that still owes acknowledgement for an
// activity. Deleted on inbox pickup (Take/Delivered) or explicit
// Delivered (Create).
type DeliveryRow struct {
	ActivityID string
	ToDeviceID DeviceID
}
