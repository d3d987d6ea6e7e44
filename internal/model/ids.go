// Package model holds the wire and storage-row types shared across the
// messaging core: identities, activities, prekey bundles and group state.
package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UserID is an opaque, server-assigned identity. Stable for the life of
// the account.
type UserID string

// ActorURI is the ActivityPub principal URI for a user: {domain}/users/{uid}.
type ActorURI string

// ActorURIFor builds the canonical actor URI for a user on domain.
func ActorURIFor(domain string, uid UserID) ActorURI {
	return ActorURI(fmt.Sprintf("%s/users/%s", domain, uid))
}

// DeviceID is a UUID naming one registered device. Its public form is a
// URL; the UUID itself never appears on the wire.
type DeviceID uuid.UUID

// NewDeviceID generates a fresh random device id.
func NewDeviceID() DeviceID {
	return DeviceID(uuid.New())
}

func (d DeviceID) String() string {
	return uuid.UUID(d).String()
}

// URL renders the public device URL for domain.
func (d DeviceID) URL(domain string) string {
	return fmt.Sprintf("%s/devices/%s", domain, d.String())
}

// ParseDeviceURL recovers a DeviceID from its public URL form. Round-trips
// with URL: ParseDeviceURL(d.URL(domain)) == d.
func ParseDeviceURL(deviceURL string) (DeviceID, error) {
	idx := strings.LastIndex(deviceURL, "/devices/")
	if idx < 0 {
		return DeviceID{}, fmt.Errorf("not a device url: %q", deviceURL)
	}
	raw := deviceURL[idx+len("/devices/"):]
	id, err := uuid.Parse(raw)
	if err != nil {
		return DeviceID{}, fmt.Errorf("invalid device id in url %q: %w", deviceURL, err)
	}
	return DeviceID(id), nil
}
