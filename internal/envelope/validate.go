// Package envelope implements the Envelope Validator: enforces
// device-list parity between a Create's per-device content and the
// recipient's current approved device set (spec §4.5).
package envelope

import (
	"context"

	"github.com/jaydenbeard/eko-relay/internal/apperr"
	"github.com/jaydenbeard/eko-relay/internal/devices"
	"github.com/jaydenbeard/eko-relay/internal/model"
)

// Validate checks a Create sent by senderDevice (owned by senderUser) to
// recipientUser against the recipient's approved device set. A device
// does not sync to itself: on a self-send, senderDevice is removed from
// the expected fan-out set before comparison.
func Validate(ctx context.Context, store devices.Store, domain string, create model.Create, senderDevice model.DeviceID, senderUser, recipientUser model.UserID) error {
	fanout, err := store.ApprovedDevices(ctx, recipientUser)
	if err != nil {
		return apperr.Internalf("failed to load approved devices", err)
	}
	fanoutSet := make(map[model.DeviceID]bool, len(fanout))
	for _, d := range fanout {
		fanoutSet[d] = true
	}
	if recipientUser == senderUser {
		delete(fanoutSet, senderDevice)
	}

	fromSet := make(map[string]bool)
	toSet := make(map[model.DeviceID]bool)
	for _, e := range create.Object.Content {
		fromSet[e.From] = true
		toDID, err := model.ParseDeviceURL(e.To)
		if err != nil {
			return apperr.DeviceListMismatch()
		}
		toSet[toDID] = true
	}

	if len(fromSet) != 1 || !fromSet[senderDevice.URL(domain)] {
		return apperr.DeviceListMismatch()
	}

	// Spec §3: exactly one entry per distinct target device. Comparing
	// set cardinality alone would let a duplicate target mask a dropped
	// device (same distinct-device count, one approved device missing
	// an entry), so the entry count must also match the target count.
	if len(create.Object.Content) != len(toSet) {
		return apperr.DeviceListMismatch()
	}

	if len(toSet) != len(fanoutSet) {
		return apperr.DeviceListMismatch()
	}
	for d := range toSet {
		if !fanoutSet[d] {
			return apperr.DeviceListMismatch()
		}
	}

	return nil
}
