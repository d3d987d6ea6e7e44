// Package activitystore implements the Activity Store: persists Create,
// Take and Delivered activities plus their per-device delivery rows,
// and supports the atomic first-delivery claim (spec §4.3).
package activitystore

import (
	"context"

	"github.com/jaydenbeard/eko-relay/internal/model"
)

type Store interface {
	// InsertCreate inserts the activity row (content stripped), one
	// message-entry row per envelope entry, and one delivery row per
	// to_did, all in one transaction.
	InsertCreate(ctx context.Context, create model.Create, activityID string) error

	// InsertNonCreate inserts the activity row plus one delivery row per
	// target device. Used for Take and Delivered when live delivery
	// fails.
	InsertNonCreate(ctx context.Context, activityID string, activityType model.ActivityType, body any, targets []model.DeviceID) error

	// InboxActivities returns every activity device still owes,
	// ordered by created_at ASC. Create rows are non-destructive and
	// reassembled to a single-entry view for device; Take/Delivered
	// rows are destructive (their delivery row is deleted as part of
	// the read) per §4.3.1.
	InboxActivities(ctx context.Context, device model.DeviceID) ([]StoredActivity, error)

	// DeleteDelivery removes one device's outstanding delivery row for
	// an activity. Returns whether a row existed.
	DeleteDelivery(ctx context.Context, activityID string, device model.DeviceID) (bool, error)

	// ClaimFirstDelivery atomically transitions first_delivery_at from
	// NULL to now, at most once. Returns whether this call was the one
	// that made the transition.
	ClaimFirstDelivery(ctx context.Context, createID string) (bool, error)
}

// StoredActivity is one activity as returned by an inbox read: Type
// discriminates which of the three payloads is populated.
type StoredActivity struct {
	ActivityID string
	Type       model.ActivityType
	Create     *model.Create
	Take       *model.Take
	Delivered  *model.Delivered
}
