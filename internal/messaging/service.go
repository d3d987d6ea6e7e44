// Package messaging implements the Messaging Service (spec §4.6): the
// single entry point that routes an outgoing activity through local-vs-
// remote resolution, envelope validation, persistence, and fan-out.
// Grounded on the teacher's spawn-detached-task idiom in
// cmd/chatserver/main.go (go hub.Run() / go redisClient.Subscribe...)
// for the fan-out goroutine, and on original_source/src/messaging's
// process_outgoing dispatch shape for the three-activity-type switch.
package messaging

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jaydenbeard/eko-relay/internal/activitystore"
	"github.com/jaydenbeard/eko-relay/internal/actors"
	"github.com/jaydenbeard/eko-relay/internal/apperr"
	"github.com/jaydenbeard/eko-relay/internal/devices"
	"github.com/jaydenbeard/eko-relay/internal/envelope"
	"github.com/jaydenbeard/eko-relay/internal/federation"
	"github.com/jaydenbeard/eko-relay/internal/model"
	"github.com/jaydenbeard/eko-relay/internal/push"
)

// Hub is the subset of wsgateway.Hub the Messaging Service needs; kept
// as an interface so tests can fake live/offline delivery without a
// real socket.
type Hub interface {
	TryDeliver(device model.DeviceID, view any) bool
}

// Service orchestrates outbox ingestion for every activity type (spec
// §4.6). Domain is this instance's {domain} used to build/parse device
// and actor URLs.
type Service struct {
	Domain     string
	Actors     actors.Store
	Devices    devices.Store
	Activities activitystore.Store
	Hub        Hub
	Push       *push.Service
	Federation federation.Queue
}

// ProcessOutgoing is the single entry point every outbox POST calls
// (spec §4.6). senderDevice is the device the bearer token authenticated
// as; senderUser is its owning user. It returns the activity with any
// server-assigned ids populated, ready to be the HTTP 201 body.
func (s *Service) ProcessOutgoing(ctx context.Context, activityType model.ActivityType, create *model.Create, take *model.Take, delivered *model.Delivered, senderDevice model.DeviceID, senderUser model.UserID) (any, error) {
	// Take addresses a device URL (.../keyCollection), not an actor, and
	// is always handled locally — it never goes through the Actor
	// Registry's local/remote split.
	if activityType == model.ActivityTake {
		return s.processTake(ctx, *take, senderDevice)
	}

	primaryTo := primaryRecipient(activityType, create, delivered)

	local, err := s.Actors.IsLocalActor(ctx, primaryTo)
	if err != nil {
		return nil, apperr.Internalf("failed to resolve actor locality", err)
	}
	if !local {
		activityID := newActivityID(s.Domain)
		if err := s.Federation.Enqueue(ctx, activityID, string(primaryTo)); err != nil {
			return nil, apperr.Internalf("failed to enqueue federation delivery", err)
		}
		return stampID(activityType, create, delivered, activityID), nil
	}

	switch activityType {
	case model.ActivityCreate:
		return s.processCreate(ctx, *create, senderDevice, senderUser)
	case model.ActivityDelivered:
		return s.processDelivered(ctx, *delivered, senderDevice, senderUser)
	default:
		return nil, apperr.BadRequestf("unknown activity type")
	}
}

// primaryRecipient is only ever asked about Create and Delivered — Take
// is dispatched straight to processTake by ProcessOutgoing before this
// is called, since it addresses a device URL, not an actor.
func primaryRecipient(t model.ActivityType, create *model.Create, delivered *model.Delivered) model.ActorURI {
	switch t {
	case model.ActivityCreate:
		if len(create.To) > 0 {
			return create.To[0]
		}
	case model.ActivityDelivered:
		return delivered.To
	}
	return ""
}

// stampID is only ever asked about Create and Delivered, for the same
// reason primaryRecipient is: Take never reaches the remote-enqueue path.
func stampID(t model.ActivityType, create *model.Create, delivered *model.Delivered, id string) any {
	if t == model.ActivityCreate {
		create.ID = id
		return create
	}
	delivered.ID = id
	return delivered
}

func newActivityID(domain string) string {
	return fmt.Sprintf("%s/activities/%s", domain, uuid.New().String())
}

// processCreate validates the envelope's device-list parity, persists
// the Create plus its message-entry and delivery rows, then spawns a
// detached fan-out task before returning — the HTTP 201 is returned once
// persistence commits, per spec §5's "spawned fan-out task" rule.
func (s *Service) processCreate(ctx context.Context, create model.Create, senderDevice model.DeviceID, senderUser model.UserID) (*model.Create, error) {
	recipientUser, ok, err := s.recipientUser(ctx, create.To)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.BadRequestf("unknown recipient")
	}

	if err := envelope.Validate(ctx, s.Devices, s.Domain, create, senderDevice, senderUser, recipientUser); err != nil {
		return nil, err
	}

	activityID := newActivityID(s.Domain)
	create.ID = activityID
	if create.Context == "" {
		create.Context = model.ActivityStreamsContext
	}

	if err := s.Activities.InsertCreate(ctx, create, activityID); err != nil {
		return nil, apperr.Internalf("failed to persist create", err)
	}

	go s.fanOutCreate(create, activityID)

	return &create, nil
}

// fanOutCreate is the detached task spec §5/§9 describe: it owns a copy
// of the activity and touches only process-wide collaborators (Hub,
// Push, Activities). For each envelope entry it builds a per-device
// single-entry view, tries live delivery, and falls back to a push wake
// — the delivery row is left in place either way; the recipient picks
// it up on inbox read or a later Delivered.
func (s *Service) fanOutCreate(create model.Create, activityID string) {
	ctx := context.Background()
	for _, entry := range create.Object.Content {
		toDID, err := model.ParseDeviceURL(entry.To)
		if err != nil {
			log.Printf("[messaging] fan-out: bad device url %q in activity=%s: %v", entry.To, activityID, err)
			continue
		}

		view := create
		view.Object.Content = []model.EncryptedMessageEntry{entry}

		if s.Hub.TryDeliver(toDID, &view) {
			continue
		}
		s.Push.Notify(ctx, toDID)
	}
}

// processTake parses the target device from to (stripping /keyCollection),
// consumes one one-time prekey, and delivers the populated result back to
// the sender's own device (the requester), live or via inbox.
func (s *Service) processTake(ctx context.Context, take model.Take, senderDevice model.DeviceID) (*model.Take, error) {
	target, err := parseKeyCollectionURL(take.To)
	if err != nil {
		return nil, apperr.BadRequestf("malformed keyCollection url")
	}

	bundle, err := s.Devices.TakePreKeyBundle(ctx, target)
	if err != nil {
		return nil, apperr.Internalf("failed to take prekey bundle", err)
	}
	if bundle == nil {
		return nil, apperr.NotFoundf("PreKey bundle not available for this device")
	}

	take.ID = newActivityID(s.Domain)
	take.Result = bundle
	if take.Context == "" {
		take.Context = model.ActivityStreamsContext
	}

	if s.Hub.TryDeliver(senderDevice, &take) {
		return &take, nil
	}
	if err := s.Activities.InsertNonCreate(ctx, take.ID, model.ActivityTake, take, []model.DeviceID{senderDevice}); err != nil {
		return nil, apperr.Internalf("failed to persist take result", err)
	}
	return &take, nil
}

// processDelivered deletes the acking device's delivery row (idempotent
// no-op if it's already gone, per spec §9's explicit "do not guess
// intent" decision to replicate the source's logged-no-op behavior),
// claims first-delivery, and — only on the first claim for a non-sync
// Delivered — re-fans the acknowledgement to every device of the
// original sender's user. Subsequent Delivereds from sibling devices
// are absorbed silently.
func (s *Service) processDelivered(ctx context.Context, delivered model.Delivered, ackingDevice model.DeviceID, ackingUser model.UserID) (*model.Delivered, error) {
	isSync := delivered.Actor == delivered.To

	existed, err := s.Activities.DeleteDelivery(ctx, delivered.Object, ackingDevice)
	if err != nil {
		return nil, apperr.Internalf("failed to delete delivery row", err)
	}
	if !existed {
		log.Printf("[messaging] Delivered for unknown or already-acked create_id=%s device=%s: idempotent no-op", delivered.Object, ackingDevice)
	}

	delivered.ID = newActivityID(s.Domain)
	if delivered.Context == "" {
		delivered.Context = model.ActivityStreamsContext
	}

	isFirst, err := s.Activities.ClaimFirstDelivery(ctx, delivered.Object)
	if err != nil {
		return nil, apperr.Internalf("failed to claim first delivery", err)
	}

	if !isSync && isFirst {
		senderUser, ok, err := actorOwner(ctx, s.Devices, delivered.Actor, s.Domain)
		if err != nil {
			return nil, err
		}
		if ok {
			s.fanOutDelivered(ctx, delivered, senderUser)
		}
	}

	return &delivered, nil
}

// fanOutDelivered broadcasts delivered to every device of recipientUser
// (the original sender's user, whose devices are waiting on this ack) —
// the only path that re-broadcasts a Delivered, gated by the
// first-delivery claim so at most one re-broadcast happens per Create.
func (s *Service) fanOutDelivered(ctx context.Context, delivered model.Delivered, recipientUser model.UserID) {
	targets, err := s.Devices.ApprovedDevices(ctx, recipientUser)
	if err != nil {
		log.Printf("[messaging] failed to load devices for delivered fan-out, user=%s: %v", recipientUser, err)
		return
	}

	var offline []model.DeviceID
	for _, d := range targets {
		if !s.Hub.TryDeliver(d, &delivered) {
			offline = append(offline, d)
		}
	}
	if len(offline) > 0 {
		if err := s.Activities.InsertNonCreate(ctx, delivered.ID, model.ActivityDelivered, delivered, offline); err != nil {
			log.Printf("[messaging] failed to persist delivered fan-out for offline devices: %v", err)
		}
	}
}

func (s *Service) recipientUser(ctx context.Context, to []model.ActorURI) (model.UserID, bool, error) {
	if len(to) == 0 {
		return "", false, apperr.BadRequestf("activity has no recipient")
	}
	return actorUserID(to[0]), true, nil
}

// actorUserID extracts the UserID embedded in an actor URI of the form
// {domain}/users/{uid}. The Actor Registry only tracks locality, not the
// user mapping, so this is a pure string operation mirroring
// model.ActorURIFor's construction.
func actorUserID(uri model.ActorURI) model.UserID {
	s := string(uri)
	idx := lastIndexUsers(s)
	if idx < 0 {
		return model.UserID(s)
	}
	return model.UserID(s[idx:])
}

func lastIndexUsers(s string) int {
	const marker = "/users/"
	for i := len(s) - len(marker); i >= 0; i-- {
		if s[i:i+len(marker)] == marker {
			return i + len(marker)
		}
	}
	return -1
}

// actorOwner resolves a Create/Delivered actor URI to the user it
// belongs to, by resolving any one of that actor's approved devices'
// ownership — used to find who the Delivered fan-out target is.
func actorOwner(ctx context.Context, store devices.Store, actor model.ActorURI, domain string) (model.UserID, bool, error) {
	uid := actorUserID(actor)
	devs, err := store.ApprovedDevices(ctx, uid)
	if err != nil {
		return "", false, apperr.Internalf("failed to resolve actor owner", err)
	}
	return uid, len(devs) > 0, nil
}

func parseKeyCollectionURL(to string) (model.DeviceID, error) {
	const suffix = "/keyCollection"
	if len(to) <= len(suffix) || to[len(to)-len(suffix):] != suffix {
		return model.DeviceID{}, fmt.Errorf("to does not end with %s: %q", suffix, to)
	}
	return model.ParseDeviceURL(to[:len(to)-len(suffix)])
}
