package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jaydenbeard/eko-relay/internal/activitystore"
	"github.com/jaydenbeard/eko-relay/internal/apperr"
	"github.com/jaydenbeard/eko-relay/internal/devices"
	"github.com/jaydenbeard/eko-relay/internal/groups"
	"github.com/jaydenbeard/eko-relay/internal/httpmw"
	"github.com/jaydenbeard/eko-relay/internal/messaging"
	"github.com/jaydenbeard/eko-relay/internal/model"
)

// Users bundles the collaborators the per-user routes need: inbox,
// outbox, prekey bundle issuance, and group-state CRUD.
type Users struct {
	Domain     string
	Devices    devices.Store
	Activities activitystore.Store
	Groups     groups.Store
	Messaging  *messaging.Service
}

func pathUID(r *http.Request) model.UserID {
	return model.UserID(mux.Vars(r)["uid"])
}

// IsOwner reports whether the authenticated caller (if any) is uid,
// gating Person's endpoints.groups field (SPEC_FULL.md §11).
func IsOwner(r *http.Request, uid model.UserID) bool {
	callerUID, ok := httpmw.UserID(r.Context())
	return ok && callerUID == uid
}

// orderedCollection wraps an inbox read in the ActivityStreams
// OrderedCollection envelope spec §6 names for GET .../inbox.
type orderedCollection struct {
	Context      string `json:"@context"`
	Type         string `json:"type"`
	TotalItems   int    `json:"totalItems"`
	OrderedItems []any  `json:"orderedItems"`
}

// Inbox returns every activity the caller's device still owes,
// consuming Take/Delivered rows as it reads them (spec §4.3.1).
func (u *Users) Inbox(w http.ResponseWriter, r *http.Request) {
	uid := pathUID(r)
	if !IsOwner(r, uid) {
		httpmw.WriteError(w, apperr.Forbiddenf("cannot read another user's inbox"))
		return
	}
	deviceID, _ := httpmw.DeviceID(r.Context())

	activities, err := u.Activities.InboxActivities(r.Context(), deviceID)
	if err != nil {
		httpmw.WriteError(w, apperr.Internalf("failed to load inbox", err))
		return
	}

	items := make([]any, 0, len(activities))
	for _, a := range activities {
		switch a.Type {
		case model.ActivityCreate:
			items = append(items, a.Create)
		case model.ActivityTake:
			items = append(items, a.Take)
		case model.ActivityDelivered:
			items = append(items, a.Delivered)
		}
	}

	w.Header().Set("Content-Type", "application/activity+json")
	httpmw.WriteJSON(w, http.StatusOK, orderedCollection{
		Context:      model.ActivityStreamsContext,
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	})
}

// outboxEnvelope discriminates the three activity types on the wire by
// their "type" field, same tagged-union decode the teacher's
// message_handlers.go did for its own activity kinds.
type outboxEnvelope struct {
	Type string `json:"type"`
}

// Outbox is the Messaging Service's single HTTP entry point (spec §4.6):
// decode by type, call ProcessOutgoing, return 201 with server-assigned
// ids.
func (u *Users) Outbox(w http.ResponseWriter, r *http.Request) {
	uid := pathUID(r)
	if !IsOwner(r, uid) {
		httpmw.WriteError(w, apperr.Forbiddenf("cannot post to another user's outbox"))
		return
	}
	deviceID, _ := httpmw.DeviceID(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpmw.WriteError(w, apperr.BadRequestf("failed to read request body"))
		return
	}

	var env outboxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		httpmw.WriteError(w, apperr.BadRequestf("malformed activity"))
		return
	}

	var (
		create    *model.Create
		take      *model.Take
		delivered *model.Delivered
		atype     model.ActivityType
	)
	switch env.Type {
	case string(model.ActivityCreate):
		create = &model.Create{}
		if err := json.Unmarshal(body, create); err != nil {
			httpmw.WriteError(w, apperr.BadRequestf("malformed Create activity"))
			return
		}
		atype = model.ActivityCreate
	case string(model.ActivityTake):
		take = &model.Take{}
		if err := json.Unmarshal(body, take); err != nil {
			httpmw.WriteError(w, apperr.BadRequestf("malformed Take activity"))
			return
		}
		atype = model.ActivityTake
	case string(model.ActivityDelivered):
		delivered = &model.Delivered{}
		if err := json.Unmarshal(body, delivered); err != nil {
			httpmw.WriteError(w, apperr.BadRequestf("malformed Delivered activity"))
			return
		}
		atype = model.ActivityDelivered
	default:
		httpmw.WriteError(w, apperr.BadRequestf("unknown activity type"))
		return
	}

	result, err := u.Messaging.ProcessOutgoing(r.Context(), atype, create, take, delivered, deviceID, uid)
	if err != nil {
		httpmw.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/activity+json")
	httpmw.WriteJSON(w, http.StatusCreated, result)
}

// KeysBundle issues a one-shot prekey bundle for every approved device
// of uid (spec §6's GET .../keys/bundle.json); unauthenticated by
// design, since a sender must be able to start a session before it has
// any session material of its own.
func (u *Users) KeysBundle(w http.ResponseWriter, r *http.Request) {
	uid := pathUID(r)
	deviceIDs, err := u.Devices.ApprovedDevices(r.Context(), uid)
	if err != nil {
		httpmw.WriteError(w, apperr.Internalf("failed to load devices", err))
		return
	}

	bundles := make([]*model.PreKeyBundle, 0, len(deviceIDs))
	for _, d := range deviceIDs {
		b, err := u.Devices.TakePreKeyBundle(r.Context(), d)
		if err != nil {
			httpmw.WriteError(w, apperr.Internalf("failed to take prekey bundle", err))
			return
		}
		if b != nil {
			bundles = append(bundles, b)
		}
	}
	httpmw.WriteJSON(w, http.StatusOK, bundles)
}

type groupStateResponse struct {
	GroupID          string `json:"groupId"`
	Epoch            int64  `json:"epoch"`
	EncryptedContent []byte `json:"encryptedContent"`
	Encoding         string `json:"encoding"`
}

func toGroupStateResponse(s model.GroupState) groupStateResponse {
	return groupStateResponse{GroupID: s.GroupID, Epoch: s.Epoch, EncryptedContent: s.EncryptedContent, Encoding: s.Encoding}
}

type putGroupRequest struct {
	Epoch            int64  `json:"epoch"`
	EncryptedContent []byte `json:"encryptedContent"`
	Encoding         string `json:"encoding"`
}

// PutGroup writes group state if epoch strictly advances the stored
// value (spec §4.4); a stale epoch is a 400, not silently ignored.
func (u *Users) PutGroup(w http.ResponseWriter, r *http.Request) {
	uid := pathUID(r)
	if !IsOwner(r, uid) {
		httpmw.WriteError(w, apperr.Forbiddenf("cannot write another user's group state"))
		return
	}
	groupID := mux.Vars(r)["group_id"]

	var req putGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.WriteError(w, apperr.BadRequestf("malformed request body"))
		return
	}
	if req.Encoding == "" {
		req.Encoding = "base64"
	}

	written, err := u.Groups.Upsert(r.Context(), model.GroupState{
		UserID: uid, GroupID: groupID, Epoch: req.Epoch,
		EncryptedContent: req.EncryptedContent, Encoding: req.Encoding,
	})
	if err != nil {
		httpmw.WriteError(w, apperr.Internalf("failed to write group state", err))
		return
	}
	if !written {
		httpmw.WriteError(w, apperr.BadRequestf("Epoch must be higher than the stored epoch"))
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetGroup returns one group's current state.
func (u *Users) GetGroup(w http.ResponseWriter, r *http.Request) {
	uid := pathUID(r)
	if !IsOwner(r, uid) {
		httpmw.WriteError(w, apperr.Forbiddenf("cannot read another user's group state"))
		return
	}
	groupID := mux.Vars(r)["group_id"]

	s, ok, err := u.Groups.Get(r.Context(), uid, groupID)
	if err != nil {
		httpmw.WriteError(w, apperr.Internalf("failed to load group state", err))
		return
	}
	if !ok {
		httpmw.WriteError(w, apperr.NotFoundf("unknown group"))
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, toGroupStateResponse(*s))
}

// ListGroups returns every group state uid holds.
func (u *Users) ListGroups(w http.ResponseWriter, r *http.Request) {
	uid := pathUID(r)
	if !IsOwner(r, uid) {
		httpmw.WriteError(w, apperr.Forbiddenf("cannot list another user's group states"))
		return
	}

	states, err := u.Groups.GetAll(r.Context(), uid)
	if err != nil {
		httpmw.WriteError(w, apperr.Internalf("failed to load group states", err))
		return
	}
	out := make([]groupStateResponse, len(states))
	for i, s := range states {
		out[i] = toGroupStateResponse(s)
	}
	httpmw.WriteJSON(w, http.StatusOK, out)
}

// DeleteGroup removes uid's state for one group.
func (u *Users) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	uid := pathUID(r)
	if !IsOwner(r, uid) {
		httpmw.WriteError(w, apperr.Forbiddenf("cannot delete another user's group state"))
		return
	}
	groupID := mux.Vars(r)["group_id"]

	existed, err := u.Groups.Delete(r.Context(), uid, groupID)
	if err != nil {
		httpmw.WriteError(w, apperr.Internalf("failed to delete group state", err))
		return
	}
	if !existed {
		httpmw.WriteError(w, apperr.NotFoundf("unknown group"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
