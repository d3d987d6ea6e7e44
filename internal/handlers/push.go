package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/jaydenbeard/eko-relay/internal/apperr"
	"github.com/jaydenbeard/eko-relay/internal/httpmw"
	"github.com/jaydenbeard/eko-relay/internal/model"
	"github.com/jaydenbeard/eko-relay/internal/push"
)

// Push bundles the collaborator the subscription routes need: the
// caller's own device is the subscription key, taken from the bearer
// token, never from the request body.
type Push struct {
	Subscriptions push.SubscriptionStore
}

type subscriptionInfo struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256DH string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Register upserts the caller's device Web Push subscription (spec §6's
// POST /push/register).
func (p *Push) Register(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := httpmw.DeviceID(r.Context())
	if !ok {
		httpmw.WriteError(w, apperr.Unauthorizedf("authorization required"))
		return
	}

	var req subscriptionInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.WriteError(w, apperr.BadRequestf("malformed subscription"))
		return
	}

	err := p.Subscriptions.Upsert(r.Context(), model.PushSubscription{
		DeviceID: deviceID,
		Endpoint: req.Endpoint,
		P256DH:   req.Keys.P256DH,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		httpmw.WriteError(w, apperr.Internalf("failed to save subscription", err))
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Revoke drops the caller's device subscription (spec §6's POST
// /push/revoke); idempotent, same as deleting a row that may not exist.
func (p *Push) Revoke(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := httpmw.DeviceID(r.Context())
	if !ok {
		httpmw.WriteError(w, apperr.Unauthorizedf("authorization required"))
		return
	}
	if err := p.Subscriptions.Delete(r.Context(), deviceID); err != nil {
		httpmw.WriteError(w, apperr.Internalf("failed to revoke subscription", err))
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
