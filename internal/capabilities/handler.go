// Package capabilities serves the static service-discovery document
// (spec §4.9), plus the supplemented WebFinger and ActivityPub Person
// actor endpoints (SPEC_FULL.md §11), grounded on the original's
// activitypub/capabilities.rs and activitypub/types discovery shape.
package capabilities

import (
	"net/http"
	"strings"

	"github.com/jaydenbeard/eko-relay/internal/actors"
	"github.com/jaydenbeard/eko-relay/internal/apperr"
	"github.com/jaydenbeard/eko-relay/internal/httpmw"
	"github.com/jaydenbeard/eko-relay/internal/model"
)

// Document is the response body for GET /.well-known/ecp.
type Document struct {
	Spec     string   `json:"spec"`
	Protocol string   `json:"protocol"`
	WebSocket wsInfo  `json:"websocket"`
	WebPush   pushInfo `json:"webpush"`
}

type wsInfo struct {
	Auth     string `json:"auth"`
	Endpoint string `json:"endpoint"`
}

type pushInfo struct {
	VAPID     vapidInfo     `json:"vapid"`
	Endpoints pushEndpoints `json:"endpoints"`
}

type vapidInfo struct {
	PublicKey string `json:"publicKey"`
}

type pushEndpoints struct {
	Register string `json:"register"`
	Revoke   string `json:"revoke"`
}

// Handler serves the capabilities document. domain is rewritten
// http->ws/https->wss and suffixed /ws per spec §4.9.
func Handler(domain, vapidPublicKey string) http.HandlerFunc {
	doc := Document{
		Spec:     "eko-chat/1",
		Protocol: "eko-chat",
		WebSocket: wsInfo{
			Auth:     "bearer",
			Endpoint: websocketURL(domain),
		},
		WebPush: pushInfo{
			VAPID: vapidInfo{PublicKey: vapidPublicKey},
			Endpoints: pushEndpoints{
				Register: domain + "/push/register",
				Revoke:   domain + "/push/revoke",
			},
		},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		httpmw.WriteJSON(w, http.StatusOK, doc)
	}
}

func websocketURL(domain string) string {
	switch {
	case strings.HasPrefix(domain, "https://"):
		return "wss://" + strings.TrimPrefix(domain, "https://") + "/ws"
	case strings.HasPrefix(domain, "http://"):
		return "ws://" + strings.TrimPrefix(domain, "http://") + "/ws"
	default:
		return "wss://" + domain + "/ws"
	}
}

// jrdLink is one entry in a WebFinger JRD response.
type jrdLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type jrd struct {
	Subject string    `json:"subject"`
	Links   []jrdLink `json:"links"`
}

// WebFingerHandler resolves ?resource=acct:user@domain to the user's
// actor URI JRD document, per the standard WebFinger shape (SPEC_FULL.md
// §11).
func WebFingerHandler(domain string, isLocalUser func(model.UserID) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Query().Get("resource")
		if !strings.HasPrefix(resource, "acct:") {
			httpmw.WriteError(w, apperr.BadRequestf("resource must be an acct: URI"))
			return
		}
		acct := strings.TrimPrefix(resource, "acct:")
		parts := strings.SplitN(acct, "@", 2)
		if len(parts) != 2 {
			httpmw.WriteError(w, apperr.BadRequestf("malformed acct URI"))
			return
		}
		uid, acctDomain := model.UserID(parts[0]), parts[1]
		if !strings.HasSuffix(domain, acctDomain) && !strings.HasSuffix(acctDomain, stripScheme(domain)) {
			httpmw.WriteError(w, apperr.NotFoundf("unknown domain"))
			return
		}
		if !isLocalUser(uid) {
			httpmw.WriteError(w, apperr.NotFoundf("unknown user"))
			return
		}

		actorURI := model.ActorURIFor(domain, uid)
		httpmw.WriteJSON(w, http.StatusOK, jrd{
			Subject: resource,
			Links: []jrdLink{
				{Rel: "self", Type: "application/activity+json", Href: string(actorURI)},
			},
		})
	}
}

func stripScheme(domain string) string {
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	return domain
}

// Person is the ActivityPub actor document for GET /users/{uid}.
// Endpoints.Groups is populated only on the owner's own view.
type Person struct {
	Context   string         `json:"@context"`
	Type      string         `json:"type"`
	ID        model.ActorURI `json:"id"`
	Inbox     string         `json:"inbox"`
	Outbox    string         `json:"outbox"`
	Endpoints *personEndpoints `json:"endpoints,omitempty"`
}

type personEndpoints struct {
	Groups string `json:"groups,omitempty"`
}

// PersonHandler serves GET /users/{uid}. isOwner reports whether the
// authenticated caller (if any) is the subject, which gates the
// endpoints.groups field per SPEC_FULL.md §11.
func PersonHandler(domain string, store actors.Store, parseUID func(*http.Request) model.UserID, isOwner func(*http.Request, model.UserID) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := parseUID(r)
		actorURI := model.ActorURIFor(domain, uid)

		a, ok, err := store.Get(r.Context(), actorURI)
		if err != nil {
			httpmw.WriteError(w, apperr.Internalf("failed to load actor", err))
			return
		}
		if !ok {
			httpmw.WriteError(w, apperr.NotFoundf("unknown user"))
			return
		}

		person := Person{
			Context: model.ActivityStreamsContext,
			Type:    "Person",
			ID:      actorURI,
			Inbox:   a.InboxURL,
			Outbox:  a.OutboxURL,
		}
		if isOwner(r, uid) {
			person.Endpoints = &personEndpoints{Groups: string(actorURI) + "/groups"}
		}

		w.Header().Set("Content-Type", "application/activity+json")
		httpmw.WriteJSON(w, http.StatusOK, person)
	}
}
