package capabilities

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/eko-relay/internal/actors"
	"github.com/jaydenbeard/eko-relay/internal/model"
)

func TestHandlerRewritesWebSocketScheme(t *testing.T) {
	h := Handler("https://relay.example", "vapid-public-key")
	req := httptest.NewRequest(http.MethodGet, "/.well-known/ecp", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "wss://relay.example/ws", doc.WebSocket.Endpoint)
	assert.Equal(t, "vapid-public-key", doc.WebPush.VAPID.PublicKey)
	assert.Equal(t, "https://relay.example/push/register", doc.WebPush.Endpoints.Register)
}

func TestWebFingerHandlerResolvesLocalUser(t *testing.T) {
	domain := "https://relay.example"
	h := WebFingerHandler(domain, func(uid model.UserID) bool { return uid == "alice" })

	req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:alice@relay.example", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var doc jrd
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Links, 1)
	assert.Equal(t, "https://relay.example/users/alice", doc.Links[0].Href)
}

func TestWebFingerHandlerRejectsUnknownUser(t *testing.T) {
	h := WebFingerHandler("https://relay.example", func(model.UserID) bool { return false })
	req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:ghost@relay.example", nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebFingerHandlerRejectsMalformedResource(t *testing.T) {
	h := WebFingerHandler("https://relay.example", func(model.UserID) bool { return true })
	req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=not-an-acct-uri", nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPersonHandlerGatesGroupsEndpointOnOwnership(t *testing.T) {
	domain := "https://relay.example"
	store := actors.NewMemoryStore()
	actorURI := model.ActorURIFor(domain, "alice")
	require.NoError(t, store.UpsertLocalActor(context.Background(), actorURI, "inbox-url", "outbox-url"))

	parseUID := func(*http.Request) model.UserID { return "alice" }

	ownerHandler := PersonHandler(domain, store, parseUID, func(*http.Request, model.UserID) bool { return true })
	rec := httptest.NewRecorder()
	ownerHandler(rec, httptest.NewRequest(http.MethodGet, "/users/alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var person Person
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &person))
	require.NotNil(t, person.Endpoints)
	assert.Equal(t, string(actorURI)+"/groups", person.Endpoints.Groups)

	strangerHandler := PersonHandler(domain, store, parseUID, func(*http.Request, model.UserID) bool { return false })
	rec2 := httptest.NewRecorder()
	strangerHandler(rec2, httptest.NewRequest(http.MethodGet, "/users/alice", nil))
	require.Equal(t, http.StatusOK, rec2.Code)
	var strangerView Person
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &strangerView))
	assert.Nil(t, strangerView.Endpoints)
}

func TestPersonHandlerUnknownUser(t *testing.T) {
	domain := "https://relay.example"
	store := actors.NewMemoryStore()
	parseUID := func(*http.Request) model.UserID { return "ghost" }
	h := PersonHandler(domain, store, parseUID, func(*http.Request, model.UserID) bool { return false })
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/users/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
