package wsgateway

import (
	"log"
	"net/http"
	"strings"

	"github.com/jaydenbeard/eko-relay/internal/apperr"
	"github.com/jaydenbeard/eko-relay/internal/httpmw"
	"github.com/jaydenbeard/eko-relay/internal/session"
)

// Handler upgrades /ws, authenticates the bearer token, registers the
// device with the Hub, flushes its pending inbox, then pumps frames
// until the socket closes — the same token-source precedence
// (Authorization header, Sec-WebSocket-Protocol, query param) as the
// teacher's WebSocketHandler, since browsers can't set custom headers
// during the WebSocket handshake.
func Handler(hub *Hub, sessions *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httpmw.WriteError(w, apperr.Unauthorizedf("authorization required"))
			return
		}

		claims, err := sessions.ValidateAccessToken(token)
		if err != nil {
			httpmw.WriteError(w, apperr.Unauthorizedf("invalid or expired token"))
			return
		}

		var responseHeader http.Header
		if r.Header.Get("Sec-WebSocket-Protocol") != "" {
			responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{"Bearer"}}
		}

		conn, err := upgrader.Upgrade(w, r, responseHeader)
		if err != nil {
			log.Printf("[wsgateway] upgrade failed for device=%s: %v", claims.DeviceID, err)
			return
		}
		gc := &gorillaConn{conn: conn}

		send, flush, disconnect := hub.Connect(r.Context(), claims.DeviceID)
		defer disconnect()

		if err := flush(); err != nil {
			log.Printf("[wsgateway] inbox flush failed for device=%s: %v", claims.DeviceID, err)
		}

		done := make(chan struct{})
		go gc.readLoop(done)
		gc.writeLoop(send, done)
		_ = gc.Close()
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return auth
	}

	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		parts := strings.Split(proto, ", ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		if !strings.Contains(proto, ",") {
			return proto
		}
	}

	return r.URL.Query().Get("token")
}
