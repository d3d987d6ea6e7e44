package wsgateway

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// gorillaConn adapts a *websocket.Conn to Conn. The peer never sends
// activity frames of its own; reads exist only to keep the pong handler
// alive and to notice the peer going away.
type gorillaConn struct {
	conn *websocket.Conn
}

func (g *gorillaConn) WriteMessage(data []byte) error {
	if err := g.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return g.conn.WriteMessage(websocket.TextMessage, data)
}

func (g *gorillaConn) Close() error { return g.conn.Close() }

// readLoop discards anything the peer sends and only exists to drive the
// pong handler and notice disconnects; done is closed when ReadMessage
// finally errors.
func (g *gorillaConn) readLoop(done chan<- struct{}) {
	defer close(done)

	g.conn.SetReadLimit(maxMessageSize)
	_ = g.conn.SetReadDeadline(time.Now().Add(pongWait))
	g.conn.SetPongHandler(func(string) error {
		return g.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := g.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[wsgateway] read error: %v", err)
			}
			return
		}
	}
}

// writeLoop pumps send onto the socket and pings on an idle timer, same
// shape as the teacher's WritePump minus the frame-coalescing logic —
// every queued item here is already a complete JSON activity, so there
// is nothing to batch.
func (g *gorillaConn) writeLoop(send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-send:
			if !ok {
				_ = g.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := g.WriteMessage(data); err != nil {
				return
			}
		case <-ticker.C:
			if err := g.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := g.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
