package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"collab/api/internal/access"
	"collab/api/internal/rbac"
	"github.com/gorilla/websocket"
)

type outbound struct {
	kind int
	data []byte
}

// conn is one joined socket. Only writePump writes data frames to ws.
type conn struct {
	id      string
	roomID  string
	user    access.User
	role    rbac.Role
	canEdit bool

	ws   *websocket.Conn
	send chan outbound
	done chan struct{}

	closeOnce sync.Once
	closeCode int
}

func newConn(id string, ws *websocket.Conn, queue int) *conn {
	return &conn{
		id:        id,
		ws:        ws,
		send:      make(chan outbound, queue),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// enqueue never blocks. A peer too slow to drain its queue is disconnected
// rather than allowed to stall the room.
func (c *conn) enqueue(msg outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		log.Printf("gateway: send queue full for %s in %s, disconnecting", c.id, c.roomID)
		c.close(websocket.ClosePolicyViolation)
		return false
	}
}

func (c *conn) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("gateway: marshal event for %s: %v", c.id, err)
		return false
	}
	return c.enqueue(outbound{kind: websocket.TextMessage, data: data})
}

func (c *conn) sendBinary(frame []byte) bool {
	return c.enqueue(outbound{kind: websocket.BinaryMessage, data: frame})
}

func (c *conn) close(code int) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.done)
	})
}

func (c *conn) writePump(pingPeriod, writeWait time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msg.kind, msg.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, ""), time.Now().Add(writeWait))
			return
		}
	}
}
