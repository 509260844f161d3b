package server

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chathub/internal/hub"
)

const (
	writeWait = 10 * time.Second

	// closeRoomNotFound is sent when the room vanished between lookup and attach.
	closeRoomNotFound = 4404
)

// wsTransport adapts a gorilla connection to hub.Transport.
type wsTransport struct {
	conn *websocket.Conn
	once sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteText(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) WritePing() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame describing reason and closes the connection.
func (t *wsTransport) Close(reason error) error {
	var err error
	t.once.Do(func() {
		code, text := closeCodeFor(reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
		err = t.conn.Close()
	})
	if err != nil && isExpectedCloseError(err) {
		return nil
	}
	return err
}

func closeCodeFor(reason error) (int, string) {
	switch {
	case reason == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(reason, hub.ErrSlowConsumer):
		return websocket.ClosePolicyViolation, "slow consumer"
	case errors.Is(reason, hub.ErrHeartbeatTimeout):
		return websocket.CloseGoingAway, "heartbeat timeout"
	case errors.Is(reason, hub.ErrShutdown):
		return websocket.CloseGoingAway, "server shutting down"
	case errors.Is(reason, hub.ErrRoomNotFound):
		return closeRoomNotFound, "room not found"
	default:
		return websocket.CloseNormalClosure, ""
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
