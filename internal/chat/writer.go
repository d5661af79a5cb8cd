package chat

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a websocket connection to Transport. Sends are
// serialized because gorilla allows one concurrent writer per connection.
type wsTransport struct {
	ws        *websocket.Conn
	writeWait time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newWSTransport(ws *websocket.Conn, writeWait time.Duration, readLimit int64) *wsTransport {
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	return &wsTransport{ws: ws, writeWait: writeWait}
}

func (t *wsTransport) Send(payload []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeWait > 0 {
		_ = t.ws.SetWriteDeadline(time.Now().Add(t.writeWait))
	}
	err := t.ws.WriteMessage(websocket.TextMessage, payload)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrSendTimeout, err)
	}
	return err
}

// Receive returns the next data frame as text. Binary frames are passed
// through as their raw bytes. A clean close handshake from the peer is
// reported as ErrPeerClosed, a local Close as ErrTransportClosed.
func (t *wsTransport) Receive() (string, error) {
	_, data, err := t.ws.ReadMessage()
	if err != nil {
		if t.closed.Load() {
			return "", ErrTransportClosed
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return "", fmt.Errorf("%w: %v", ErrPeerClosed, err)
		}
		return "", err
	}
	return string(data), nil
}

// Close is safe to call from the broadcaster and the session concurrently.
// It does not wait for an in-flight Send, so a stuck write is unblocked.
func (t *wsTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.ws.Close()
}
