// Package gateway bridges the hub to external observers over
// persistent duplex connections: connection registry, per-engine
// subscription sets, inbound command dispatch, and the periodic
// broadcast scheduler.
package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is a duplex channel to one observer. Implementations must
// tolerate Close being called more than once.
type Transport interface {
	// WriteJSON sends one message. An error means the connection is
	// unusable and will be torn down by the caller.
	WriteJSON(v any) error
	// ReadMessage blocks until the next inbound payload or a read
	// error (including peer close).
	ReadMessage() ([]byte, error)
	Close() error
}

// wsTransport adapts a gorilla/websocket connection. Gorilla conns
// permit only one concurrent writer, so writes are serialized here.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  sync.Once
}

// NewWebSocketTransport wraps an upgraded websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) Close() error {
	var err error
	t.closed.Do(func() { err = t.conn.Close() })
	return err
}
