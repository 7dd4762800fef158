package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Message is one inbound frame from the dispatch server.
type Message struct {
	// Binary marks raw audio frames; text frames carry JSON or the EOS token.
	Binary bool
	Data   []byte
}

// Transport is the duplex channel between the worker and the dispatch server.
// ReadMessage blocks until the next frame or transport close; WriteJSON may be
// called concurrently with reads. Close is idempotent.
type Transport interface {
	ReadMessage() (*Message, error)
	WriteJSON(v any) error
	Close() error
}

// Dial opens a websocket transport to the dispatch server.
func Dial(ctx context.Context, uri string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("worker: connect to %s: %w", uri, err)
	}
	return newWSTransport(conn), nil
}

// wsTransport adapts a gorilla websocket connection. Writes come from both
// the dispatch goroutine and engine callbacks, so they are serialized here.
type wsTransport struct {
	conn *websocket.Conn

	wmu  sync.Mutex
	cmu  sync.Mutex
	shut bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() (*Message, error) {
	mt, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return &Message{Binary: mt == websocket.BinaryMessage, Data: data}, nil
}

func (t *wsTransport) WriteJSON(v any) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	t.cmu.Lock()
	defer t.cmu.Unlock()
	if t.shut {
		return nil
	}
	t.shut = true
	return t.conn.Close()
}
