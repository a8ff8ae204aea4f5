package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxReadBytes caps a single inbound message at the transport. Frames
// between protocol.MaxFrameSize and this limit are dropped by the decoder
// instead of ending the connection.
const maxReadBytes = 1 << 20

// Transport carries text frames for one connection. ReadFrame and
// WriteFrame are each called from a single goroutine; Close may be called
// concurrently with both and must unblock them.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	conn.SetReadLimit(maxReadBytes)
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

// ReadFrame returns the next text message. Binary messages are skipped.
func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteFrame(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}
