package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errAlreadyConnected  = errors.New("already connected or connecting")
	errClientClosed      = errors.New("client has been disconnected")
	errAttemptsExhausted = errors.New("reconnect attempts exhausted")
)

// WebsocketDialer is the default Dialer, built on gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration // default 10s
	WriteTimeout     time.Duration // default 5s
}

// Dial opens a websocket connection to url.
func (d *WebsocketDialer) Dial(url string) (Conn, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	dialer := &websocket.Dialer{HandshakeTimeout: handshake}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout}, nil
}

// wsConn adapts *websocket.Conn to the Conn interface. gorilla allows one
// concurrent reader and one concurrent writer; writes are serialized here.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a protocol-level ping payload when given one, otherwise a
// websocket control ping.
func (w *wsConn) Ping(payload []byte) error {
	if payload != nil {
		return w.WriteMessage(payload)
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
}

func (w *wsConn) Close() error {
	w.writeMu.Lock()
	// Best effort close frame so the peer sees a clean shutdown.
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.conn.Close()
}
