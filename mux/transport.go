package mux

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the reliable, ordered, framed bidirectional byte-carrier
// MuxedSocket is layered over (§1). Production code uses
// DialWebsocketTransport; tests use an in-memory pipe implementation (see
// pipe_transport_test.go) so the state machine can be exercised without a
// real network.
//
// Send/Receive/Errors/Close mirror the send/receive channel pair in
// connect/transport.go's platform transport loop: one goroutine pumps
// outgoing messages onto the wire, another pumps incoming messages off
// it, and both ends are torn down together on Close.
type Transport interface {
	Send(message []byte) error
	Receive() <-chan []byte
	Errors() <-chan error
	Close() error
	CloseWithCode(code int, reason string) error
}

type TransportSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	ReceiveBuffer    int
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      0, // no read deadline by default; callers use expectingData-style deadlines above this layer
		ReceiveBuffer:    TransportBufferSize,
	}
}

const TransportBufferSize = 16

// websocketTransport adapts gorilla/websocket to the Transport interface,
// grounded on connect/transport.go's read/write goroutine pair.
type websocketTransport struct {
	conn     *websocket.Conn
	settings *TransportSettings

	receive chan []byte
	errs    chan error

	closeOnce chan struct{}
}

// DialWebsocketTransport opens a websocket connection to uri and returns
// a Transport once the connection is open, ready for MuxedSocket.connect
// to send the auth frame over it (§4.3).
func DialWebsocketTransport(ctx context.Context, uri string, header http.Header, settings *TransportSettings) (Transport, error) {
	if settings == nil {
		settings = DefaultTransportSettings()
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, uri, header)
	if err != nil {
		return nil, fmt.Errorf("mux: dial %s: %w", uri, err)
	}

	return newWebsocketTransport(conn, settings), nil
}

func newWebsocketTransport(conn *websocket.Conn, settings *TransportSettings) *websocketTransport {
	t := &websocketTransport{
		conn:      conn,
		settings:  settings,
		receive:   make(chan []byte, settings.ReceiveBuffer),
		errs:      make(chan error, 1),
		closeOnce: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *websocketTransport) readLoop() {
	defer close(t.receive)
	for {
		if t.settings.ReadTimeout > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
		}
		messageType, message, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case t.errs <- err:
			default:
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case t.receive <- message:
		case <-t.closeOnce:
			return
		}
	}
}

func (t *websocketTransport) Send(message []byte) error {
	if t.settings.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, message)
}

func (t *websocketTransport) Receive() <-chan []byte { return t.receive }
func (t *websocketTransport) Errors() <-chan error   { return t.errs }

func (t *websocketTransport) Close() error {
	return t.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode sends a close control frame carrying code/reason (used by
// errorSocket to emit the 1002 abrupt-shutdown code from §4.3) before
// tearing down the underlying connection.
func (t *websocketTransport) CloseWithCode(code int, reason string) error {
	select {
	case <-t.closeOnce:
		return nil
	default:
		close(t.closeOnce)
	}
	deadline := time.Now().Add(time.Second)
	t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return t.conn.Close()
}
