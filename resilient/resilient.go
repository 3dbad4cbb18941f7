// Package resilient implements the resilient connection wrapper from
// spec §4.4: a single JSON-envelope request/response framing, distinct
// from the binary mux protocol, used by the replication coordinator's
// legacy tail/write path. It detects silent stalls via an
// expected-data deadline and debounces reconnection with randomized
// backoff.
package resilient

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jseldess/skdb/mux"
)

type Settings struct {
	// FailureTimeout is how long ExpectingData will wait for the next
	// incoming message before declaring a stall (default 60s, §4.4, §8
	// scenario 6).
	FailureTimeout time.Duration
	// Reconnect backoff is ReconnectBackoffBase + U(0, ReconnectBackoffJitter).
	ReconnectBackoffBase   time.Duration
	ReconnectBackoffJitter time.Duration
	TransportSettings      *mux.TransportSettings
}

func DefaultSettings() *Settings {
	return &Settings{
		FailureTimeout:         60 * time.Second,
		ReconnectBackoffBase:   500 * time.Millisecond,
		ReconnectBackoffJitter: 1000 * time.Millisecond,
		TransportSettings:      mux.DefaultTransportSettings(),
	}
}

// DialFunc opens a fresh transport. Tests substitute an in-memory
// transport here; NewWebsocket wires up the real gorilla/websocket dial.
type DialFunc func(ctx context.Context) (mux.Transport, error)

// NewWebsocket builds a Connection that dials uri with gorilla/websocket,
// grounded on connect/transport.go's WsDialContext usage.
func NewWebsocket(uri string, header http.Header, settings *Settings) *Connection {
	if settings == nil {
		settings = DefaultSettings()
	}
	return New(func(ctx context.Context) (mux.Transport, error) {
		return mux.DialWebsocketTransport(ctx, uri, header, settings.TransportSettings)
	}, settings)
}

// Connection is the resilient connection of §4.4. At most one failure-
// deadline timer and one reconnect timer are alive at any instant (§3
// invariant, §8 quantified invariant).
type Connection struct {
	dial     DialFunc
	settings *Settings
	log      mux.LogFunction

	mu           sync.Mutex
	transport    mux.Transport
	reconnecting bool

	failureTimer   *timerHandle
	reconnectTimer *timerHandle

	handlersMu  sync.Mutex
	onMessage   func([]byte)
	onReconnect func()
}

func New(dial DialFunc, settings *Settings) *Connection {
	if settings == nil {
		settings = DefaultSettings()
	}
	return &Connection{
		dial:     dial,
		settings: settings,
		log:      mux.LogFn(glog.Level(2), "resilient"),
	}
}

func (c *Connection) OnMessage(f func([]byte)) {
	c.handlersMu.Lock()
	c.onMessage = f
	c.handlersMu.Unlock()
}

// OnReconnect registers the hook invoked after a successful reconnect
// (used by the replication coordinator to re-send tail/write
// subscriptions and replay diffs since the persisted watermark, §4.5).
func (c *Connection) OnReconnect(f func()) {
	c.handlersMu.Lock()
	c.onReconnect = f
	c.handlersMu.Unlock()
}

func (c *Connection) getOnMessage() func([]byte) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	return c.onMessage
}

func (c *Connection) getOnReconnect() func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	return c.onReconnect
}

// Connect dials the first transport and starts the dispatch loop.
func (c *Connection) Connect(ctx context.Context) error {
	transport, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.attach(transport)
	return nil
}

func (c *Connection) attach(transport mux.Transport) {
	c.mu.Lock()
	c.transport = transport
	c.reconnecting = false
	c.mu.Unlock()
	go c.dispatchLoop(transport)
}

func (c *Connection) dispatchLoop(transport mux.Transport) {
	for msg := range transport.Receive() {
		c.disarmFailureTimer()
		if handler := c.getOnMessage(); handler != nil {
			mux.HandleError(func() { handler(msg) })
		}
	}
	var err error
	select {
	case err = <-transport.Errors():
	default:
	}
	c.handleDisconnect(transport, err)
}

// handleDisconnect debounces onclose/onerror firing together into a
// single reconnect attempt (§4.4).
func (c *Connection) handleDisconnect(transport mux.Transport, err error) {
	c.mu.Lock()
	if c.transport != transport {
		// superseded by a newer connection generation; nothing to do
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.cancelFailureTimerLocked()
	already := c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()

	if already {
		return
	}
	c.log("transport disconnected (err=%v); scheduling reconnect", err)
	c.scheduleReconnect()
}

func (c *Connection) scheduleReconnect() {
	delay := c.settings.ReconnectBackoffBase
	if c.settings.ReconnectBackoffJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.settings.ReconnectBackoffJitter)))
	}
	c.mu.Lock()
	c.cancelReconnectTimerLocked()
	c.reconnectTimer = newTimerHandle(delay, c.reconnect)
	c.mu.Unlock()
}

func (c *Connection) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	c.mu.Unlock()

	transport, err := c.dial(context.Background())
	if err != nil {
		c.log("reconnect attempt failed: %v; retrying", err)
		c.mu.Lock()
		c.reconnecting = true
		c.mu.Unlock()
		c.scheduleReconnect()
		return
	}

	c.attach(transport)
	c.log("reconnected")
	if handler := c.getOnReconnect(); handler != nil {
		mux.HandleError(handler)
	}
}

// ExpectingData arms the failure-deadline timer: the caller declares it
// awaits a reply, and if none arrives within FailureTimeout the
// connection is treated as stalled and reconnected (§4.4, §8 scenario 6).
func (c *Connection) ExpectingData() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelFailureTimerLocked()
	c.failureTimer = newTimerHandle(c.settings.FailureTimeout, c.onFailureTimeout)
}

func (c *Connection) disarmFailureTimer() {
	c.mu.Lock()
	c.cancelFailureTimerLocked()
	c.mu.Unlock()
}

func (c *Connection) cancelFailureTimerLocked() {
	if c.failureTimer != nil {
		c.failureTimer.Cancel()
		c.failureTimer = nil
	}
}

func (c *Connection) cancelReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Cancel()
		c.reconnectTimer = nil
	}
}

func (c *Connection) onFailureTimeout() {
	c.mu.Lock()
	transport := c.transport
	c.failureTimer = nil
	c.mu.Unlock()
	if transport == nil {
		return
	}
	c.log("no data within failure timeout; treating as stall")
	transport.Close()
}

// Write JSON-serializes data and sends it as one envelope. If there is
// currently no socket, the write is silently dropped -- the
// re-subscribe on reconnect is responsible for closing the gap (§4.4).
func (c *Connection) Write(data any) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		c.log("dropping write: no active transport")
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return transport.Send(b)
}

// Close tears down the connection and cancels any pending timers.
func (c *Connection) Close() {
	c.mu.Lock()
	transport := c.transport
	c.transport = nil
	c.cancelFailureTimerLocked()
	c.cancelReconnectTimerLocked()
	c.mu.Unlock()
	if transport != nil {
		transport.Close()
	}
}

// Connected reports whether a transport is currently attached.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil
}
