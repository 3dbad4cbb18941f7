package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// GoawayCloseCode is the transport close code sent alongside an abrupt
// errorSocket shutdown (§6.1).
const GoawayCloseCode = 1002

type SocketState int

const (
	SocketIdle SocketState = iota
	SocketAuthSent
	SocketClosing
	SocketCloseWait
	SocketClosed
)

func (s SocketState) String() string {
	switch s {
	case SocketIdle:
		return "IDLE"
	case SocketAuthSent:
		return "AUTH_SENT"
	case SocketClosing:
		return "CLOSING"
	case SocketCloseWait:
		return "CLOSEWAIT"
	case SocketClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SocketSettings carries the tunables design note §9 calls out, including
// the open question (§9, §4.3) of whether an unknown-id data frame should
// be met with a reset rather than silently dropped.
type SocketSettings struct {
	ResetUnknownStreams bool
}

func DefaultSocketSettings() *SocketSettings {
	return &SocketSettings{
		ResetUnknownStreams: false,
	}
}

// MuxedSocket is the connection state machine described in §4.3: it owns
// the underlying Transport exclusively, frames/dispatches the five wire
// message types, and maintains the stream table.
type MuxedSocket struct {
	mu    sync.Mutex
	state SocketState

	transport Transport
	settings  *SocketSettings

	activeStreams         map[uint32]*Stream
	nextStream            uint32
	serverStreamWatermark uint32

	sendMu sync.Mutex

	handlersMu sync.Mutex
	onStream   func(*Stream)
	onClose    func()
	onError    func(error)

	log          LogFunction
	dispatchDone chan struct{}
}

func newMuxedSocket(transport Transport, settings *SocketSettings) *MuxedSocket {
	if settings == nil {
		settings = DefaultSocketSettings()
	}
	return &MuxedSocket{
		state:         SocketIdle,
		transport:     transport,
		settings:      settings,
		activeStreams: map[uint32]*Stream{},
		nextStream:    1,
		log:           LogFn(glog.Level(2), "mux"),
		dispatchDone:  make(chan struct{}),
	}
}

// Connect implements §4.3's connect(uri, creds): it opens the transport,
// and on success immediately sends the binary auth frame and transitions
// IDLE -> AUTH_SENT. Any dial failure rejects the connect.
func Connect(
	ctx context.Context,
	uri string,
	header http.Header,
	creds Credentials,
	settings *SocketSettings,
	transportSettings *TransportSettings,
) (*MuxedSocket, error) {
	transport, err := DialWebsocketTransport(ctx, uri, header, transportSettings)
	if err != nil {
		return nil, err
	}
	return ConnectWithTransport(transport, creds, settings)
}

// ConnectWithTransport builds a MuxedSocket over an already-open Transport,
// for tests and for callers that manage dialing themselves (§4.3: "Construction
// requires an already-open transport").
func ConnectWithTransport(transport Transport, creds Credentials, settings *SocketSettings) (*MuxedSocket, error) {
	socket := newMuxedSocket(transport, settings)

	authBytes, err := BuildAuthFrame(creds, time.Now())
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("mux: build auth frame: %w", err)
	}
	if err := transport.Send(authBytes); err != nil {
		transport.Close()
		return nil, fmt.Errorf("mux: send auth frame: %w", err)
	}

	socket.mu.Lock()
	socket.state = SocketAuthSent
	socket.mu.Unlock()

	go socket.dispatchLoop()
	return socket, nil
}

func (s *MuxedSocket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *MuxedSocket) OnStream(f func(*Stream)) {
	s.handlersMu.Lock()
	s.onStream = f
	s.handlersMu.Unlock()
}

func (s *MuxedSocket) OnClose(f func()) {
	s.handlersMu.Lock()
	s.onClose = f
	s.handlersMu.Unlock()
}

func (s *MuxedSocket) OnError(f func(error)) {
	s.handlersMu.Lock()
	s.onError = f
	s.handlersMu.Unlock()
}

func (s *MuxedSocket) getOnStream() func(*Stream) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	return s.onStream
}

func (s *MuxedSocket) getOnClose() func() {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	return s.onClose
}

func (s *MuxedSocket) getOnError() func(error) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	return s.onError
}

var (
	ErrConnectionClosing        = errors.New("mux: connection closing")
	ErrConnectionNotEstablished = errors.New("mux: connection not established")
)

// OpenStream implements §4.3's openStream(): valid only in AUTH_SENT.
func (s *MuxedSocket) OpenStream() (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case SocketAuthSent:
		id := s.nextStream
		if id > MaxStreamId {
			return nil, fmt.Errorf("mux: exhausted client stream id space")
		}
		s.nextStream += 2
		st := newStream(id, s)
		s.activeStreams[id] = st
		s.log("open stream %d", id)
		return st, nil
	case SocketClosing, SocketCloseWait:
		return nil, ErrConnectionClosing
	default:
		return nil, ErrConnectionNotEstablished
	}
}

func (s *MuxedSocket) snapshotStreamsLocked() []*Stream {
	streams := make([]*Stream, 0, len(s.activeStreams))
	for _, st := range s.activeStreams {
		streams = append(streams, st)
	}
	return streams
}

func (s *MuxedSocket) sendFrame(b []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.transport.Send(b)
}

func (s *MuxedSocket) removeStream(id uint32) {
	s.mu.Lock()
	delete(s.activeStreams, id)
	s.mu.Unlock()
}

// CloseSocket implements §4.3's closeSocket(): graceful local shutdown.
func (s *MuxedSocket) CloseSocket() {
	s.mu.Lock()
	switch s.state {
	case SocketIdle:
		s.activeStreams = map[uint32]*Stream{}
		s.state = SocketClosed
		s.mu.Unlock()
		s.transport.Close()

	case SocketAuthSent:
		streams := s.snapshotStreamsLocked()
		s.state = SocketClosing
		s.mu.Unlock()
		for _, st := range streams {
			st.Close()
		}
		s.transport.Close()

	case SocketCloseWait:
		streams := s.snapshotStreamsLocked()
		s.mu.Unlock()
		for _, st := range streams {
			st.Close()
		}
		s.mu.Lock()
		s.activeStreams = map[uint32]*Stream{}
		s.state = SocketClosed
		s.mu.Unlock()
		s.transport.Close()

	default:
		// CLOSING/CLOSED: no-op
		s.mu.Unlock()
	}
}

// ErrorSocket implements §4.3's errorSocket(code, msg): abrupt shutdown.
func (s *MuxedSocket) ErrorSocket(code uint32, msg string) {
	s.mu.Lock()
	switch s.state {
	case SocketIdle, SocketClosing, SocketClosed:
		s.activeStreams = map[uint32]*Stream{}
		s.state = SocketClosed
		s.mu.Unlock()

	case SocketAuthSent, SocketCloseWait:
		streams := s.snapshotStreamsLocked()
		nextStream := s.nextStream
		watermark := s.serverStreamWatermark
		s.activeStreams = map[uint32]*Stream{}
		s.state = SocketClosed
		s.mu.Unlock()

		for _, st := range streams {
			st.onStreamError(code, msg)
		}

		lastStream := int64(watermark)
		if ns := int64(nextStream) - 2; ns > lastStream {
			lastStream = ns
		}
		if lastStream < 0 {
			lastStream = 0
		}
		s.log("errorSocket %d %q, goaway lastStream=%d", code, msg, lastStream)
		s.sendFrame(EncodeGoawayFrame(&GoawayFrame{
			LastStream: uint32(lastStream),
			ErrorCode:  code,
			Message:    msg,
		}))
		s.transport.CloseWithCode(GoawayCloseCode, msg)

		if handler := s.getOnError(); handler != nil {
			handler(fmt.Errorf("%s", msg))
		}
	}
}

func isCleanTransportClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

func (s *MuxedSocket) dispatchLoop() {
	defer close(s.dispatchDone)
	for msg := range s.transport.Receive() {
		HandleError(func() { s.handleMessage(msg) })
	}

	var transportErr error
	select {
	case transportErr = <-s.transport.Errors():
	default:
	}

	if isCleanTransportClose(transportErr) {
		s.onTransportClose()
	} else {
		s.onTransportError(transportErr)
	}
}

// onTransportClose implements the "onClose" transport-level event in §4.3.
func (s *MuxedSocket) onTransportClose() {
	s.mu.Lock()
	switch s.state {
	case SocketIdle, SocketAuthSent:
		streams := s.snapshotStreamsLocked()
		s.state = SocketCloseWait
		s.mu.Unlock()
		for _, st := range streams {
			if st.onStreamClose() {
				s.removeStream(st.streamId)
			}
		}
		if handler := s.getOnClose(); handler != nil {
			handler()
		}

	case SocketClosing:
		streams := s.snapshotStreamsLocked()
		s.activeStreams = map[uint32]*Stream{}
		s.state = SocketClosed
		s.mu.Unlock()
		for _, st := range streams {
			st.onStreamClose()
		}
		if handler := s.getOnClose(); handler != nil {
			handler()
		}

	default:
		s.mu.Unlock()
	}
}

// onTransportError implements the "onError" transport-level event in §4.3.
func (s *MuxedSocket) onTransportError(err error) {
	s.mu.Lock()
	if s.state == SocketClosed {
		s.mu.Unlock()
		return
	}
	streams := s.snapshotStreamsLocked()
	s.activeStreams = map[uint32]*Stream{}
	s.state = SocketClosed
	s.mu.Unlock()

	msg := "transport closed"
	if err != nil {
		msg = err.Error()
	}
	for _, st := range streams {
		st.onStreamError(0, msg)
	}
	if handler := s.getOnError(); handler != nil {
		handler(err)
	}
}

// handleMessage decodes and dispatches a single incoming frame (§4.3
// dispatch). Valid only while in AUTH_SENT or CLOSING; frames arriving in
// other states are dropped.
func (s *MuxedSocket) handleMessage(msg []byte) {
	frame, err := DecodeFrame(msg)
	if err != nil {
		if IsUnrecognizedFrame(err) {
			s.log("ignoring unrecognized frame: %s", err)
			return
		}
		s.ErrorSocket(1, err.Error())
		return
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != SocketAuthSent && state != SocketClosing {
		return
	}

	switch frame.Type {
	case FrameTypeAuth:
		s.ErrorSocket(1, "protocol violation: received auth frame from server")
	case FrameTypeGoaway:
		s.ErrorSocket(frame.Goaway.ErrorCode, frame.Goaway.Message)
	case FrameTypeStreamData:
		s.dispatchData(frame.Data, state)
	case FrameTypeStreamClose:
		s.dispatchClose(frame.Close.StreamId)
	case FrameTypeStreamReset:
		s.dispatchReset(frame.Reset)
	}
}

func (s *MuxedSocket) dispatchData(d *StreamDataFrame, state SocketState) {
	s.mu.Lock()
	if st, ok := s.activeStreams[d.StreamId]; ok {
		s.mu.Unlock()
		st.onStreamData(d.Payload)
		return
	}

	isServerId := d.StreamId%2 == 0
	if isServerId && state == SocketAuthSent && d.StreamId > s.serverStreamWatermark {
		st := newStream(d.StreamId, s)
		s.serverStreamWatermark = d.StreamId
		s.activeStreams[d.StreamId] = st
		s.mu.Unlock()

		s.log("accepted server stream %d", d.StreamId)
		if handler := s.getOnStream(); handler != nil {
			handler(st)
		}
		st.onStreamData(d.Payload)
		return
	}

	s.mu.Unlock()
	// Odd unknown ids, reused ids, and unknown ids while CLOSING are
	// silently dropped -- §4.3, §9 open question on resetting instead.
	s.log("dropping data frame for unknown stream %d", d.StreamId)
	if s.settings.ResetUnknownStreams {
		s.sendFrame(EncodeStreamResetFrame(d.StreamId, 0, "unknown stream"))
	}
}

func (s *MuxedSocket) dispatchClose(streamId uint32) {
	s.mu.Lock()
	st, ok := s.activeStreams[streamId]
	s.mu.Unlock()
	if !ok {
		return
	}
	if st.onStreamClose() {
		s.removeStream(streamId)
	}
}

func (s *MuxedSocket) dispatchReset(r *StreamResetFrame) {
	s.mu.Lock()
	st, ok := s.activeStreams[r.StreamId]
	s.mu.Unlock()
	if !ok {
		return
	}
	st.onStreamError(r.ErrorCode, r.Message)
	s.removeStream(r.StreamId)
}

// Done is closed once the dispatch loop has exited, i.e. the underlying
// transport has been torn down one way or another.
func (s *MuxedSocket) Done() <-chan struct{} {
	return s.dispatchDone
}
