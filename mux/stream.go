package mux

import (
	"fmt"
	"sync"
)

type StreamState int

const (
	StreamOpen StreamState = iota
	StreamClosing
	StreamCloseWait
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "OPEN"
	case StreamClosing:
		return "CLOSING"
	case StreamCloseWait:
		return "CLOSEWAIT"
	case StreamClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Stream is the per-logical-stream state machine described in §4.2. All
// mutating methods are expected to be invoked from the single socket
// dispatcher goroutine; see §5.
type Stream struct {
	mu    sync.Mutex
	state StreamState

	streamId uint32
	socket   *MuxedSocket

	onData  func([]byte)
	onClose func()
	onError func(code uint32, msg string)

	log LogFunction
}

func newStream(streamId uint32, socket *MuxedSocket) *Stream {
	return &Stream{
		state:    StreamOpen,
		streamId: streamId,
		socket:   socket,
		log:      SubLogFn(socket.log, fmt.Sprintf("s(%d)", streamId)),
	}
}

func (s *Stream) StreamId() uint32 {
	return s.streamId
}

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnData registers the handler invoked for each stream-data payload
// delivered while the stream is OPEN or CLOSING. Not safe to change
// concurrently with dispatch; set once right after open.
func (s *Stream) OnData(f func([]byte)) { s.mu.Lock(); s.onData = f; s.mu.Unlock() }
func (s *Stream) OnClose(f func())      { s.mu.Lock(); s.onClose = f; s.mu.Unlock() }
func (s *Stream) OnError(f func(code uint32, msg string)) {
	s.mu.Lock()
	s.onError = f
	s.mu.Unlock()
}

// Send enqueues a stream-data frame. Valid in OPEN or CLOSEWAIT; a no-op
// in CLOSING/CLOSED (§4.2).
func (s *Stream) Send(payload []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StreamOpen, StreamCloseWait:
		return s.socket.sendFrame(EncodeStreamDataFrame(s.streamId, payload))
	default:
		return nil
	}
}

// Close implements the egress half of §4.2's close operation.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StreamOpen:
		s.state = StreamClosing
		s.log("close (OPEN -> CLOSING)")
		return s.socket.sendFrame(EncodeStreamCloseFrame(s.streamId))
	case StreamCloseWait:
		s.state = StreamClosed
		s.log("close (CLOSEWAIT -> CLOSED)")
		if err := s.socket.sendFrame(EncodeStreamCloseFrame(s.streamId)); err != nil {
			return err
		}
		s.socket.removeStream(s.streamId)
		return nil
	default:
		// idempotent no-op in CLOSING/CLOSED
		return nil
	}
}

// Error implements the egress half of §4.2's error operation.
func (s *Stream) Error(code uint32, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StreamOpen, StreamCloseWait:
		s.log("error %d %q (%s -> CLOSED)", code, msg, s.state)
		s.state = StreamClosed
		if err := s.socket.sendFrame(EncodeStreamResetFrame(s.streamId, code, msg)); err != nil {
			return err
		}
		s.socket.removeStream(s.streamId)
		return nil
	case StreamClosing:
		s.state = StreamClosed
		s.socket.removeStream(s.streamId)
		return nil
	default:
		// CLOSED: no-op
		return nil
	}
}

// onStreamData delivers an ingress stream-data frame (§4.2 ingress
// transitions). Ignored outside OPEN/CLOSING.
func (s *Stream) onStreamData(payload []byte) {
	s.mu.Lock()
	state := s.state
	handler := s.onData
	s.mu.Unlock()

	switch state {
	case StreamOpen, StreamClosing:
		if handler != nil {
			handler(payload)
		}
	default:
		// CLOSEWAIT/CLOSED: ignore
	}
}

// onStreamClose delivers an ingress stream-close frame. Returns whether
// the socket should remove the stream from its table (§4.2).
func (s *Stream) onStreamClose() (removable bool) {
	s.mu.Lock()
	var handler func()
	switch s.state {
	case StreamOpen:
		s.state = StreamCloseWait
		handler = s.onClose
		removable = false
	case StreamClosing:
		s.state = StreamClosed
		handler = s.onClose
		removable = true
	case StreamCloseWait:
		// duplicate, ignored
		removable = false
	case StreamClosed:
		// idempotent cleanup
		removable = true
	}
	s.mu.Unlock()

	if handler != nil {
		handler()
	}
	return removable
}

// onStreamError delivers an ingress stream-reset frame, or a transport
// level error fanned out to every stream. Any non-CLOSED state
// transitions to CLOSED and fires onError (§4.2).
func (s *Stream) onStreamError(code uint32, msg string) {
	s.mu.Lock()
	if s.state == StreamClosed {
		s.mu.Unlock()
		return
	}
	s.state = StreamClosed
	handler := s.onError
	s.mu.Unlock()

	if handler != nil {
		handler(code, msg)
	}
}
