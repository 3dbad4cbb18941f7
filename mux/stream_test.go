package mux

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testSocketForStream() *MuxedSocket {
	a, _ := newPipeTransportPair()
	s := newMuxedSocket(a, nil)
	s.state = SocketAuthSent
	return s
}

func TestStreamSendCloseLifecycle(t *testing.T) {
	socket := testSocketForStream()
	st := newStream(3, socket)
	socket.activeStreams[3] = st

	assert.Equal(t, st.State(), StreamOpen)
	assert.Equal(t, st.Send([]byte("hi")), nil)

	assert.Equal(t, st.Close(), nil)
	assert.Equal(t, st.State(), StreamClosing)
	// still present in the table, awaiting peer close
	_, ok := socket.activeStreams[3]
	assert.Equal(t, ok, true)
}

func TestStreamHalfClose(t *testing.T) {
	socket := testSocketForStream()
	st := newStream(3, socket)
	socket.activeStreams[3] = st

	closed := false
	st.OnClose(func() { closed = true })

	removable := st.onStreamClose()
	assert.Equal(t, removable, false)
	assert.Equal(t, st.State(), StreamCloseWait)
	assert.Equal(t, closed, true)

	// local send still succeeds in CLOSEWAIT
	assert.Equal(t, st.Send([]byte("still ok")), nil)

	// local close now transitions CLOSEWAIT -> CLOSED and removes from table
	assert.Equal(t, st.Close(), nil)
	assert.Equal(t, st.State(), StreamClosed)
	_, ok := socket.activeStreams[3]
	assert.Equal(t, ok, false)
}

func TestStreamErrorFromOpen(t *testing.T) {
	socket := testSocketForStream()
	st := newStream(5, socket)
	socket.activeStreams[5] = st

	var gotCode uint32
	var gotMsg string
	st.OnError(func(code uint32, msg string) { gotCode = code; gotMsg = msg })

	assert.Equal(t, st.Error(7, "boom"), nil)
	assert.Equal(t, st.State(), StreamClosed)
	_, ok := socket.activeStreams[5]
	assert.Equal(t, ok, false)

	// egress Error() does not fire onError -- that's only for ingress resets
	assert.Equal(t, gotCode, uint32(0))
	assert.Equal(t, gotMsg, "")
}

func TestStreamOnStreamErrorFiresHandler(t *testing.T) {
	socket := testSocketForStream()
	st := newStream(5, socket)

	var gotCode uint32
	var gotMsg string
	st.OnError(func(code uint32, msg string) { gotCode = code; gotMsg = msg })

	st.onStreamError(7, "boom")
	assert.Equal(t, st.State(), StreamClosed)
	assert.Equal(t, gotCode, uint32(7))
	assert.Equal(t, gotMsg, "boom")

	// idempotent
	st.onStreamError(9, "again")
	assert.Equal(t, gotCode, uint32(7))
}

func TestStreamErrorFromClosingIsSilent(t *testing.T) {
	socket := testSocketForStream()
	st := newStream(5, socket)
	socket.activeStreams[5] = st
	st.Close() // OPEN -> CLOSING

	errored := false
	st.OnError(func(uint32, string) { errored = true })

	assert.Equal(t, st.Error(1, "x"), nil)
	assert.Equal(t, st.State(), StreamClosed)
	assert.Equal(t, errored, false)
	_, ok := socket.activeStreams[5]
	assert.Equal(t, ok, false)
}

func TestStreamDataIgnoredInCloseWait(t *testing.T) {
	socket := testSocketForStream()
	st := newStream(5, socket)

	var got []byte
	st.OnData(func(b []byte) { got = b })

	st.onStreamClose() // OPEN -> CLOSEWAIT
	st.onStreamData([]byte("late"))
	assert.Equal(t, got, nil)
}

func TestStreamOnStreamCloseIdempotentWhenAlreadyClosed(t *testing.T) {
	socket := testSocketForStream()
	st := newStream(5, socket)
	st.onStreamError(0, "gone") // -> CLOSED

	removable := st.onStreamClose()
	assert.Equal(t, removable, true)
}
