package mux

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testCreds() Credentials {
	return Credentials{
		AccessKey:  "ABCDEFGHIJKLMNOPQRST",
		PrivateKey: []byte("k"),
		DeviceUuid: "d",
	}
}

func connectedPair(t *testing.T) (*MuxedSocket, *pipeTransport) {
	client, server := newPipeTransportPair()
	socket, err := ConnectWithTransport(client, testCreds(), nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, socket.State(), SocketAuthSent)

	// drain the auth frame the connect step wrote to the peer side
	select {
	case <-server.Receive():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auth frame")
	}
	return socket, server
}

func TestConnectSendsAuthAndTransitionsAuthSent(t *testing.T) {
	socket, _ := connectedPair(t)
	socket.CloseSocket()
}

func TestOpenStreamAllocatesOddIncreasingIds(t *testing.T) {
	socket, _ := connectedPair(t)

	s1, err := socket.OpenStream()
	assert.Equal(t, err, nil)
	s2, err := socket.OpenStream()
	assert.Equal(t, err, nil)
	s3, err := socket.OpenStream()
	assert.Equal(t, err, nil)

	assert.Equal(t, s1.StreamId(), uint32(1))
	assert.Equal(t, s2.StreamId(), uint32(3))
	assert.Equal(t, s3.StreamId(), uint32(5))
	assert.Equal(t, socket.nextStream, uint32(7))
}

func TestOpenStreamFailsBeforeAuth(t *testing.T) {
	client, _ := newPipeTransportPair()
	socket := newMuxedSocket(client, nil)
	_, err := socket.OpenStream()
	assert.Equal(t, err, ErrConnectionNotEstablished)
}

func TestOpenStreamFailsWhileClosing(t *testing.T) {
	socket, _ := connectedPair(t)
	socket.mu.Lock()
	socket.state = SocketClosing
	socket.mu.Unlock()

	_, err := socket.OpenStream()
	assert.Equal(t, err, ErrConnectionClosing)
}

func TestServerStreamAcceptance(t *testing.T) {
	socket, server := connectedPair(t)

	var accepted *Stream
	socket.OnStream(func(st *Stream) { accepted = st })

	server.Send(EncodeStreamDataFrame(2, []byte("hi")))
	waitForCondition(t, func() bool { return accepted != nil })

	assert.Equal(t, accepted.StreamId(), uint32(2))
	assert.Equal(t, socket.serverStreamWatermark, uint32(2))
}

func TestServerStreamDroppedAfterClose(t *testing.T) {
	socket, server := connectedPair(t)

	var accepted *Stream
	socket.OnStream(func(st *Stream) { accepted = st })
	server.Send(EncodeStreamDataFrame(2, []byte("hi")))
	waitForCondition(t, func() bool { return accepted != nil })

	server.Send(EncodeStreamCloseFrame(2))
	waitForCondition(t, func() bool { return accepted.State() != StreamOpen })
	// peer close -> CLOSEWAIT, stream stays in table per §4.2
	assert.Equal(t, accepted.State(), StreamCloseWait)

	accepted.Close() // CLOSEWAIT -> CLOSED, removed from table
	waitForCondition(t, func() bool {
		socket.mu.Lock()
		defer socket.mu.Unlock()
		_, ok := socket.activeStreams[2]
		return !ok
	})

	// a further data frame for id 2 is now for an unknown (reused) id: dropped
	var gotData []byte
	socket.OnStream(func(st *Stream) { st.OnData(func(b []byte) { gotData = b }) })
	server.Send(EncodeStreamDataFrame(2, []byte("late")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, gotData, nil)
}

func TestServerStreamDroppedWhileClosing(t *testing.T) {
	socket, server := connectedPair(t)
	socket.mu.Lock()
	socket.state = SocketClosing
	socket.mu.Unlock()

	var accepted *Stream
	socket.OnStream(func(st *Stream) { accepted = st })
	server.Send(EncodeStreamDataFrame(2, []byte("hi")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, accepted, nil)
}

func TestErrorSocketEmitsGoawayWithMaxLastStream(t *testing.T) {
	socket, server := connectedPair(t)

	for i := 0; i < 3; i++ {
		_, err := socket.OpenStream()
		assert.Equal(t, err, nil)
	}
	// nextStream is now 7; simulate an accepted server stream at 4
	socket.mu.Lock()
	socket.serverStreamWatermark = 4
	socket.mu.Unlock()

	socket.ErrorSocket(42, "bye")

	msg := <-server.Receive()
	frame, err := DecodeFrame(msg)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Type, FrameTypeGoaway)
	assert.Equal(t, frame.Goaway.LastStream, uint32(5))
	assert.Equal(t, frame.Goaway.ErrorCode, uint32(42))
	assert.Equal(t, frame.Goaway.Message, "bye")
	assert.Equal(t, socket.State(), SocketClosed)
}

func TestErrorSocketPropagatesToActiveStreams(t *testing.T) {
	socket, _ := connectedPair(t)
	st, err := socket.OpenStream()
	assert.Equal(t, err, nil)

	var gotCode uint32
	var gotMsg string
	st.OnError(func(code uint32, msg string) { gotCode = code; gotMsg = msg })

	socket.ErrorSocket(5, "abrupt")
	assert.Equal(t, gotCode, uint32(5))
	assert.Equal(t, gotMsg, "abrupt")
	assert.Equal(t, st.State(), StreamClosed)
}

func TestCloseSocketFromAuthSentClosesActiveStreams(t *testing.T) {
	socket, server := connectedPair(t)
	st, err := socket.OpenStream()
	assert.Equal(t, err, nil)

	socket.CloseSocket()
	assert.Equal(t, socket.State(), SocketClosing)
	assert.Equal(t, st.State(), StreamClosing)

	msg := <-server.Receive()
	frame, err := DecodeFrame(msg)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Type, FrameTypeStreamClose)
	assert.Equal(t, frame.Close.StreamId, st.StreamId())
}

func TestTransportCloseWhileAuthSentFansOutAndTransitionsCloseWait(t *testing.T) {
	socket, server := connectedPair(t)
	st, err := socket.OpenStream()
	assert.Equal(t, err, nil)

	closeFired := false
	st.OnClose(func() { closeFired = true })
	socketClosed := false
	socket.OnClose(func() { socketClosed = true })

	server.Close()

	waitForCondition(t, func() bool { return socketClosed })
	assert.Equal(t, socket.State(), SocketCloseWait)
	assert.Equal(t, closeFired, true)
	assert.Equal(t, st.State(), StreamCloseWait)
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}
