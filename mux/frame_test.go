package mux

import (
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestStreamDataRoundTrip(t *testing.T) {
	b := EncodeStreamDataFrame(5, []byte("hello world"))
	frame, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Type, FrameTypeStreamData)
	assert.Equal(t, frame.Data.StreamId, uint32(5))
	assert.Equal(t, string(frame.Data.Payload), "hello world")
}

func TestStreamCloseRoundTrip(t *testing.T) {
	b := EncodeStreamCloseFrame(MaxStreamId)
	frame, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Type, FrameTypeStreamClose)
	assert.Equal(t, frame.Close.StreamId, MaxStreamId)
}

func TestStreamResetRoundTrip(t *testing.T) {
	b := EncodeStreamResetFrame(9, 42, "bad things happened")
	frame, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Type, FrameTypeStreamReset)
	assert.Equal(t, frame.Reset.StreamId, uint32(9))
	assert.Equal(t, frame.Reset.ErrorCode, uint32(42))
	assert.Equal(t, frame.Reset.Message, "bad things happened")
}

func TestGoawayRoundTrip(t *testing.T) {
	b := EncodeGoawayFrame(&GoawayFrame{LastStream: 5, ErrorCode: 42, Message: "bye"})
	frame, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Type, FrameTypeGoaway)
	assert.Equal(t, frame.Goaway.LastStream, uint32(5))
	assert.Equal(t, frame.Goaway.ErrorCode, uint32(42))
	assert.Equal(t, frame.Goaway.Message, "bye")
}

func TestStreamDataMaxStreamIdEncodes(t *testing.T) {
	b := EncodeStreamDataFrame(MaxStreamId, []byte("x"))
	frame, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Data.StreamId, MaxStreamId)
}

func TestStreamDataOverflowStreamIdPanics(t *testing.T) {
	defer func() {
		r := recover()
		assert.NotEqual(t, r, nil)
	}()
	EncodeStreamDataFrame(MaxStreamId+1, []byte("x"))
	t.Fatal("expected panic for stream id >= 2^24")
}

func TestUnrecognizedFrameTypeIgnored(t *testing.T) {
	b := EncodeStreamDataFrame(0, nil)
	// corrupt the type tag to something unrecognized (high byte = 200)
	b[0] = 200
	_, err := DecodeFrame(b)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, IsUnrecognizedFrame(err), true)
}

func TestAuthFrameFixedLayout(t *testing.T) {
	f := &AuthFrame{
		Version: 0,
		Date:    "2024-01-02T03:04:05.678Z",
	}
	copy(f.AccessKey[:], "ABCDEFGHIJKLMNOPQRST")
	copy(f.Nonce[:], []byte{0, 1, 2, 3, 4, 5, 6, 7})

	b, err := EncodeAuthFrame(f)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(b), 93)
	assert.Equal(t, b[0], byte(0))
	assert.Equal(t, b[4], byte(0))
	assert.Equal(t, string(b[8:28]), "ABCDEFGHIJKLMNOPQRST")
	assert.Equal(t, b[68], byte(0))

	decoded, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Type, FrameTypeAuth)
	assert.Equal(t, decoded.Auth.Date, "2024-01-02T03:04:05.678Z")
	assert.Equal(t, decoded.Auth.AccessKey, f.AccessKey)
	assert.Equal(t, decoded.Auth.Nonce, f.Nonce)
}

func TestAuthFrame27CharDateSetsLongFlag(t *testing.T) {
	f := &AuthFrame{Date: "2024-01-02T03:04:05.678000Z"} // 27 chars
	copy(f.AccessKey[:], "A")

	b, err := EncodeAuthFrame(f)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(b), 69+27)
	assert.Equal(t, b[68], byte(1))

	decoded, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Auth.Date, f.Date)
}

func TestAuthFrameBadDateLengthRejected(t *testing.T) {
	f := &AuthFrame{Date: "too-short"}
	_, err := EncodeAuthFrame(f)
	assert.NotEqual(t, err, nil)
}
