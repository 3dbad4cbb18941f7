package mux

import (
	"encoding/binary"
	"fmt"
)

// Wire frame types. The high byte of the first 32-bit word; for
// stream-scoped frames the low 24 bits of that word carry the stream id.
const (
	FrameTypeAuth        byte = 0
	FrameTypeGoaway      byte = 1
	FrameTypeStreamData  byte = 2
	FrameTypeStreamClose byte = 3
	FrameTypeStreamReset byte = 4
)

// MaxStreamId is the largest stream id that can be packed into the low
// 24 bits of the type/stream word. 2^24 - 1.
const MaxStreamId uint32 = 1<<24 - 1

// AuthFrame is carried only client -> server. The server never sends one;
// receiving this type back is a fatal protocol violation (see Dispatch).
type AuthFrame struct {
	Version   byte
	AccessKey [20]byte
	Nonce     [8]byte
	Signature [32]byte
	Date      string // 24 or 27 ASCII characters
}

type GoawayFrame struct {
	LastStream uint32
	ErrorCode  uint32
	Message    string
}

type StreamDataFrame struct {
	StreamId uint32
	Payload  []byte
}

type StreamCloseFrame struct {
	StreamId uint32
}

type StreamResetFrame struct {
	StreamId  uint32
	ErrorCode uint32
	Message   string
}

// Frame is the decoded union of all five wire message types. Exactly one
// of the typed fields is populated, selected by Type.
type Frame struct {
	Type   byte
	Auth   *AuthFrame
	Goaway *GoawayFrame
	Data   *StreamDataFrame
	Close  *StreamCloseFrame
	Reset  *StreamResetFrame
}

// errUnrecognizedFrame marks a type tag this codec does not know. Callers
// should ignore it rather than treat it as fatal -- see §4.1 decode policy.
type errUnrecognizedFrame struct {
	Type byte
}

func (e *errUnrecognizedFrame) Error() string {
	return fmt.Sprintf("mux: unrecognized frame type %d", e.Type)
}

func IsUnrecognizedFrame(err error) bool {
	_, ok := err.(*errUnrecognizedFrame)
	return ok
}

func typeStreamWord(frameType byte, streamId uint32) uint32 {
	return uint32(frameType)<<24 | (streamId & MaxStreamId)
}

// EncodeAuthFrame packs the fixed-shape auth record described in §4.1.
// accessKey must be exactly 20 bytes; date must be 24 or 27 ASCII bytes.
// This is a pure codec function -- see auth.go for the HMAC signing step
// that produces the fields being packed here.
func EncodeAuthFrame(f *AuthFrame) ([]byte, error) {
	switch len(f.Date) {
	case 24, 27:
	default:
		return nil, fmt.Errorf("mux: auth date must be 24 or 27 characters, got %d", len(f.Date))
	}

	b := make([]byte, 69+len(f.Date))
	binary.BigEndian.PutUint32(b[0:4], typeStreamWord(FrameTypeAuth, 0))
	b[4] = f.Version
	copy(b[8:28], f.AccessKey[:])
	copy(b[28:36], f.Nonce[:])
	copy(b[36:68], f.Signature[:])
	if len(f.Date) == 27 {
		b[68] = 1
	} else {
		b[68] = 0
	}
	copy(b[69:], f.Date)
	return b, nil
}

func decodeAuthFrame(b []byte) (*AuthFrame, error) {
	if len(b) < 69 {
		return nil, fmt.Errorf("mux: auth frame too short (%d bytes)", len(b))
	}
	f := &AuthFrame{
		Version: b[4],
	}
	copy(f.AccessKey[:], b[8:28])
	copy(f.Nonce[:], b[28:36])
	copy(f.Signature[:], b[36:68])
	wantLong := b[68] == 1
	dateLen := 24
	if wantLong {
		dateLen = 27
	}
	if len(b) != 69+dateLen {
		return nil, fmt.Errorf("mux: auth frame date length mismatch: have %d bytes after header, want %d", len(b)-69, dateLen)
	}
	f.Date = string(b[69 : 69+dateLen])
	return f, nil
}

func EncodeGoawayFrame(f *GoawayFrame) []byte {
	msg := []byte(f.Message)
	b := make([]byte, 4+4+4+4+len(msg))
	binary.BigEndian.PutUint32(b[0:4], typeStreamWord(FrameTypeGoaway, 0))
	binary.BigEndian.PutUint32(b[4:8], f.LastStream)
	binary.BigEndian.PutUint32(b[8:12], f.ErrorCode)
	binary.BigEndian.PutUint32(b[12:16], uint32(len(msg)))
	copy(b[16:], msg)
	return b
}

func decodeGoawayFrame(b []byte) (*GoawayFrame, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("mux: goaway frame too short (%d bytes)", len(b))
	}
	msgLen := binary.BigEndian.Uint32(b[12:16])
	if uint64(len(b)) != 16+uint64(msgLen) {
		return nil, fmt.Errorf("mux: goaway message length mismatch")
	}
	return &GoawayFrame{
		LastStream: binary.BigEndian.Uint32(b[4:8]),
		ErrorCode:  binary.BigEndian.Uint32(b[8:12]),
		Message:    string(b[16:]),
	}, nil
}

// EncodeStreamDataFrame fails if streamId does not fit in 24 bits -- per
// §4.1 this is a fatal programmer error, not a recoverable one.
func EncodeStreamDataFrame(streamId uint32, payload []byte) []byte {
	if streamId > MaxStreamId {
		panic(fmt.Errorf("mux: stream id %d exceeds 24-bit maximum", streamId))
	}
	b := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(b[0:4], typeStreamWord(FrameTypeStreamData, streamId))
	copy(b[4:], payload)
	return b
}

func EncodeStreamCloseFrame(streamId uint32) []byte {
	if streamId > MaxStreamId {
		panic(fmt.Errorf("mux: stream id %d exceeds 24-bit maximum", streamId))
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b[0:4], typeStreamWord(FrameTypeStreamClose, streamId))
	return b
}

func EncodeStreamResetFrame(streamId uint32, errorCode uint32, message string) []byte {
	if streamId > MaxStreamId {
		panic(fmt.Errorf("mux: stream id %d exceeds 24-bit maximum", streamId))
	}
	msg := []byte(message)
	b := make([]byte, 4+4+4+len(msg))
	binary.BigEndian.PutUint32(b[0:4], typeStreamWord(FrameTypeStreamReset, streamId))
	binary.BigEndian.PutUint32(b[4:8], errorCode)
	binary.BigEndian.PutUint32(b[8:12], uint32(len(msg)))
	copy(b[12:], msg)
	return b
}

// DecodeFrame decodes a single raw transport message into a Frame. An
// unrecognized type tag returns errUnrecognizedFrame (see
// IsUnrecognizedFrame) rather than a hard failure, per §4.1 decode policy:
// the dispatcher is expected to silently discard these.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("mux: frame too short (%d bytes)", len(b))
	}
	word := binary.BigEndian.Uint32(b[0:4])
	frameType := byte(word >> 24)
	streamId := word & MaxStreamId

	switch frameType {
	case FrameTypeAuth:
		auth, err := decodeAuthFrame(b)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: FrameTypeAuth, Auth: auth}, nil
	case FrameTypeGoaway:
		goaway, err := decodeGoawayFrame(b)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: FrameTypeGoaway, Goaway: goaway}, nil
	case FrameTypeStreamData:
		return &Frame{
			Type: FrameTypeStreamData,
			Data: &StreamDataFrame{StreamId: streamId, Payload: b[4:]},
		}, nil
	case FrameTypeStreamClose:
		return &Frame{
			Type:  FrameTypeStreamClose,
			Close: &StreamCloseFrame{StreamId: streamId},
		}, nil
	case FrameTypeStreamReset:
		if len(b) < 12 {
			return nil, fmt.Errorf("mux: reset frame too short (%d bytes)", len(b))
		}
		errorCode := binary.BigEndian.Uint32(b[4:8])
		msgLen := binary.BigEndian.Uint32(b[8:12])
		if uint64(len(b)) != 12+uint64(msgLen) {
			return nil, fmt.Errorf("mux: reset message length mismatch")
		}
		return &Frame{
			Type: FrameTypeStreamReset,
			Reset: &StreamResetFrame{
				StreamId:  streamId,
				ErrorCode: errorCode,
				Message:   string(b[12:]),
			},
		}, nil
	default:
		return nil, &errUnrecognizedFrame{Type: frameType}
	}
}
