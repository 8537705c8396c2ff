// Package protocol implements the frame carried in each direction of an exchange stream.
//
// Every QUIC stream carries exactly one frame per direction. The sender writes the frame
// and then finishes its send half, so the receiver reads until end-of-stream and parses
// the accumulated bytes. The body length in the header must match what actually arrived:
// a short body means the peer was cut off, extra bytes mean the peer is not speaking
// this protocol.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...    │
//	│ qex  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "qex" (quic exchange).
const (
	MagicNumber byte = 0x71 // 'q'
	MagicByte2  byte = 0x65 // 'e'
	MagicByte3  byte = 0x78 // 'x'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)

	// MaxFrameSize bounds what a single stream direction may carry, header included.
	MaxFrameSize = 16 * 1024 * 1024
)

// MsgType distinguishes request and response frames.
type MsgType byte

const (
	MsgTypeRequest  MsgType = 0 // Initiator → Responder
	MsgTypeResponse MsgType = 1 // Responder → Initiator
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	default:
		return fmt.Sprintf("MsgType(%d)", byte(t))
	}
}

// Header represents the fixed 10-byte frame header.
type Header struct {
	CodecType byte    // Serialization format, see codec.CodecType
	MsgType   MsgType // Request or Response
	BodyLen   uint32  // Body length in bytes
}

// Marshal builds a complete frame (header + body). BodyLen is taken from body.
func Marshal(h *Header, body []byte) ([]byte, error) {
	if HeaderSize+len(body) > MaxFrameSize {
		return nil, &Error{Kind: ErrMalformedPayload, Op: "marshal frame",
			Cause: fmt.Errorf("body of %d bytes exceeds max frame size", len(body))}
	}
	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// Unmarshal parses a complete frame. The returned body aliases data.
func Unmarshal(data []byte) (*Header, []byte, error) {
	if len(data) == 0 {
		return nil, nil, malformed("empty payload")
	}
	if len(data) < HeaderSize {
		return nil, nil, malformed("truncated header: %d bytes", len(data))
	}

	// Validate magic number, rejects peers not speaking this protocol
	if data[0] != MagicNumber || data[1] != MagicByte2 || data[2] != MagicByte3 {
		return nil, nil, malformed("invalid magic number: %x", data[0:3])
	}
	if data[3] != Version {
		return nil, nil, malformed("unsupported version: %d", data[3])
	}

	msgType := MsgType(data[5])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse {
		return nil, nil, malformed("unsupported message type: %d", data[5])
	}

	bodyLen := binary.BigEndian.Uint32(data[6:10])
	rest := len(data) - HeaderSize
	switch {
	case uint64(bodyLen) > uint64(rest):
		return nil, nil, malformed("truncated body: want %d bytes, got %d", bodyLen, rest)
	case uint64(bodyLen) < uint64(rest):
		return nil, nil, malformed("%d trailing bytes after body", rest-int(bodyLen))
	}

	return &Header{
		CodecType: data[4],
		MsgType:   msgType,
		BodyLen:   bodyLen,
	}, data[HeaderSize:], nil
}

// ReadFrame reads r until end-of-stream and parses the accumulated bytes as one frame.
// At most limit bytes are accepted; limit <= 0 means MaxFrameSize.
func ReadFrame(r io.Reader, limit int) (*Header, []byte, error) {
	if limit <= 0 || limit > MaxFrameSize {
		limit = MaxFrameSize
	}
	var buf bytes.Buffer
	// One extra byte tells an exactly-full frame apart from an oversized one
	n, err := buf.ReadFrom(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, nil, err
	}
	if n > int64(limit) {
		return nil, nil, malformed("frame exceeds %d bytes", limit)
	}
	return Unmarshal(buf.Bytes())
}

func malformed(format string, args ...any) error {
	return &Error{Kind: ErrMalformedPayload, Op: "decode frame", Cause: fmt.Errorf(format, args...)}
}
