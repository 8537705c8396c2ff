package codec

import (
	"encoding/binary"
	"unicode/utf8"

	"quic-exchange/message"
)

// BinaryCodec writes the content behind a 4-byte big-endian length prefix.
//
//	┌──────────┬──────────────────┐
//	│ len (4)  │ UTF-8 content... │
//	└──────────┴──────────────────┘
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(msg *message.Message) ([]byte, error) {
	if err := checkText(msg); err != nil {
		return nil, err
	}
	content := msg.Bytes()
	buf := make([]byte, 4+len(content))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(content)))
	copy(buf[4:], content)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte) (*message.Message, error) {
	if len(data) < 4 {
		return nil, malformed("binary: truncated length prefix: %d bytes", len(data))
	}
	contentLen := binary.BigEndian.Uint32(data[0:4])
	rest := data[4:]
	if uint64(contentLen) != uint64(len(rest)) {
		return nil, malformed("binary: length prefix %d does not match %d content bytes", contentLen, len(rest))
	}
	if !utf8.Valid(rest) {
		return nil, malformed("binary: content is not valid UTF-8")
	}
	return message.FromBytes(rest), nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
