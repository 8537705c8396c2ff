// Package codec converts Messages to and from the body of a protocol frame.
//
// The codec used for a request is named by the CodecType byte in the frame header, and
// the responder answers with the same codec. Every Decode failure wraps
// protocol.ErrMalformedPayload.
package codec

import (
	"fmt"
	"unicode/utf8"

	"quic-exchange/message"
	"quic-exchange/protocol"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeProto  CodecType = 2

	// FlagSnappy marks a body compressed with snappy on top of the base codec.
	FlagSnappy CodecType = 0x80
)

func (t CodecType) String() string {
	name := "unknown"
	switch t &^ FlagSnappy {
	case CodecTypeJSON:
		name = "json"
	case CodecTypeBinary:
		name = "binary"
	case CodecTypeProto:
		name = "proto"
	}
	if t&FlagSnappy != 0 {
		return name + "+snappy"
	}
	return name
}

type Codec interface {
	Encode(msg *message.Message) ([]byte, error)
	Decode(data []byte) (*message.Message, error)
	Type() CodecType
}

// GetCodec returns the codec for a header codec byte.
func GetCodec(codecType CodecType) (Codec, error) {
	var base Codec
	switch codecType &^ FlagSnappy {
	case CodecTypeJSON:
		base = &JSONCodec{}
	case CodecTypeBinary:
		base = &BinaryCodec{}
	case CodecTypeProto:
		base = &ProtoCodec{}
	default:
		return nil, malformed("unsupported codec type: %d", byte(codecType))
	}
	if codecType&FlagSnappy != 0 {
		return NewCompressedCodec(base), nil
	}
	return base, nil
}

// ParseCodecType maps a configuration name such as "binary" or "json+snappy".
func ParseCodecType(name string) (CodecType, error) {
	for _, t := range []CodecType{CodecTypeJSON, CodecTypeBinary, CodecTypeProto} {
		switch name {
		case t.String():
			return t, nil
		case (t | FlagSnappy).String():
			return t | FlagSnappy, nil
		}
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

// checkText rejects content that would not survive a text round-trip.
func checkText(msg *message.Message) error {
	if msg == nil {
		return &protocol.Error{Kind: protocol.ErrMalformedPayload, Op: "encode message", Cause: fmt.Errorf("nil message")}
	}
	if !utf8.Valid(msg.Bytes()) {
		return &protocol.Error{Kind: protocol.ErrMalformedPayload, Op: "encode message", Cause: fmt.Errorf("content is not valid UTF-8")}
	}
	return nil
}

func malformed(format string, args ...any) error {
	return &protocol.Error{Kind: protocol.ErrMalformedPayload, Op: "decode message", Cause: fmt.Errorf(format, args...)}
}
