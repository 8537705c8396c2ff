package codec

import (
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"quic-exchange/message"
)

// contentField is the protobuf field number of the content, as in
//
//	message Message { bytes content = 1; }
const contentField protowire.Number = 1

// ProtoCodec encodes a Message in protobuf wire format.
// The content field is always written, even when empty, so encoding is deterministic.
type ProtoCodec struct{}

func (c *ProtoCodec) Encode(msg *message.Message) ([]byte, error) {
	if err := checkText(msg); err != nil {
		return nil, err
	}
	content := msg.Bytes()
	buf := make([]byte, 0, len(content)+protowire.SizeTag(contentField)+protowire.SizeVarint(uint64(len(content))))
	buf = protowire.AppendTag(buf, contentField, protowire.BytesType)
	buf = protowire.AppendBytes(buf, content)
	return buf, nil
}

func (c *ProtoCodec) Decode(data []byte) (*message.Message, error) {
	var content []byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, malformed("proto: %v", protowire.ParseError(n))
		}
		data = data[n:]

		if num == contentField {
			if typ != protowire.BytesType {
				return nil, malformed("proto: content field has wire type %d", typ)
			}
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, malformed("proto: %v", protowire.ParseError(n))
			}
			content = v
			data = data[n:]
			continue
		}

		// Unknown fields are skipped, as protobuf parsers do
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, malformed("proto: %v", protowire.ParseError(n))
		}
		data = data[n:]
	}
	if !utf8.Valid(content) {
		return nil, malformed("proto: content is not valid UTF-8")
	}
	return message.FromBytes(content), nil
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}
