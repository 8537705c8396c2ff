package codec

import (
	"github.com/golang/snappy"

	"quic-exchange/message"
	"quic-exchange/protocol"
)

// CompressedCodec snappy-compresses the output of another codec.
type CompressedCodec struct {
	codec Codec
}

func NewCompressedCodec(codec Codec) Codec {
	return &CompressedCodec{codec: codec}
}

func (c *CompressedCodec) Encode(msg *message.Message) ([]byte, error) {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, data), nil
}

// Decode checks the length claimed by the snappy header before allocating for it.
func (c *CompressedCodec) Decode(data []byte) (*message.Message, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, malformed("snappy: %v", err)
	}
	if n > protocol.MaxFrameSize {
		return nil, malformed("snappy: decoded length %d exceeds %d bytes", n, protocol.MaxFrameSize)
	}
	decompressed, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, malformed("snappy: %v", err)
	}
	return c.codec.Decode(decompressed)
}

func (c *CompressedCodec) Type() CodecType {
	return c.codec.Type() | FlagSnappy
}
