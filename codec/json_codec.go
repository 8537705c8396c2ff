package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"quic-exchange/message"
)

// JSONCodec encodes a Message as {"content":"..."}.
// Decoding is strict: unknown fields, a missing content field or trailing data are rejected.
type JSONCodec struct{}

type jsonMessage struct {
	Content *string `json:"content"`
}

func (c *JSONCodec) Encode(msg *message.Message) ([]byte, error) {
	if err := checkText(msg); err != nil {
		return nil, err
	}
	content := msg.Content()
	return json.Marshal(jsonMessage{Content: &content})
}

func (c *JSONCodec) Decode(data []byte) (*message.Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m jsonMessage
	if err := dec.Decode(&m); err != nil {
		return nil, malformed("json: %v", err)
	}
	if m.Content == nil {
		return nil, malformed("json: missing content field")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformed("json: trailing data after message")
	}
	return message.New(*m.Content), nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
