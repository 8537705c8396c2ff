// Package message defines the Message exchanged between initiator and responder.
//
// A Message is the payload of one direction of an exchange. It gets serialized by the
// codec layer and wrapped in a protocol frame before it is written to a QUIC stream.
package message

import "bytes"

// Message carries the text content of a single request or response.
//
// A Message is immutable once constructed: the content is copied in on construction and
// copied out by Bytes, so neither side of an exchange can alter what the other holds.
type Message struct {
	content []byte
}

// New creates a Message from text.
func New(content string) *Message {
	return &Message{content: []byte(content)}
}

// FromBytes creates a Message from raw content bytes. The slice is copied.
func FromBytes(content []byte) *Message {
	buf := make([]byte, len(content))
	copy(buf, content)
	return &Message{content: buf}
}

// Content returns the content as text.
func (m *Message) Content() string {
	if m == nil {
		return ""
	}
	return string(m.content)
}

// Bytes returns a copy of the raw content.
func (m *Message) Bytes() []byte {
	if m == nil {
		return nil
	}
	buf := make([]byte, len(m.content))
	copy(buf, m.content)
	return buf
}

// Len returns the content length in bytes.
func (m *Message) Len() int {
	if m == nil {
		return 0
	}
	return len(m.content)
}

// Equal reports whether both messages carry the same content.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	return bytes.Equal(m.content, other.content)
}

func (m *Message) String() string {
	return m.Content()
}
