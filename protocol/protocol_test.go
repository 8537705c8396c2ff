package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalReadFrame(t *testing.T) {
	header := Header{
		CodecType: 1,
		MsgType:   MsgTypeRequest,
	}
	body := []byte("hello world")

	frame, err := Marshal(&header, body)
	require.NoError(t, err)

	decodedHeader, decodedBody, err := ReadFrame(bytes.NewReader(frame), 0)
	require.NoError(t, err)

	assert.Equal(t, header.CodecType, decodedHeader.CodecType)
	assert.Equal(t, MsgTypeRequest, decodedHeader.MsgType)
	assert.Equal(t, uint32(11), decodedHeader.BodyLen)
	assert.Equal(t, body, decodedBody)
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalid := []byte{0x00, 0x00, 0x00, Version, 1, byte(MsgTypeRequest), 0x00, 0x00, 0x00, 0x02, 'h', 'i'}

	_, _, err := ReadFrame(bytes.NewReader(invalid), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.Contains(t, err.Error(), "invalid magic number")
}

func TestDecodeInvalidVersion(t *testing.T) {
	invalid := []byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF, // wrong version
		1,
		byte(MsgTypeRequest),
		0, 0, 0, 0,
	}

	_, _, err := ReadFrame(bytes.NewReader(invalid), 0)
	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestDecodeInvalidMsgType(t *testing.T) {
	invalid := []byte{MagicNumber, MagicByte2, MagicByte3, Version, 1, 0x7, 0, 0, 0, 0}

	_, _, err := ReadFrame(bytes.NewReader(invalid), 0)
	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.Contains(t, err.Error(), "unsupported message type")
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{CodecType: 1, MsgType: MsgTypeResponse}

	frame, err := Marshal(&header, nil)
	require.NoError(t, err)
	require.Len(t, frame, HeaderSize)

	decodedHeader, decodedBody, err := Unmarshal(frame)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeResponse, decodedHeader.MsgType)
	assert.Equal(t, uint32(0), decodedHeader.BodyLen)
	assert.Empty(t, decodedBody)
}

func TestDecodeEmptyPayload(t *testing.T) {
	_, _, err := Unmarshal(nil)
	require.ErrorIs(t, err, ErrMalformedPayload)

	_, _, err = ReadFrame(bytes.NewReader(nil), 0)
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeTruncatedAndTrailing(t *testing.T) {
	frame, err := Marshal(&Header{CodecType: 1, MsgType: MsgTypeRequest}, []byte("payload"))
	require.NoError(t, err)

	for n := 1; n < len(frame); n++ {
		_, _, err := Unmarshal(frame[:n])
		require.ErrorIsf(t, err, ErrMalformedPayload, "prefix of %d bytes", n)
	}

	_, _, err = Unmarshal(append(frame, 'x'))
	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.Contains(t, err.Error(), "trailing")
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	frame, err := Marshal(&Header{CodecType: 1, MsgType: MsgTypeRequest}, largeBody)
	require.NoError(t, err)

	_, decodedBody, err := ReadFrame(bytes.NewReader(frame), 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(decodedBody, largeBody))
}

func TestReadFrameLimit(t *testing.T) {
	frame, err := Marshal(&Header{CodecType: 1, MsgType: MsgTypeRequest}, make([]byte, 64))
	require.NoError(t, err)

	_, _, err = ReadFrame(bytes.NewReader(frame), len(frame))
	require.NoError(t, err)

	_, _, err = ReadFrame(bytes.NewReader(frame), len(frame)-1)
	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.Contains(t, err.Error(), "exceeds")
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestReadFramePropagatesReadError(t *testing.T) {
	boom := errors.New("boom")
	_, _, err := ReadFrame(failingReader{err: boom}, 0)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrMalformedPayload)
}
