package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Data channel wire format. A channel opens with a handshake:
//
//	"CTDC" | idLen(1) | clientID
//
// answered by a single status byte, then carries frames:
//
//	idLen(1) | connectionID | payloadLen(4, big endian) | payload
//
// Zero-length payloads are legal and ignored by receivers.
const (
	// DataChannelMagic prefixes the data channel handshake. The server
	// routes incoming TCP streams on these four bytes.
	DataChannelMagic = "CTDC"

	// HandshakeAccept and HandshakeReject are the server's one-byte answer
	// to the handshake.
	HandshakeAccept byte = 0x00
	HandshakeReject byte = 0x01

	// MaxFramePayload caps a single frame. Larger writes are split by the
	// sender; a larger length on the wire is a protocol violation.
	MaxFramePayload = 1 << 20

	maxIDLen = 255
)

var (
	// ErrBadMagic means the stream did not open with the handshake magic.
	ErrBadMagic = errors.New("data channel: bad magic")

	// ErrFrameTooLarge means a frame header declared a payload over
	// MaxFramePayload.
	ErrFrameTooLarge = errors.Errorf("data channel: frame exceeds %d bytes", MaxFramePayload)

	errIDTooLong = errors.Errorf("data channel: identifier exceeds %d bytes", maxIDLen)
	errEmptyID   = errors.New("data channel: empty identifier")
)

// EncodeHandshake builds the channel-opening handshake for a client id.
func EncodeHandshake(clientID string) ([]byte, error) {
	if err := checkID(clientID); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(DataChannelMagic)+1+len(clientID))
	buf = append(buf, DataChannelMagic...)
	buf = append(buf, byte(len(clientID)))
	buf = append(buf, clientID...)
	return buf, nil
}

// ReadHandshake consumes the handshake from the head of a stream and returns
// the client id. The reader is positioned at the first frame afterwards.
func ReadHandshake(r io.Reader) (string, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return "", errors.Wrap(err, "data channel: read handshake")
	}
	if string(head[:4]) != DataChannelMagic {
		return "", ErrBadMagic
	}
	idLen := int(head[4])
	if idLen == 0 {
		return "", errEmptyID
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(r, id); err != nil {
		return "", errors.Wrap(err, "data channel: read client id")
	}
	return string(id), nil
}

// EncodeFrame builds one frame for a connection id and payload chunk. The
// caller is responsible for splitting payloads above MaxFramePayload.
func EncodeFrame(connectionID string, payload []byte) ([]byte, error) {
	if err := checkID(connectionID); err != nil {
		return nil, err
	}
	if len(payload) > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, 0, 1+len(connectionID)+4+len(payload))
	buf = append(buf, byte(len(connectionID)))
	buf = append(buf, connectionID...)
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, payload...)
	return buf, nil
}

func checkID(id string) error {
	if id == "" {
		return errEmptyID
	}
	if len(id) > maxIDLen {
		return errIDTooLong
	}
	return nil
}

// Frame is one parsed data channel frame. Payload aliases the parser's
// internal buffer and is only valid until the next Feed call; receivers that
// retain it must copy.
type Frame struct {
	ConnectionID string
	Payload      []byte
}

// FrameParser reassembles frames from an arbitrarily chunked byte stream.
// Incomplete input is buffered until the rest arrives, so feeding a stream
// byte by byte yields the same frames as feeding it whole.
type FrameParser struct {
	buf []byte
}

// Feed appends data and invokes emit once per completed frame, in order.
// A non-nil error from emit stops parsing and is returned; the partially
// consumed buffer state remains valid for subsequent Feed calls.
func (p *FrameParser) Feed(data []byte, emit func(Frame) error) error {
	p.buf = append(p.buf, data...)
	consumed := 0
	defer func() {
		p.compact(consumed)
	}()
	for {
		rest := p.buf[consumed:]
		if len(rest) < 1 {
			return nil
		}
		idLen := int(rest[0])
		if idLen == 0 {
			return errEmptyID
		}
		if len(rest) < 1+idLen+4 {
			return nil
		}
		payloadLen := int(binary.BigEndian.Uint32(rest[1+idLen : 1+idLen+4]))
		if payloadLen > MaxFramePayload {
			return ErrFrameTooLarge
		}
		total := 1 + idLen + 4 + payloadLen
		if len(rest) < total {
			return nil
		}
		frame := Frame{
			ConnectionID: string(rest[1 : 1+idLen]),
			Payload:      rest[1+idLen+4 : total],
		}
		consumed += total
		if err := emit(frame); err != nil {
			return err
		}
	}
}

// Buffered reports how many unconsumed bytes the parser is holding.
func (p *FrameParser) Buffered() int {
	return len(p.buf)
}

func (p *FrameParser) compact(consumed int) {
	if consumed == 0 {
		return
	}
	remaining := copy(p.buf, p.buf[consumed:])
	p.buf = p.buf[:remaining]
}
