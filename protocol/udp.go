package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// UDP data channel wire format. One datagram carries one frame:
//
//	register:  0x01 | idLen(1) | clientID
//	keepalive: 0x02 | idLen(1) | clientID
//	data:      0x03 | idLen(1) | connectionID | payloadLen(2, big endian) | payload
//
// The payload length is redundant with the datagram length but guards against
// truncation by intermediaries.
const (
	UDPFrameRegister  byte = 0x01
	UDPFrameKeepalive byte = 0x02
	UDPFrameData      byte = 0x03

	// MaxUDPPayload keeps encoded datagrams under the common 64 KiB limit
	// after headers.
	MaxUDPPayload = 65000
)

var (
	errUDPShort      = errors.New("udp channel: short datagram")
	errUDPKind       = errors.New("udp channel: unknown frame kind")
	errUDPTooLarge   = errors.Errorf("udp channel: payload exceeds %d bytes", MaxUDPPayload)
	errUDPTruncated  = errors.New("udp channel: truncated payload")
	errUDPTrailing   = errors.New("udp channel: trailing bytes after payload")
	errUDPEmptyID    = errors.New("udp channel: empty identifier")
	errUDPIDTooShort = errors.New("udp channel: identifier shorter than declared")
)

// UDPFrame is one decoded datagram. Exactly one of ClientID or ConnectionID
// is set, depending on Kind.
type UDPFrame struct {
	Kind         byte
	ClientID     string
	ConnectionID string
	Payload      []byte
}

// EncodeUDPRegister builds the frame a client sends to bind its UDP channel
// address to its session.
func EncodeUDPRegister(clientID string) ([]byte, error) {
	return encodeUDPControl(UDPFrameRegister, clientID)
}

// EncodeUDPKeepalive builds the frame that refreshes NAT state on the UDP
// channel path.
func EncodeUDPKeepalive(clientID string) ([]byte, error) {
	return encodeUDPControl(UDPFrameKeepalive, clientID)
}

func encodeUDPControl(kind byte, clientID string) ([]byte, error) {
	if err := checkID(clientID); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 2+len(clientID))
	buf = append(buf, kind, byte(len(clientID)))
	buf = append(buf, clientID...)
	return buf, nil
}

// EncodeUDPData builds one data frame for a logical UDP connection.
func EncodeUDPData(connectionID string, payload []byte) ([]byte, error) {
	if err := checkID(connectionID); err != nil {
		return nil, err
	}
	if len(payload) > MaxUDPPayload {
		return nil, errUDPTooLarge
	}
	buf := make([]byte, 0, 2+len(connectionID)+2+len(payload))
	buf = append(buf, UDPFrameData, byte(len(connectionID)))
	buf = append(buf, connectionID...)
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(payload)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeUDPFrame parses one datagram. The returned payload aliases the input.
func DecodeUDPFrame(b []byte) (UDPFrame, error) {
	if len(b) < 2 {
		return UDPFrame{}, errUDPShort
	}
	kind := b[0]
	idLen := int(b[1])
	if idLen == 0 {
		return UDPFrame{}, errUDPEmptyID
	}
	if len(b) < 2+idLen {
		return UDPFrame{}, errUDPIDTooShort
	}
	id := string(b[2 : 2+idLen])
	rest := b[2+idLen:]

	switch kind {
	case UDPFrameRegister, UDPFrameKeepalive:
		if len(rest) != 0 {
			return UDPFrame{}, errUDPTrailing
		}
		return UDPFrame{Kind: kind, ClientID: id}, nil
	case UDPFrameData:
		if len(rest) < 2 {
			return UDPFrame{}, errUDPShort
		}
		payloadLen := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if len(rest) < payloadLen {
			return UDPFrame{}, errUDPTruncated
		}
		if len(rest) > payloadLen {
			return UDPFrame{}, errUDPTrailing
		}
		return UDPFrame{Kind: kind, ConnectionID: id, Payload: rest}, nil
	default:
		return UDPFrame{}, errUDPKind
	}
}
