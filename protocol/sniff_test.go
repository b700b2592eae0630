package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSniffProtocol(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   Protocol
	}{
		{"plain GET", "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n", ProtocolHTTP},
		{"POST with body", "POST /api HTTP/1.1\r\nContent-Length: 2\r\n\r\n{}", ProtocolHTTP},
		{"all methods", "OPTIONS * HTTP/1.1\r\n", ProtocolHTTP},
		{"websocket upgrade", "GET /ws HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n", ProtocolWebsocket},
		{"upgrade mixed case", "GET /ws HTTP/1.1\r\nUPGRADE: WebSocket\r\n\r\n", ProtocolWebsocket},
		{"upgrade to h2c stays http", "GET / HTTP/1.1\r\nUpgrade: h2c\r\n\r\n", ProtocolHTTP},
		{"binary", "\x16\x03\x01\x02\x00", ProtocolTCP},
		{"ssh banner", "SSH-2.0-OpenSSH_8.9", ProtocolTCP},
		{"empty", "", ProtocolTCP},
		{"partial method", "GE", ProtocolHTTP},
		{"method without space", "GETTY login", ProtocolTCP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SniffProtocol([]byte(tt.prefix)))
		})
	}
}

func TestSniffProtocolIgnoresBytesPastLimit(t *testing.T) {
	prefix := make([]byte, SniffLimit+64)
	copy(prefix, "GET / HTTP/1.1\r\n")
	for i := SniffLimit; i < len(prefix); i++ {
		prefix[i] = 0xFF
	}
	// An upgrade header past the limit is invisible.
	copy(prefix[SniffLimit:], "Upgrade: websocket")
	assert.Equal(t, ProtocolHTTP, SniffProtocol(prefix))
}
