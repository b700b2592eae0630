// Package websocket implements both ends of the control link: the server
// side upgrade and framing on a raw accepted conn, and the client side dial.
package websocket

import (
	"crypto/sha1" // #nosec G505 - required by RFC 6455
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// from RFC 6455
var keyGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// IsUpgradeRequest checks whether an already-parsed request asks for a
// websocket upgrade. Header values are token lists and case-insensitive, so
// "keep-alive, Upgrade" must match.
func IsUpgradeRequest(req *http.Request) bool {
	return headerContainsToken(req.Header, "Connection", "upgrade") &&
		headerContainsToken(req.Header, "Upgrade", "websocket")
}

// NewResponseHeader returns the headers needed to complete the handshake.
func NewResponseHeader(req *http.Request) http.Header {
	header := http.Header{}
	header.Add("Connection", "Upgrade")
	header.Add("Sec-Websocket-Accept", generateAcceptKey(req.Header.Get("Sec-WebSocket-Key")))
	header.Add("Upgrade", "websocket")
	return header
}

// WriteUpgradeResponse completes the server side of the handshake on a raw
// conn. After it returns the conn speaks websocket frames.
func WriteUpgradeResponse(w io.Writer, req *http.Request) error {
	if _, err := io.WriteString(w, "HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return errors.Wrap(err, "write upgrade status line")
	}
	if err := NewResponseHeader(req).Write(w); err != nil {
		return errors.Wrap(err, "write upgrade headers")
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return errors.Wrap(err, "terminate upgrade response")
	}
	return nil
}

func generateAcceptKey(challengeKey string) string {
	h := sha1.New() // #nosec G401 - required by RFC 6455
	h.Write([]byte(challengeKey))
	h.Write(keyGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, value := range h[http.CanonicalHeaderKey(name)] {
		for _, field := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(field), token) {
				return true
			}
		}
	}
	return false
}
