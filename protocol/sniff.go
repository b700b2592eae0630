package protocol

import "bytes"

// SniffLimit bounds how much of a connection's head is inspected for
// classification. Peeking more buys nothing: the method token and upgrade
// header sit well inside the first kilobyte of any real request.
const SniffLimit = 1024

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("HEAD "),
	[]byte("OPTIONS "),
	[]byte("PATCH "),
	[]byte("CONNECT "),
	[]byte("TRACE "),
}

var (
	upgradeToken   = []byte("upgrade:")
	websocketToken = []byte("websocket")
)

// SniffProtocol classifies a connection from a peeked prefix. A prefix
// opening with an HTTP method token is http, or websocket when the visible
// head carries an Upgrade: websocket header; anything else is raw tcp.
// Classification is best effort over at most SniffLimit bytes and never
// consumes input.
func SniffProtocol(prefix []byte) Protocol {
	if len(prefix) == 0 {
		return ProtocolTCP
	}
	if len(prefix) > SniffLimit {
		prefix = prefix[:SniffLimit]
	}
	if !looksLikeHTTP(prefix) {
		return ProtocolTCP
	}
	if hasWebsocketUpgrade(prefix) {
		return ProtocolWebsocket
	}
	return ProtocolHTTP
}

func looksLikeHTTP(prefix []byte) bool {
	for _, method := range httpMethods {
		if len(prefix) >= len(method) {
			if bytes.Equal(prefix[:len(method)], method) {
				return true
			}
			continue
		}
		// Partial peek: a prefix of a method token still counts so a
		// short first segment does not misroute to tcp.
		if bytes.Equal(prefix, method[:len(prefix)]) {
			return true
		}
	}
	return false
}

func hasWebsocketUpgrade(prefix []byte) bool {
	lower := bytes.ToLower(prefix)
	idx := bytes.Index(lower, upgradeToken)
	if idx < 0 {
		return false
	}
	rest := lower[idx+len(upgradeToken):]
	if end := bytes.IndexByte(rest, '\n'); end >= 0 {
		rest = rest[:end]
	}
	return bytes.Contains(rest, websocketToken)
}
