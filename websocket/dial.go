package websocket

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	dialTimeout = 15 * time.Second
)

// ClientConn is the client's message-oriented view of the control link.
// gorilla allows a single concurrent writer, so writes are serialized here;
// the heartbeat loop and the request path both send through this.
type ClientConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// Dial opens a control link. wsURL uses the ws or wss scheme; headers may
// carry additional handshake metadata and may be nil.
func Dial(ctx context.Context, wsURL string, tlsConfig *tls.Config, headers http.Header) (*ClientConn, error) {
	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: dialTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial control link (status %s)", resp.Status)
		}
		return nil, errors.Wrap(err, "dial control link")
	}
	return &ClientConn{conn: conn}, nil
}

// ReadMessage returns the next message from the server. Reads must come from
// a single goroutine.
func (c *ClientConn) ReadMessage() ([]byte, error) {
	_, message, err := c.conn.ReadMessage()
	return message, err
}

// WriteMessage sends p as a single text message.
func (c *ClientConn) WriteMessage(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, p)
}

// SetReadDeadline bounds the next ReadMessage.
func (c *ClientConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *ClientConn) Close() error {
	return c.conn.Close()
}
