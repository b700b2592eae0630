package websocket

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	gobwas "github.com/gobwas/ws"
	"github.com/pkg/errors"
)

// maxMessageSize bounds a single control message. The largest legitimate
// message is an http response carrying a buffered body, which is capped well
// below this before encoding.
const maxMessageSize = 32 << 20

var errMessageTooLarge = errors.Errorf("websocket: message exceeds %d bytes", maxMessageSize)

// ServerConn is the server's message-oriented view of an upgraded control
// link. Reads must come from a single goroutine; writes are whole-frame
// atomic so the read loop can answer pings while another goroutine sends.
type ServerConn struct {
	conn net.Conn
	// br holds bytes the request parser buffered past the handshake; the
	// client may pipeline frames behind the upgrade request.
	br io.Reader

	writeMu sync.Mutex
}

// NewServerConn wraps an upgraded conn. buffered carries any bytes read but
// not consumed while parsing the upgrade request, and may be nil.
func NewServerConn(conn net.Conn, buffered *bufio.Reader) *ServerConn {
	var r io.Reader = conn
	if buffered != nil {
		r = buffered
	}
	return &ServerConn{conn: conn, br: r}
}

// ReadMessage returns the next text or binary message, reassembling
// fragmented messages and answering pings along the way.
func (c *ServerConn) ReadMessage() ([]byte, error) {
	var message []byte
	assembling := false
	for {
		frame, err := gobwas.ReadFrame(c.br)
		if err != nil {
			return nil, err
		}
		frame = gobwas.UnmaskFrameInPlace(frame)

		if frame.Header.OpCode.IsControl() {
			if err := c.handleControl(frame); err != nil {
				return nil, err
			}
			continue
		}

		switch frame.Header.OpCode {
		case gobwas.OpText, gobwas.OpBinary:
			if assembling {
				return nil, errors.New("websocket: data frame while awaiting continuation")
			}
			message = frame.Payload
			assembling = true
		case gobwas.OpContinuation:
			if !assembling {
				return nil, errors.New("websocket: continuation without initial frame")
			}
			message = append(message, frame.Payload...)
		default:
			return nil, errors.Errorf("websocket: unexpected opcode %v", frame.Header.OpCode)
		}

		if len(message) > maxMessageSize {
			return nil, errMessageTooLarge
		}
		if frame.Header.Fin {
			return message, nil
		}
	}
}

// WriteMessage sends p as a single text message.
func (c *ServerConn) WriteMessage(p []byte) error {
	if len(p) > maxMessageSize {
		return errMessageTooLarge
	}
	frame := gobwas.NewTextFrame(p)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return gobwas.WriteFrame(c.conn, frame)
}

func (c *ServerConn) handleControl(frame gobwas.Frame) error {
	switch frame.Header.OpCode {
	case gobwas.OpPing:
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return gobwas.WriteFrame(c.conn, gobwas.NewPongFrame(frame.Payload))
	case gobwas.OpPong:
		return nil
	case gobwas.OpClose:
		return io.EOF
	default:
		return errors.Errorf("websocket: unexpected control opcode %v", frame.Header.OpCode)
	}
}

// SetReadDeadline bounds the next ReadMessage. Used to enforce the
// authentication window on fresh control links.
func (c *ServerConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline bounds subsequent writes, detecting stalled clients.
func (c *ServerConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *ServerConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *ServerConn) Close() error {
	return c.conn.Close()
}
