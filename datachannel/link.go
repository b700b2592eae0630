// Package datachannel implements one endpoint of the binary framed data
// channel: a single TCP stream carrying every logical connection of one
// client. Both the server and the client run a Link per channel; the sides
// differ only in who performs the handshake and how unrouted frames are
// treated.
package datachannel

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/chuantou/chuantou/buffer"
	"github.com/chuantou/chuantou/protocol"
)

const (
	// QueueDepth bounds the outbound frame queue. A full queue blocks the
	// per-connection forwarder that is writing, which pauses its upstream
	// read until the writer drains.
	QueueDepth = 64

	// WriteStallGrace is how long a transport write may block before the
	// whole client counts as stalled and the channel is dropped.
	WriteStallGrace = 5 * time.Second

	// routeQueueDepth bounds the inbound queue of one logical connection.
	routeQueueDepth = 64

	readBufferSize = 32 * 1024
)

var (
	// ErrLinkClosed is returned by Send once the channel transport is gone.
	ErrLinkClosed = errors.New("data channel closed")

	// ErrRouteExists guards against two owners of the same connection id.
	ErrRouteExists = errors.New("route already open for connection")

	readBuffers = buffer.NewPool(readBufferSize)
)

// Link is one framed data channel endpoint. The handshake has already been
// consumed by the caller; Run pumps frames in both directions until the
// transport fails or Close is called.
type Link struct {
	label string
	conn  net.Conn
	log   zerolog.Logger

	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.RWMutex
	routes map[string]*Route

	parser protocol.FrameParser
	parked *parkingLot
}

// NewLink wraps an authenticated data channel transport. label names the
// peer in logs (the client id). When parkUnrouted is set, frames for
// connections that have no route yet are held briefly instead of dropped;
// the client side uses this to absorb the race between a new_connection
// control message and the first data frames behind it.
func NewLink(label string, conn net.Conn, log *zerolog.Logger, parkUnrouted bool) *Link {
	linkLog := log.With().Str("channel", label).Logger()
	l := &Link{
		label:  label,
		conn:   conn,
		log:    linkLog,
		out:    make(chan []byte, QueueDepth),
		closed: make(chan struct{}),
		routes: make(map[string]*Route),
	}
	if parkUnrouted {
		l.parked = newParkingLot()
	}
	return l
}

// Run pumps the channel until the transport dies. It owns the single reader
// and the single writer goroutine; all routes are hard-closed on the way
// out so per-connection forwarders unblock.
func (l *Link) Run() error {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		l.writeLoop()
	}()

	err := l.readLoop()
	l.Close()
	<-writerDone
	l.closeAllRoutes()
	return err
}

func (l *Link) readLoop() error {
	buf := readBuffers.Get()
	defer readBuffers.Put(buf)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			incrementFramesReceived(int64(n))
			if perr := l.parser.Feed(buf[:n], l.routeFrame); perr != nil {
				l.log.Error().Err(perr).Msg("data channel framing violation")
				return perr
			}
		}
		if err != nil {
			select {
			case <-l.closed:
				return nil
			default:
				return errors.Wrap(err, "data channel read")
			}
		}
	}
}

func (l *Link) routeFrame(frame protocol.Frame) error {
	route, ok := l.route(frame.ConnectionID)
	if !ok {
		if l.parked != nil && l.parked.park(frame.ConnectionID, frame.Payload) {
			return nil
		}
		if len(frame.Payload) == 0 {
			// Late end-of-stream for a connection already gone.
			return nil
		}
		droppedUnrouted.Inc()
		l.log.Debug().
			Str("connection", frame.ConnectionID).
			Int("bytes", len(frame.Payload)).
			Msg("dropping frame for unknown connection")
		return nil
	}
	if len(frame.Payload) == 0 {
		// Empty frame is the end-of-stream marker. It traveled behind every
		// data frame on this stream, so the route drains exactly the bytes
		// that were sent.
		l.DrainRoute(frame.ConnectionID)
		return nil
	}
	// The payload aliases the parser buffer; hand the route its own copy.
	data := append([]byte(nil), frame.Payload...)
	if !route.deliver(data) {
		l.log.Warn().
			Str("connection", frame.ConnectionID).
			Msg("connection receiver stalled, dropping it")
		l.CloseRoute(frame.ConnectionID)
	}
	return nil
}

func (l *Link) writeLoop() {
	for {
		select {
		case frame := <-l.out:
			_ = l.conn.SetWriteDeadline(time.Now().Add(WriteStallGrace))
			if _, err := l.conn.Write(frame); err != nil {
				writeStalls.Inc()
				l.log.Warn().Err(err).Msg("data channel write stalled, dropping channel")
				l.Close()
				return
			}
			incrementFramesSent(int64(len(frame)))
		case <-l.closed:
			return
		}
	}
}

// Send frames payload for one logical connection, splitting chunks larger
// than the frame cap. It blocks while the outbound queue is full, which is
// the backpressure that pauses the caller's upstream read.
func (l *Link) Send(connectionID string, payload []byte) error {
	for len(payload) > 0 {
		chunk := payload
		if len(chunk) > protocol.MaxFramePayload {
			chunk = chunk[:protocol.MaxFramePayload]
		}
		frame, err := protocol.EncodeFrame(connectionID, chunk)
		if err != nil {
			return err
		}
		select {
		case l.out <- frame:
		case <-l.closed:
			return ErrLinkClosed
		}
		payload = payload[len(chunk):]
	}
	return nil
}

// SendEOS marks the write direction of a logical connection finished. The
// marker is an empty frame, so it queues behind every pending data frame and
// the peer observes end of stream only after consuming them all.
func (l *Link) SendEOS(connectionID string) error {
	frame, err := protocol.EncodeFrame(connectionID, nil)
	if err != nil {
		return err
	}
	select {
	case l.out <- frame:
		return nil
	case <-l.closed:
		return ErrLinkClosed
	}
}

// OpenRoute starts receiving frames for a logical connection. Any frames
// that arrived early and were parked are replayed into the route first,
// including a parked end-of-stream marker.
func (l *Link) OpenRoute(connectionID string) (*Route, error) {
	route := newRoute(connectionID)
	l.mu.Lock()
	if _, exists := l.routes[connectionID]; exists {
		l.mu.Unlock()
		return nil, ErrRouteExists
	}
	l.routes[connectionID] = route
	l.mu.Unlock()
	incrementRoutesOpened()

	if l.parked != nil {
		for _, payload := range l.parked.take(connectionID) {
			if len(payload) == 0 {
				l.DrainRoute(connectionID)
				break
			}
			if !route.deliver(payload) {
				break
			}
		}
	}
	select {
	case <-l.closed:
		// Lost the transport while opening; make sure the caller sees a
		// dead route rather than blocking on it.
		l.CloseRoute(connectionID)
	default:
	}
	return route, nil
}

// CloseRoute hard-closes a route: queued frames are discarded and the
// receiver unblocks immediately.
func (l *Link) CloseRoute(connectionID string) {
	if route, ok := l.takeRoute(connectionID); ok {
		route.close()
	}
}

// DrainRoute soft-closes a route: the receiver drains what is queued, then
// sees end of stream. Used when the peer announced an orderly close and
// trailing frames may still be buffered.
func (l *Link) DrainRoute(connectionID string) {
	if route, ok := l.takeRoute(connectionID); ok {
		route.drain()
	}
}

func (l *Link) takeRoute(connectionID string) (*Route, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	route, ok := l.routes[connectionID]
	if ok {
		delete(l.routes, connectionID)
		decrementActiveRoutes()
	}
	return route, ok
}

func (l *Link) route(connectionID string) (*Route, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	route, ok := l.routes[connectionID]
	return route, ok
}

// RouteCount reports how many logical connections are attached.
func (l *Link) RouteCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.routes)
}

func (l *Link) closeAllRoutes() {
	l.mu.Lock()
	routes := l.routes
	l.routes = make(map[string]*Route)
	l.mu.Unlock()
	for _, route := range routes {
		decrementActiveRoutes()
		route.close()
	}
}

// Close drops the transport. Safe to call from any goroutine, repeatedly.
func (l *Link) Close() {
	l.once.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
	})
}

// Done is closed once the link is no longer usable.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// Label returns the peer name given at construction.
func (l *Link) Label() string {
	return l.label
}
