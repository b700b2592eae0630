package datachannel

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrRouteClosed is returned by Route.Read after a hard close; queued frames
// are discarded with the route.
var ErrRouteClosed = errors.New("connection route closed")

// Route is the inbound half of one logical connection: a bounded queue of
// payloads behind an io.Reader. The Link's read loop delivers into it; the
// per-connection forwarder reads out of it.
//
// A route ends one of two ways. drain is the orderly path: whatever is
// queued stays readable and the reader then sees io.EOF, exactly like a
// half-closed socket. close is the hard path for teardown: the queue is
// discarded and the reader unblocks with ErrRouteClosed.
type Route struct {
	connectionID string
	frames       chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	drainOnce sync.Once
	drained   chan struct{}

	// leftover holds the tail of a frame larger than the reader's buffer.
	leftover []byte
}

func newRoute(connectionID string) *Route {
	return &Route{
		connectionID: connectionID,
		frames:       make(chan []byte, routeQueueDepth),
		closed:       make(chan struct{}),
		drained:      make(chan struct{}),
	}
}

// ConnectionID returns the logical connection this route belongs to.
func (r *Route) ConnectionID() string {
	return r.connectionID
}

// deliver queues one inbound payload, blocking up to the write stall grace
// when the reader is behind. It reports false only for a stalled reader;
// payloads arriving after close or drain are dropped quietly, since late
// frames for a finished connection are not a fault of this receiver.
func (r *Route) deliver(payload []byte) bool {
	select {
	case <-r.closed:
		return true
	case <-r.drained:
		return true
	default:
	}
	select {
	case r.frames <- payload:
		return true
	case <-r.closed:
		return true
	default:
	}
	// Reader is behind. Queue growth is bounded by the channel, so the
	// whole data channel read loop waits here; the transport's TCP window
	// pushes the backpressure to the sender.
	timer := time.NewTimer(WriteStallGrace)
	defer timer.Stop()
	select {
	case r.frames <- payload:
		return true
	case <-r.closed:
		return true
	case <-timer.C:
		return false
	}
}

// Read hands out queued payloads in delivery order. It blocks while the
// route is open and empty, returns io.EOF once a drained route is exhausted,
// and returns ErrRouteClosed immediately after a hard close.
func (r *Route) Read(p []byte) (int, error) {
	if len(r.leftover) > 0 {
		n := copy(p, r.leftover)
		r.leftover = r.leftover[n:]
		return n, nil
	}
	select {
	case <-r.closed:
		return 0, ErrRouteClosed
	default:
	}
	select {
	case frame := <-r.frames:
		return r.consume(p, frame), nil
	case <-r.closed:
		return 0, ErrRouteClosed
	case <-r.drained:
		// Flush anything still queued before surfacing end of stream.
		select {
		case frame := <-r.frames:
			return r.consume(p, frame), nil
		case <-r.closed:
			return 0, ErrRouteClosed
		default:
			return 0, io.EOF
		}
	}
}

func (r *Route) consume(p, frame []byte) int {
	n := copy(p, frame)
	r.leftover = frame[n:]
	return n
}

// close ends the route discarding queued frames; the reader unblocks with
// ErrRouteClosed.
func (r *Route) close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
}

// drain ends the route keeping queued frames readable; the reader sees
// io.EOF after consuming them.
func (r *Route) drain() {
	r.drainOnce.Do(func() {
		close(r.drained)
	})
}
