// Package stream splices two byte streams together, propagating half-closes
// so each direction can drain independently. It backs the tcp and websocket
// paths on both sides of the tunnel.
package stream

import (
	"fmt"
	"io"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Stream interface {
	Reader
	WriterCloser
}

type Reader interface {
	io.Reader
}

type WriterCloser interface {
	io.Writer
	WriteCloser
}

type WriteCloser interface {
	CloseWrite() error
}

type nopCloseWriterAdapter struct {
	io.ReadWriter
}

// NopCloseWriterAdapter wraps a plain ReadWriter whose write side cannot be
// shut down independently, such as an in-memory pipe.
func NopCloseWriterAdapter(stream io.ReadWriter) *nopCloseWriterAdapter {
	return &nopCloseWriterAdapter{stream}
}

func (n *nopCloseWriterAdapter) CloseWrite() error {
	return nil
}

// AsStream returns rw unchanged when it can already half-close its write side
// (tcp and tls conns can), and wraps it otherwise.
func AsStream(rw io.ReadWriter) Stream {
	if s, ok := rw.(Stream); ok {
		return s
	}
	return NopCloseWriterAdapter(rw)
}

type bidirectionalStreamStatus struct {
	doneChan chan struct{}
	anyDone  uint32
}

func newBiStreamStatus() *bidirectionalStreamStatus {
	return &bidirectionalStreamStatus{
		doneChan: make(chan struct{}, 2),
		anyDone:  0,
	}
}

func (s *bidirectionalStreamStatus) markUniStreamDone() {
	atomic.StoreUint32(&s.anyDone, 1)
	s.doneChan <- struct{}{}
}

func (s *bidirectionalStreamStatus) wait(maxWaitForSecondStream time.Duration) error {
	<-s.doneChan

	// Zero means wait for the second direction indefinitely.
	if maxWaitForSecondStream > 0 {
		timer := time.NewTimer(maxWaitForSecondStream)
		defer timer.Stop()

		select {
		case <-timer.C:
			return fmt.Errorf("timeout waiting for second stream to finish")
		case <-s.doneChan:
			return nil
		}
	}

	<-s.doneChan
	return nil
}

func (s *bidirectionalStreamStatus) isAnyDone() bool {
	return atomic.LoadUint32(&s.anyDone) > 0
}

// Pipe splices two plain ReadWriters until both directions finish.
func Pipe(tunnelConn, localConn io.ReadWriter, log *zerolog.Logger) {
	_ = PipeBidirectional(NopCloseWriterAdapter(tunnelConn), NopCloseWriterAdapter(localConn), 0, log)
}

// PipeBidirectional splices downstream and upstream in both directions. When
// one direction reads EOF, the destination's write side is closed so the peer
// observes the half-close, and the opposite direction is given
// maxWaitForSecondStream to drain before a timeout error is returned. The
// caller still owns both streams and must close them to release resources.
func PipeBidirectional(downstream, upstream Stream, maxWaitForSecondStream time.Duration, log *zerolog.Logger) error {
	status := newBiStreamStatus()

	go unidirectionalStream(downstream, upstream, "upstream->downstream", status, log)
	go unidirectionalStream(upstream, downstream, "downstream->upstream", status, log)

	if err := status.wait(maxWaitForSecondStream); err != nil {
		return errors.Wrap(err, "unable to wait for both streams while proxying")
	}

	return nil
}

func unidirectionalStream(dst WriterCloser, src Reader, dir string, status *bidirectionalStreamStatus, log *zerolog.Logger) {
	defer func() {
		// When one direction finishes, its caller may tear down the
		// underlying conns while the other goroutine is mid Read or
		// Write. Some conn implementations panic when used after
		// close, so contain that instead of crashing the process.
		if err := recover(); err != nil {
			if status.isAnyDone() {
				log.Debug().Msgf("recovered from panic in stream.Pipe for %s, error %s, %s", dir, err, debug.Stack())
			} else {
				log.Warn().Msgf("recovered from panic in stream.Pipe for %s, error %s, %s", dir, err, debug.Stack())
				sentry.CurrentHub().Recover(err)
				sentry.Flush(time.Second * 5)
			}
		}
	}()

	defer dst.CloseWrite()

	if _, err := Copy(dst, src); err != nil {
		log.Debug().Msgf("%s copy: %v", dir, err)
	}
	status.markUniStreamDone()
}
