package stream

import (
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DebugStream tees reads and writes to the logger as debug messages, capped
// at max events so a busy tunnel cannot flood the log. Enabled from the
// client's --debug-traffic flag.
type DebugStream struct {
	inner io.ReadWriter
	log   *zerolog.Logger
	max   uint64
	count atomic.Uint64
}

func NewDebugStream(stream io.ReadWriter, logger *zerolog.Logger, max uint64) *DebugStream {
	return &DebugStream{
		inner: stream,
		log:   logger,
		max:   max,
	}
}

func (d *DebugStream) Read(p []byte) (n int, err error) {
	n, err = d.inner.Read(p)
	if n > 0 {
		d.trace("r", p[:n], err)
	}
	return
}

func (d *DebugStream) Write(p []byte) (n int, err error) {
	n, err = d.inner.Write(p)
	if n > 0 {
		d.trace("w", p[:n], err)
	}
	return
}

// CloseWrite forwards the half-close when the inner stream supports it, so
// the tee can stand in wherever a Stream is expected.
func (d *DebugStream) CloseWrite() error {
	if wc, ok := d.inner.(WriteCloser); ok {
		return wc.CloseWrite()
	}
	return nil
}

func (d *DebugStream) trace(dir string, data []byte, err error) {
	if d.count.Load() >= d.max {
		return
	}
	d.count.Add(1)
	if err != nil {
		d.log.Err(err).
			Str("dir", dir).
			Int("count", len(data)).
			Msgf("%+q", data)
	} else {
		d.log.Debug().
			Str("dir", dir).
			Int("count", len(data)).
			Msgf("%+q", data)
	}
}
