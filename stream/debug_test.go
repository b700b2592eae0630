package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStream struct {
	reads       *strings.Reader
	writes      bytes.Buffer
	writeClosed bool
}

func (r *recordingStream) Read(p []byte) (int, error)  { return r.reads.Read(p) }
func (r *recordingStream) Write(p []byte) (int, error) { return r.writes.Write(p) }
func (r *recordingStream) CloseWrite() error           { r.writeClosed = true; return nil }

func TestDebugStreamTeesTraffic(t *testing.T) {
	var logged bytes.Buffer
	logger := zerolog.New(&logged)

	inner := &recordingStream{reads: strings.NewReader("ping")}
	d := NewDebugStream(inner, &logger, 10)

	buf := make([]byte, 8)
	n, err := d.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = d.Write([]byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, "pong", inner.writes.String())

	assert.Contains(t, logged.String(), `"dir":"r"`)
	assert.Contains(t, logged.String(), `"dir":"w"`)
}

func TestDebugStreamCapsEvents(t *testing.T) {
	var logged bytes.Buffer
	logger := zerolog.New(&logged)

	d := NewDebugStream(&recordingStream{reads: strings.NewReader("")}, &logger, 2)
	for i := 0; i < 5; i++ {
		_, err := d.Write([]byte("x"))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, strings.Count(logged.String(), `"dir":"w"`))
}

func TestDebugStreamCloseWrite(t *testing.T) {
	logger := zerolog.Nop()

	inner := &recordingStream{reads: strings.NewReader("")}
	d := NewDebugStream(inner, &logger, 1)
	require.NoError(t, d.CloseWrite())
	assert.True(t, inner.writeClosed)

	// A plain ReadWriter without half-close support is tolerated.
	plain := NewDebugStream(&bytes.Buffer{}, &logger, 1)
	assert.NoError(t, plain.CloseWrite())
}
