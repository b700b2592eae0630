package stream

import (
	"io"

	"github.com/chuantou/chuantou/buffer"
)

const defaultBufferSize = 16 * 1024

var copyBuffers = buffer.NewPool(defaultBufferSize)

// Copy is io.Copy with a pooled intermediate buffer. When either side
// implements its own transfer path (io.WriterTo / io.ReaderFrom) the buffer
// is skipped so stdlib fast paths like sendfile still apply.
func Copy(dst io.Writer, src io.Reader) (written int64, err error) {
	_, okWriteTo := src.(io.WriterTo)
	_, okReadFrom := dst.(io.ReaderFrom)
	var buf []byte = nil

	if !(okWriteTo || okReadFrom) {
		buf = copyBuffers.Get()
		defer copyBuffers.Put(buf)
	}

	return io.CopyBuffer(dst, src, buf)
}
