// Package buffer pools fixed-size byte slices for the copy loops on both
// sides of the tunnel.
package buffer

import (
	"sync"
)

type Pool struct {
	bufferSize int
	buffers    sync.Pool
}

func NewPool(bufferSize int) *Pool {
	return &Pool{
		bufferSize: bufferSize,
		buffers: sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
	}
}

func (p *Pool) Get() []byte {
	return p.buffers.Get().([]byte)
}

// Put returns a buffer to the pool. Buffers that were resliced to a different
// length are dropped so Get always hands out full-size buffers.
func (p *Pool) Put(buf []byte) {
	if len(buf) != p.bufferSize {
		return
	}
	p.buffers.Put(buf)
}
