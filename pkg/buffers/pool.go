// Package buffers pools the fixed-size byte slices the receive loops read
// datagrams into.
package buffers

import (
	"sync"
	"sync/atomic"
)

// DatagramSize is large enough for any datagram the tracker exchanges on an
// Ethernet-sized path.
const DatagramSize = 1500

// Pool hands out slices of one fixed length.
type Pool struct {
	pool   sync.Pool
	size   int
	allocs atomic.Uint64
}

func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() any {
		p.allocs.Add(1)
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size is the length of the slices returned by Get.
func (p *Pool) Size() int { return p.size }

// Allocs counts slices the pool had to allocate rather than reuse.
func (p *Pool) Allocs() uint64 { return p.allocs.Load() }

// Get returns a slice of Size bytes. Contents are not zeroed.
func (p *Pool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put recycles b. Slices too small for the pool are left to the GC.
func (p *Pool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

// DatagramPool backs the receive loops of the engine and the simulator.
var DatagramPool = NewPool(DatagramSize)
