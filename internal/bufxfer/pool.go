// Package bufxfer implements the buffer-staged transfer service: bounded
// pools of staging buffers, a per-buffer ready/done flag, and the four
// worker queues that drive the two-phase producer/consumer protocol across
// placements the fabric cannot address directly.
package bufxfer

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/datadist/internal/interfaces"
	"github.com/ehrlich-b/datadist/internal/syncflag"
)

// Buffer is one staging slot: an address in device or host memory plus the
// flag byte its producer/consumer pair uses for hand-off.
type Buffer struct {
	Addr uint64
	Len  uint64
	Flag *syncflag.Flag
}

// Pool is a bounded set of same-sized staging buffers. TryGet/Release back
// directly onto a buffered channel used as the free list, which doubles as
// the wait queue: a blocked TryGet simply blocks on the channel receive.
type Pool struct {
	free chan *Buffer
}

// NewPool allocates count buffers of bufSize bytes from rt and returns a
// Pool fronting them.
func NewPool(rt interfaces.DeviceRuntime, bufSize uint64, count int) (*Pool, error) {
	p := &Pool{free: make(chan *Buffer, count)}
	for i := 0; i < count; i++ {
		addr, err := rt.Malloc(bufSize)
		if err != nil {
			return nil, fmt.Errorf("bufxfer: allocate staging buffer %d/%d: %w", i, count, err)
		}
		p.free <- &Buffer{Addr: addr, Len: bufSize, Flag: &syncflag.Flag{}}
	}
	return p, nil
}

// TryGet waits up to timeout for a free buffer.
func (p *Pool) TryGet(timeout time.Duration) (*Buffer, bool) {
	select {
	case b := <-p.free:
		return b, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Release returns a buffer to the pool, ready after its flag is reset to 0
// for the next producer/consumer pair that picks it up.
func (p *Pool) Release(b *Buffer) {
	b.Flag.Set(0)
	p.free <- b
}
