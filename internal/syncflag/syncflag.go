// Package syncflag implements the single-byte cross-endpoint semaphore used
// by the buffer-staged transfer protocol: one side writes it one-sided over
// the fabric, the other polls and resets it.
package syncflag

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/datadist/internal/constants"
)

// Flag is a byte location that must live in memory mapped by both the
// fabric and the local CPU. In this implementation it is a plain atomic
// value in Go memory, written through Set; it does not live in a simfabric
// arena.
type Flag struct {
	v atomic.Uint32 // 0 = clear, non-zero = set; observed value preserved for Wait's return
}

// Set marks the flag, as a remote one-sided write would.
func (f *Flag) Set(value byte) {
	f.v.Store(uint32(value))
}

// Wait polls the flag until it is non-zero or the deadline passes. On
// success it resets the byte to zero and returns the value it observed.
// Resetting unconditionally after the loop (not just on the success path)
// matches the original's Wait, which always clears the byte before
// returning even when the call is timing out on a value of zero.
func (f *Flag) Wait(deadline time.Time) (value byte, ok bool) {
	for {
		if v := f.v.Load(); v != 0 {
			value = byte(v)
			ok = true
			break
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(constants.SyncFlagPollInterval)
	}
	f.v.Store(0)
	return value, ok
}

// Check polls once with a fixed short deadline, suitable for event-loop
// pacing where the caller cannot afford to block.
func (f *Flag) Check() (value byte, ok bool) {
	return f.Wait(time.Now().Add(constants.SyncFlagCheckDeadline))
}
