// Package channel implements one peer control endpoint: a non-blocking
// socket, a receive-side framing state machine, and the heartbeat/transfer
// bookkeeping the channel manager and transfer services coordinate against.
package channel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/datadist/internal/bufpool"
	"github.com/ehrlich-b/datadist/internal/constants"
	"github.com/ehrlich-b/datadist/internal/wire"
)

// Type distinguishes which side of a control connection this channel is.
type Type int

const (
	Client Type = iota
	Server
)

// RecvState is the receive-side framing state machine: every channel starts
// waiting for a header, then waits for that header's declared body, then
// returns to waiting for the next header.
type RecvState int

const (
	WaitingForHeader RecvState = iota
	WaitingForBody
)

// Key identifies a channel by (type, peer id), unique per spec.md's
// exactly-one-channel-per-peer invariant.
type Key struct {
	Type Type
	ID   uint64
}

// Channel is one peer endpoint: a non-blocking control fd plus the receive
// framer and lifecycle flags the channel manager drives.
type Channel struct {
	Key Key

	fd int

	mu sync.Mutex // transfer mutex: held for the duration of control-plane work

	lastHeartbeat atomic.Int64 // unix nanos
	transferCount atomic.Int32
	hasTransferred atomic.Bool
	disconnecting  atomic.Bool
	closed         atomic.Bool

	recvState    RecvState
	recvBuf      []byte
	recvLen      int // bytes currently buffered
	pendingHdr   wire.Header
}

const initialRecvBufSize = 4096

// NewClient creates a client-side channel and connects to addr (host:port).
func NewClient(id uint64, addr unix.Sockaddr) (*Channel, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("channel: socket: %w", err)
	}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("channel: connect: %w", err)
	}
	c := newChannel(Key{Type: Client, ID: id}, fd)
	if err := c.Initialize(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return c, nil
}

// NewServer wraps an fd handed to the channel manager by its accept loop.
func NewServer(id uint64, fd int) (*Channel, error) {
	c := newChannel(Key{Type: Server, ID: id}, fd)
	if err := c.Initialize(); err != nil {
		return nil, err
	}
	return c, nil
}

func newChannel(key Key, fd int) *Channel {
	c := &Channel{
		Key:     key,
		fd:      fd,
		recvBuf: make([]byte, initialRecvBufSize),
		recvState: WaitingForHeader,
	}
	c.lastHeartbeat.Store(time.Now().UnixNano())
	return c
}

// Initialize sets the control fd non-blocking. Connect (client) or accept
// (server) has already happened by the time a Channel exists; this mirrors
// spec.md §4.E's Initialize, minus fabric-stream creation, which the fabric
// transfer service manages per channel id rather than the channel owning it
// directly (see internal/fabric).
func (c *Channel) Initialize() error {
	return unix.SetNonblock(c.fd, true)
}

// FD returns the raw file descriptor, used by the channel manager to
// register/unregister this channel with epoll.
func (c *Channel) FD() int { return c.fd }

// Touch records a heartbeat observation.
func (c *Channel) Touch() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the last time this channel was heard from.
func (c *Channel) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// TransferInProgress reports the current in-flight op counter.
func (c *Channel) TransferInProgress() int32 { return c.transferCount.Load() }

// BeginTransfer/EndTransfer bracket one in-flight op for eviction bookkeeping.
func (c *Channel) BeginTransfer() {
	c.transferCount.Add(1)
	c.hasTransferred.Store(true)
}

func (c *Channel) EndTransfer() {
	c.transferCount.Add(-1)
}

// HasTransferred reports whether this channel has ever carried a transfer,
// used by the eviction policy to prefer idle channels.
func (c *Channel) HasTransferred() bool { return c.hasTransferred.Load() }

// MarkDisconnecting flags the channel for teardown once its in-flight
// counter reaches zero.
func (c *Channel) MarkDisconnecting() { c.disconnecting.Store(true) }

func (c *Channel) Disconnecting() bool { return c.disconnecting.Load() }

// Lock/Unlock expose the transfer mutex directly to callers (SendControlMsg,
// TransferSync) that need to serialize control-plane work per channel.
func (c *Channel) Lock()   { c.mu.Lock() }
func (c *Channel) Unlock() { c.mu.Unlock() }

// Write sends buf in full, retrying on EAGAIN/EINTR until deadline. EPIPE
// and EBADF are terminal: the caller should destroy the channel rather than
// retry, so they are wrapped in ErrNoRetry.
func (c *Channel) Write(buf []byte, deadline time.Time) error {
	for len(buf) > 0 {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrTimeout
		}
		n, err := unix.Write(c.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				time.Sleep(time.Millisecond)
				continue
			}
			if err == unix.EPIPE || err == unix.EBADF {
				return &ErrNoRetry{Inner: err}
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// SendControlMsg encodes and writes a typed payload under the transfer
// mutex and deadline, serialising control-plane sends per spec.md's
// ordering guarantee.
func (c *Channel) SendControlMsg(msgType int32, payload any, deadline time.Time) error {
	buf, err := wire.Encode(msgType, payload)
	if err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	return c.Write(buf, deadline)
}

// SendHeartbeat is SendControlMsg specialised for the heartbeat type.
func (c *Channel) SendHeartbeat(deadline time.Time) error {
	return c.SendControlMsg(constants.MsgTypeHeartbeat, wire.Heartbeat{}, deadline)
}

// ReadFrames drains whatever is currently available on the fd into the
// receive buffer and runs the two-state framer over it, returning every
// complete frame decoded so far. A nil, nil result means no data was ready
// (EAGAIN); io.EOF-equivalent closes are reported as an error.
func (c *Channel) ReadFrames() ([]wire.Frame, error) {
	chunk := bufpool.Get(4096)
	defer bufpool.Put(chunk)
	for {
		n, err := unix.Read(c.fd, chunk)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("channel: peer closed connection")
		}
		c.appendRecv(chunk[:n])
		if n < len(chunk) {
			break // short read: socket drained for now
		}
	}
	return c.drainFrames()
}

func (c *Channel) appendRecv(p []byte) {
	need := c.recvLen + len(p)
	if need > len(c.recvBuf) {
		grown := make([]byte, need*2)
		copy(grown, c.recvBuf[:c.recvLen])
		c.recvBuf = grown
	}
	copy(c.recvBuf[c.recvLen:], p)
	c.recvLen += len(p)
}

// compact shifts the unconsumed tail of the receive buffer to offset 0,
// mirroring the original channel manager's in-place memmove compaction
// instead of ever-growing the buffer across frames.
func (c *Channel) compact(consumed int) {
	remaining := c.recvLen - consumed
	copy(c.recvBuf, c.recvBuf[consumed:c.recvLen])
	c.recvLen = remaining
}

// drainFrames runs the WAITING_FOR_HEADER / WAITING_FOR_BODY state machine
// over whatever is currently buffered, returning every frame it can fully
// decode and compacting the buffer after each.
func (c *Channel) drainFrames() ([]wire.Frame, error) {
	var frames []wire.Frame
	for {
		switch c.recvState {
		case WaitingForHeader:
			if c.recvLen < constants.HeaderSize {
				return frames, nil
			}
			hdr, err := wire.DecodeHeader(c.recvBuf[:constants.HeaderSize])
			if err != nil {
				return frames, err
			}
			if hdr.Magic != constants.WireMagic {
				return frames, wire.ErrBadMagic
			}
			c.pendingHdr = hdr
			c.compact(constants.HeaderSize)
			c.recvState = WaitingForBody
		case WaitingForBody:
			need := int(c.pendingHdr.BodySize)
			if c.recvLen < need {
				return frames, nil
			}
			body := make([]byte, need)
			copy(body, c.recvBuf[:need])
			frame, err := wire.DecodeFrame(c.pendingHdr, body)
			if err != nil {
				return frames, err
			}
			frames = append(frames, frame)
			c.compact(need)
			c.recvState = WaitingForHeader
		}
	}
}

// Finalize closes the fd; the caller (channel manager) is responsible for
// waiting out in-flight transfers first.
func (c *Channel) Finalize() error {
	if c.closed.Swap(true) {
		return nil
	}
	return unix.Close(c.fd)
}

// ErrTimeout is returned by Write when the deadline passes before the
// buffer is fully flushed.
var ErrTimeout = fmt.Errorf("channel: write deadline exceeded")

// ErrNoRetry wraps a terminal socket error (EPIPE/EBADF): the caller must
// destroy the channel rather than retry the write.
type ErrNoRetry struct{ Inner error }

func (e *ErrNoRetry) Error() string { return fmt.Sprintf("channel: no-retry error: %v", e.Inner) }
func (e *ErrNoRetry) Unwrap() error { return e.Inner }
