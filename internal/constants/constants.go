// Package constants collects the default tunables shared across the
// transfer engine's components.
package constants

import "time"

// Wire framing.
const (
	// WireMagic opens every control frame; mismatched magic closes the channel.
	WireMagic uint32 = 0xA1B2C3D4

	// HeaderSize is the fixed-width prefix: magic(4) + body_size(8).
	HeaderSize = 4 + 8
)

// Control message types, carried in the frame's type field.
const (
	MsgTypeHeartbeat      int32 = 1
	MsgTypeBufferRequest  int32 = 2
	MsgTypeBufferResponse int32 = 3
)

// Channel manager timing.
//
// The heartbeat loop and the receive loop run on independent cadences, as in
// the original epoll-based channel manager: the receiver never blocks longer
// than its epoll timeout, so a stuck heartbeat sender cannot wedge the
// receive path, and vice versa.
const (
	// DefaultHeartbeatInterval is how often a client channel sends a heartbeat.
	DefaultHeartbeatInterval = 10 * time.Second

	// HeartbeatTimeoutMultiple is how many missed intervals the server
	// tolerates before it marks a channel timed out and destroys it.
	HeartbeatTimeoutMultiple = 2

	// EpollWaitTimeout bounds each epoll_wait call in the receive loop so the
	// loop can observe a stop flag and re-check heartbeat deadlines promptly.
	EpollWaitTimeout = 1 * time.Second
)

// Eviction (optional, config-gated).
const (
	DefaultHighWaterMark = 8
	DefaultLowWaterMark  = 5
)

// Task-block generation.
const (
	// DefaultMaxCoalescedSpan caps how large a coalesced contiguous-block run
	// may grow before it is emitted as its own transfer-block task.
	DefaultMaxCoalescedSpan = 4 << 20 // 4 MiB

	// MaxContiguousSubTasks bounds how many block sub-tasks one buffer fill
	// may absorb even if the buffer has room for more.
	MaxContiguousSubTasks = 64
)

// Link manager.
const (
	// MaxLinkWorkers is the size of the parallel link/unlink worker pool.
	MaxLinkWorkers = 16

	// MemcpyWorkers sizes a host-side chunked memcpy pool; no package in
	// this repository references it.
	MemcpyWorkers = 8
)

// Buffer transfer service.
const (
	// TimeoutSafetyMargin is subtracted from every caller deadline before it
	// is handed to a staging-buffer wait, so a wait never outlives the
	// deadline it is meant to honor.
	TimeoutSafetyMargin = 500 * time.Microsecond

	// SyncFlagPollInterval is how often Wait re-polls the flag byte.
	SyncFlagPollInterval = 50 * time.Microsecond

	// SyncFlagCheckDeadline is Check's fixed, short poll window.
	SyncFlagCheckDeadline = 1 * time.Millisecond
)

// CLI listening ports (spec.md §6).
const (
	PromptListenPort  = 26000
	DecoderListenPort = 26001
)
