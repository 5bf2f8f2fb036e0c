// Package interfaces defines the capability surfaces the core consumes from
// the fabric library and the device runtime, kept separate from their
// implementations to avoid import cycles between internal/fabric,
// internal/channel and internal/simfabric.
package interfaces

import "time"

// MemType distinguishes host from device memory for registration/copy calls.
type MemType int

const (
	MemHost MemType = iota
	MemDevice
)

// MemDesc describes a local memory region to register with the fabric.
type MemDesc struct {
	Addr uint64
	Len  uint64
	Type MemType
}

// MemHandle identifies a registered region within the fabric.
type MemHandle uint64

// ShareInfo is the opaque, peer-importable descriptor produced by
// MemExport and consumed by MemImport.
type ShareInfo struct {
	MemHandle  MemHandle
	Descriptor []byte
	Len        uint64
}

// ChannelDesc describes a fabric channel to create (one per peer stream).
type ChannelDesc struct {
	PeerAddr string
	Engine   uint64
}

// ChannelID identifies a fabric channel (distinct from the control-plane
// Channel in internal/channel, which wraps both the control socket and one
// of these).
type ChannelID uint64

// Op distinguishes a one-sided read from a one-sided write.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// TransferDesc is one leg of a batched one-sided transfer.
type TransferDesc struct {
	LocalAddr  uint64
	RemoteAddr uint64
	Length     uint64
}

// Fabric is the capability surface spec.md §6 requires the runtime to
// supply: endpoint lifecycle, memory registration/export/import, channel
// lifecycle, and non-blocking one-sided read/write with fences.
type Fabric interface {
	EndpointCreate(desc any) (handle uint64, err error)
	EndpointDestroy(handle uint64) error

	MemRegister(desc MemDesc) (MemHandle, error)
	MemUnregister(h MemHandle) error
	MemExport(endpoint uint64, h MemHandle) (ShareInfo, error)
	MemImport(endpoint uint64, info ShareInfo) (localAddr uint64, err error)
	MemUnimport(localAddr uint64) error

	ChannelCreate(engine uint64, descs []ChannelDesc, memHandles []MemHandle) ([]ChannelID, error)
	ChannelDestroy(id ChannelID) error
	ChannelGetStatus(id ChannelID) (string, error)

	WriteNBI(ch ChannelID, dst, src TransferDesc) error
	ReadNBI(ch ChannelID, dst, src TransferDesc) error
	ChannelFence(ch ChannelID, timeout time.Duration) error
}

// Stream is a hardware stream handle returned by the device runtime,
// analogous to an io_uring submission ring but for async memcpy/events.
type StreamHandle uint64

// EventHandle tracks completion of work posted to a stream.
type EventHandle uint64

// CopyDirection mirrors the runtime's memcpy direction enum.
type CopyDirection int

const (
	CopyH2H CopyDirection = iota
	CopyH2D
	CopyD2H
	CopyD2D
)

// DeviceRuntime is the capability surface for the underlying accelerator:
// device/context selection, alloc/free, synchronous and async memcpy, and
// stream/event lifecycle.
type DeviceRuntime interface {
	SetDevice(id int) error
	ContextGet() (uint64, error)
	ContextSet(ctx uint64) error

	Malloc(size uint64) (addr uint64, err error)
	Free(addr uint64) error

	Memcpy(dst, src uint64, size uint64, dir CopyDirection) error
	MemcpyAsync(stream StreamHandle, dst, src uint64, size uint64, dir CopyDirection) error

	StreamCreate(priority int) (StreamHandle, error)
	StreamAbort(s StreamHandle) error
	StreamDestroy(s StreamHandle) error
	StreamSynchronize(s StreamHandle, timeout time.Duration) error

	EventCreate() (EventHandle, error)
	EventRecord(e EventHandle, s StreamHandle) error
	EventQueryStatus(e EventHandle) (done bool, err error)
	EventDestroy(e EventHandle) error

	GetMemInfo() (free, total uint64, err error)
}
