package simfabric

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/datadist/internal/interfaces"
)

// broker is a process-wide registry mapping a share handle to the arena and
// address range it names, standing in for the real fabric's memory-export
// machinery. Exported handles are looked up by any Fabric instance in the
// process, simulating what a real RDMA NIC would do across hosts.
var broker = struct {
	mu      sync.Mutex
	entries map[uint64]brokerEntry
	nextID  uint64
}{entries: make(map[uint64]brokerEntry)}

type brokerEntry struct {
	arena *Arena
	addr  uint64
	len   uint64
}

// Fabric implements interfaces.Fabric over one local Arena. Each peer in a
// simulation owns its own Fabric+Arena pair; MemExport/MemImport go through
// the shared broker above instead of a real wire handshake.
type Fabric struct {
	arena *Arena

	mu          sync.Mutex
	endpoints   map[uint64]bool
	regs        map[interfaces.MemHandle]interfaces.MemDesc
	nextHandle  uint64
	nextEP      uint64
	channels    map[interfaces.ChannelID]bool
	nextChannel uint64

	imports   map[uint64]brokerEntry // local VA -> remote arena/addr/len
	nextImportVA uint64
}

func NewFabric(arena *Arena) *Fabric {
	return &Fabric{
		arena:     arena,
		endpoints: make(map[uint64]bool),
		regs:      make(map[interfaces.MemHandle]interfaces.MemDesc),
		channels:  make(map[interfaces.ChannelID]bool),
		imports:   make(map[uint64]brokerEntry),
		// Imported VAs live in a disjoint address space above the arena so
		// they can never collide with real local offsets.
		nextImportVA: 1 << 40,
	}
}

func (f *Fabric) EndpointCreate(desc any) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEP++
	f.endpoints[f.nextEP] = true
	return f.nextEP, nil
}

func (f *Fabric) EndpointDestroy(handle uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.endpoints[handle] {
		return fmt.Errorf("simfabric: unknown endpoint %d", handle)
	}
	delete(f.endpoints, handle)
	return nil
}

func (f *Fabric) MemRegister(desc interfaces.MemDesc) (interfaces.MemHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHandle++
	h := interfaces.MemHandle(f.nextHandle)
	f.regs[h] = desc
	return h, nil
}

func (f *Fabric) MemUnregister(h interfaces.MemHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.regs[h]; !ok {
		return fmt.Errorf("simfabric: unregister of unknown mem handle %d", h)
	}
	delete(f.regs, h)
	return nil
}

// MemExport publishes the registered region to the broker and returns a
// descriptor encoding the broker key; a real fabric would instead return an
// RDMA rkey/cookie the peer imports over the control channel.
func (f *Fabric) MemExport(endpoint uint64, h interfaces.MemHandle) (interfaces.ShareInfo, error) {
	f.mu.Lock()
	desc, ok := f.regs[h]
	f.mu.Unlock()
	if !ok {
		return interfaces.ShareInfo{}, fmt.Errorf("simfabric: export of unregistered mem handle %d", h)
	}

	broker.mu.Lock()
	broker.nextID++
	key := broker.nextID
	broker.entries[key] = brokerEntry{arena: f.arena, addr: desc.Addr, len: desc.Len}
	broker.mu.Unlock()

	descriptor := make([]byte, 8)
	binary.LittleEndian.PutUint64(descriptor, key)
	return interfaces.ShareInfo{MemHandle: h, Descriptor: descriptor, Len: desc.Len}, nil
}

// MemImport maps a peer's exported region into this endpoint's local VA
// space; the returned address is only meaningful to WriteNBI/ReadNBI calls
// issued through this same Fabric instance.
func (f *Fabric) MemImport(endpoint uint64, info interfaces.ShareInfo) (uint64, error) {
	if len(info.Descriptor) != 8 {
		return 0, fmt.Errorf("simfabric: malformed share descriptor")
	}
	key := binary.LittleEndian.Uint64(info.Descriptor)

	broker.mu.Lock()
	entry, ok := broker.entries[key]
	broker.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("simfabric: no such exported region (key=%d)", key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	va := f.nextImportVA
	f.nextImportVA += entry.len
	f.imports[va] = entry
	return va, nil
}

func (f *Fabric) MemUnimport(localAddr uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.imports[localAddr]; !ok {
		return fmt.Errorf("simfabric: unimport of unmapped address %d", localAddr)
	}
	delete(f.imports, localAddr)
	return nil
}

func (f *Fabric) ChannelCreate(engine uint64, descs []interfaces.ChannelDesc, memHandles []interfaces.MemHandle) ([]interfaces.ChannelID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]interfaces.ChannelID, len(descs))
	for i := range descs {
		f.nextChannel++
		id := interfaces.ChannelID(f.nextChannel)
		f.channels[id] = true
		ids[i] = id
	}
	return ids, nil
}

func (f *Fabric) ChannelDestroy(id interfaces.ChannelID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, id)
	return nil
}

func (f *Fabric) ChannelGetStatus(id interfaces.ChannelID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channels[id] {
		return "connected", nil
	}
	return "closed", nil
}

// resolve translates an address that may be a local arena offset or an
// imported VA into the arena+offset that actually owns the bytes.
func (f *Fabric) resolve(addr uint64, length uint64) (*Arena, uint64, error) {
	f.mu.Lock()
	entry, imported := f.imports[addr]
	f.mu.Unlock()
	if imported {
		if addr+length > addr+entry.len { // transfer longer than the imported span
			return nil, 0, fmt.Errorf("simfabric: transfer overflows imported span")
		}
		return entry.arena, entry.addr, nil
	}
	return f.arena, addr, nil
}

func (f *Fabric) WriteNBI(ch interfaces.ChannelID, dst, src interfaces.TransferDesc) error {
	arena, base, err := f.resolve(dst.RemoteAddr, dst.Length)
	if err != nil {
		return err
	}
	buf := make([]byte, src.Length)
	if err := f.arena.CopyOut(src.LocalAddr, buf); err != nil {
		return err
	}
	return arena.CopyIn(base, buf)
}

func (f *Fabric) ReadNBI(ch interfaces.ChannelID, dst, src interfaces.TransferDesc) error {
	arena, base, err := f.resolve(src.RemoteAddr, src.Length)
	if err != nil {
		return err
	}
	buf := make([]byte, src.Length)
	if err := arena.CopyOut(base, buf); err != nil {
		return err
	}
	return f.arena.CopyIn(dst.LocalAddr, buf)
}

func (f *Fabric) ChannelFence(ch interfaces.ChannelID, timeout time.Duration) error {
	return nil // all copies above are synchronous; fence is a no-op fast path
}

var _ interfaces.Fabric = (*Fabric)(nil)
