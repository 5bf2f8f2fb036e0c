package datadist

import (
	"testing"

	"github.com/ehrlich-b/datadist/internal/interfaces"
	"github.com/ehrlich-b/datadist/internal/simfabric"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	arena := simfabric.NewArena(16 << 20)
	rt := simfabric.NewRuntime(arena)
	fb := simfabric.NewFabric(arena)
	e := New(rt, fb)
	if err := e.Initialize(Options{
		BufPoolCfg: []BufCfgEntry{{TotalSize: 4 << 20, BlkSize: 4096, MaxBufSize: 64 << 10}},
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { e.Finalize() })
	return e
}

func TestInitializeRejectsNonAscendingBufPoolCfg(t *testing.T) {
	arena := simfabric.NewArena(1 << 20)
	rt := simfabric.NewRuntime(arena)
	fb := simfabric.NewFabric(arena)
	e := New(rt, fb)
	err := e.Initialize(Options{
		BufPoolCfg: []BufCfgEntry{
			{TotalSize: 1 << 20, BlkSize: 8192, MaxBufSize: 8192},
			{TotalSize: 1 << 20, BlkSize: 4096, MaxBufSize: 4096},
		},
	})
	if !IsStatus(err, StatusParamInvalid) {
		t.Fatalf("Initialize = %v, want StatusParamInvalid", err)
	}
}

func TestInitializeRejectsDoubleInit(t *testing.T) {
	e := newTestEngine(t)
	err := e.Initialize(Options{})
	if !IsStatus(err, StatusAlreadyLink) {
		t.Fatalf("second Initialize = %v, want StatusAlreadyLink", err)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	arena := simfabric.NewArena(1 << 20)
	rt := simfabric.NewRuntime(arena)
	fb := simfabric.NewFabric(arena)
	e := New(rt, fb)
	if err := e.Finalize(); err != nil {
		t.Fatalf("Finalize before Initialize: %v", err)
	}
	if err := e.Initialize(Options{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := e.Finalize(); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	if err := e.Finalize(); err != nil {
		t.Fatalf("second Finalize should be a no-op, got: %v", err)
	}
}

func TestAllocateAndDeallocateCache(t *testing.T) {
	e := newTestEngine(t)
	desc := CacheDesc{Placement: interfaces.MemDevice, NumTensors: 2, Stride: 4096, NumBlocks: 4, BlockStride: 1024}
	id, err := e.AllocateCache(desc)
	if err != nil {
		t.Fatalf("AllocateCache: %v", err)
	}
	c, err := e.lookupCache(id)
	if err != nil {
		t.Fatalf("lookupCache: %v", err)
	}
	if len(c.Addrs) != 2 {
		t.Fatalf("len(Addrs) = %d, want 2", len(c.Addrs))
	}

	if err := e.DeallocateCache(id); err != nil {
		t.Fatalf("DeallocateCache: %v", err)
	}
	if _, err := e.lookupCache(id); !IsStatus(err, StatusKvCacheNotExist) {
		t.Fatalf("lookupCache after dealloc = %v, want StatusKvCacheNotExist", err)
	}
	// Idempotent: deallocating an already-gone cache is not an error.
	if err := e.DeallocateCache(id); err != nil {
		t.Fatalf("second DeallocateCache: %v", err)
	}
}

func TestAllocateCacheRejectsBadDesc(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.AllocateCache(CacheDesc{NumTensors: 0, Stride: 1})
	if !IsStatus(err, StatusParamInvalid) {
		t.Fatalf("AllocateCache(num_tensors=0) = %v, want StatusParamInvalid", err)
	}
}

func TestRegisterAndUnregisterKvCache(t *testing.T) {
	e := newTestEngine(t)
	desc := CacheDesc{Placement: interfaces.MemHost, NumTensors: 2, Stride: 256, NumBlocks: 1, BlockStride: 256}
	id, err := e.RegisterKvCache(desc, []uint64{0x1000, 0x2000})
	if err != nil {
		t.Fatalf("RegisterKvCache: %v", err)
	}
	c, err := e.lookupCache(id)
	if err != nil {
		t.Fatalf("lookupCache: %v", err)
	}
	if !c.Adopted {
		t.Error("registered cache should be marked Adopted")
	}

	if err := e.UnregisterKvCache(id); err != nil {
		t.Fatalf("UnregisterKvCache: %v", err)
	}
	if _, err := e.lookupCache(id); !IsStatus(err, StatusKvCacheNotExist) {
		t.Fatalf("lookupCache after unregister = %v, want StatusKvCacheNotExist", err)
	}
}

func TestRegisterKvCacheRejectsAddrCountMismatch(t *testing.T) {
	e := newTestEngine(t)
	desc := CacheDesc{NumTensors: 2, Stride: 256, NumBlocks: 1, BlockStride: 256}
	_, err := e.RegisterKvCache(desc, []uint64{0x1000})
	if !IsStatus(err, StatusParamInvalid) {
		t.Fatalf("RegisterKvCache(mismatched addrs) = %v, want StatusParamInvalid", err)
	}
}

func TestCopyKvBlocksFanOut(t *testing.T) {
	e := newTestEngine(t)
	desc := CacheDesc{Placement: interfaces.MemDevice, NumTensors: 1, Stride: 4096, NumBlocks: 4, BlockStride: 1024}
	srcID, err := e.AllocateCache(desc)
	if err != nil {
		t.Fatalf("AllocateCache src: %v", err)
	}
	dst1ID, err := e.AllocateCache(desc)
	if err != nil {
		t.Fatalf("AllocateCache dst1: %v", err)
	}
	dst2ID, err := e.AllocateCache(desc)
	if err != nil {
		t.Fatalf("AllocateCache dst2: %v", err)
	}

	src, _ := e.lookupCache(srcID)
	payload := make([]byte, desc.BlockStride)
	for i := range payload {
		payload[i] = 0x42
	}
	if err := e.rt.(*simfabric.Runtime).CopyIn(src.blockAddr(0, 0), payload); err != nil {
		t.Fatalf("seed src block: %v", err)
	}

	if err := e.CopyKvBlocks(srcID, []uint64{dst1ID, dst2ID}, []int{0}, [][]int{{0}, {1}}); err != nil {
		t.Fatalf("CopyKvBlocks: %v", err)
	}

	dst1, _ := e.lookupCache(dst1ID)
	dst2, _ := e.lookupCache(dst2ID)
	got1 := make([]byte, desc.BlockStride)
	got2 := make([]byte, desc.BlockStride)
	e.rt.(*simfabric.Runtime).CopyOut(dst1.blockAddr(0, 0), got1)
	e.rt.(*simfabric.Runtime).CopyOut(dst2.blockAddr(0, 1), got2)
	for i := range payload {
		if got1[i] != payload[i] || got2[i] != payload[i] {
			t.Fatalf("copied block mismatch at byte %d", i)
		}
	}

	snap := e.metrics.Snapshot()
	if snap.CopyOps != 1 {
		t.Errorf("CopyOps = %d, want 1", snap.CopyOps)
	}
}

func TestPullKvBlocksDirectDeviceToDevicePath(t *testing.T) {
	e := newTestEngine(t)
	localDesc := CacheDesc{Placement: interfaces.MemDevice, NumTensors: 1, Stride: 4096, NumBlocks: 4, BlockStride: 1024}
	dstID, err := e.AllocateCache(localDesc)
	if err != nil {
		t.Fatalf("AllocateCache dst: %v", err)
	}

	// Stand in for a remote cache living in the same shared arena: this
	// repository's simulated fabric resolves an un-imported remote address
	// directly against the shared arena (see internal/simfabric), so a
	// device-placed "remote" cache can be exercised without a second process.
	remoteDesc := CacheDesc{Placement: interfaces.MemDevice, NumTensors: 1, Stride: 4096, NumBlocks: 4, BlockStride: 1024}
	remoteAddr, err := e.rt.Malloc(remoteDesc.Stride)
	if err != nil {
		t.Fatalf("malloc remote: %v", err)
	}
	payload := make([]byte, remoteDesc.BlockStride)
	for i := range payload {
		payload[i] = 0x7a
	}
	if err := e.rt.(*simfabric.Runtime).CopyIn(remoteAddr+2*remoteDesc.BlockStride, payload); err != nil {
		t.Fatalf("seed remote block: %v", err)
	}
	e.ResolveRemoteCache("cluster-a", 99, remoteDesc, []uint64{remoteAddr})

	if err := e.PullKvBlocks("cluster-a", 99, dstID, []int{2}, []int{1}); err != nil {
		t.Fatalf("PullKvBlocks: %v", err)
	}

	dst, _ := e.lookupCache(dstID)
	got := make([]byte, remoteDesc.BlockStride)
	e.rt.(*simfabric.Runtime).CopyOut(dst.blockAddr(0, 1), got)
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("pulled block mismatch at byte %d", i)
		}
	}

	snap := e.metrics.Snapshot()
	if snap.PullOps != 1 {
		t.Errorf("PullOps = %d, want 1", snap.PullOps)
	}
}

func TestPullKvBlocksRejectsUnlinkedCluster(t *testing.T) {
	e := newTestEngine(t)
	desc := CacheDesc{Placement: interfaces.MemDevice, NumTensors: 1, Stride: 4096, NumBlocks: 1, BlockStride: 4096}
	dstID, _ := e.AllocateCache(desc)
	err := e.PullKvBlocks("never-linked", 1, dstID, []int{0}, []int{0})
	if !IsStatus(err, StatusNotYetLink) {
		t.Fatalf("PullKvBlocks on unlinked cluster = %v, want StatusNotYetLink", err)
	}
}

func TestSetRoleRefusedWithoutFeatureFlag(t *testing.T) {
	e := newTestEngine(t)
	err := e.SetRole(0)
	if !IsStatus(err, StatusFeatureNotEnabled) {
		t.Fatalf("SetRole without EnableSwitchRole = %v, want StatusFeatureNotEnabled", err)
	}
}

func TestValidateBlocksRejectsOutOfRange(t *testing.T) {
	if err := validateBlocks(4, []int{0, 3}); err != nil {
		t.Fatalf("validateBlocks in range: %v", err)
	}
	if err := validateBlocks(4, []int{4}); !IsStatus(err, StatusParamInvalid) {
		t.Fatalf("validateBlocks out of range = %v, want StatusParamInvalid", err)
	}
}

func TestDirectRequiresBothDevicePlacement(t *testing.T) {
	if !direct(interfaces.MemDevice, interfaces.MemDevice) {
		t.Error("device-device should be direct")
	}
	if direct(interfaces.MemDevice, interfaces.MemHost) {
		t.Error("device-host should not be direct")
	}
	if direct(interfaces.MemHost, interfaces.MemHost) {
		t.Error("host-host should not be direct")
	}
}
