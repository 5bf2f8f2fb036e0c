package bufxfer

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/datadist/internal/channel"
	"github.com/ehrlich-b/datadist/internal/channelmgr"
	"github.com/ehrlich-b/datadist/internal/fabric"
	"github.com/ehrlich-b/datadist/internal/interfaces"
	"github.com/ehrlich-b/datadist/internal/simfabric"
)

// newConnectedPair wires up two independent channel managers and bufxfer
// services over a socketpair, simulating a prompt process and a decoder
// process that happen to share this test's address space.
func newConnectedPair(t *testing.T) (chA *channel.Channel, svcA *Service, chB *channel.Channel, svcB *Service, rt *simfabric.Runtime) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	arena := simfabric.NewArena(1 << 20)
	rt = simfabric.NewRuntime(arena)
	fb := simfabric.NewFabric(arena)
	fabSvc := fabric.New(rt, fb, 4)

	mgrA, err := channelmgr.New(channelmgr.Config{})
	if err != nil {
		t.Fatalf("new mgr a: %v", err)
	}
	mgrB, err := channelmgr.New(channelmgr.Config{})
	if err != nil {
		t.Fatalf("new mgr b: %v", err)
	}

	chA, err = channel.NewServer(1, fds[0])
	if err != nil {
		t.Fatalf("wrap chA: %v", err)
	}
	chB, err = channel.NewServer(1, fds[1])
	if err != nil {
		t.Fatalf("wrap chB: %v", err)
	}
	if err := mgrA.AddChannel(chA); err != nil {
		t.Fatalf("add chA: %v", err)
	}
	if err := mgrB.AddChannel(chB); err != nil {
		t.Fatalf("add chB: %v", err)
	}
	mgrA.Start()
	mgrB.Start()
	t.Cleanup(func() {
		mgrA.Stop()
		mgrB.Stop()
	})

	cfg := Config{DeviceBufSize: 64 << 10, DeviceBufCount: 2, HostBufSize: 64 << 10, HostBufCount: 2}
	svcA, err = New(cfg, rt, fabSvc, mgrA)
	if err != nil {
		t.Fatalf("new svcA: %v", err)
	}
	svcB, err = New(cfg, rt, fabSvc, mgrB)
	if err != nil {
		t.Fatalf("new svcB: %v", err)
	}
	svcA.Start()
	svcB.Start()
	t.Cleanup(func() {
		svcA.Stop()
		svcB.Stop()
	})

	return chA, svcA, chB, svcB, rt
}

func TestRequestTransferPullRoundTrip(t *testing.T) {
	chA, svcA, _, _, rt := newConnectedPair(t)

	payload := []byte("staged-kv-block-payload")
	srcAddr, err := rt.Malloc(uint64(len(payload)))
	if err != nil {
		t.Fatalf("malloc src: %v", err)
	}

	dstAddr, err := rt.Malloc(uint64(len(payload)))
	if err != nil {
		t.Fatalf("malloc dst: %v", err)
	}

	seedArenaBytes(t, rt, srcAddr, payload)

	err = svcA.RequestTransfer(chA, TransferPull, dstAddr, interfaces.MemDevice, interfaces.MemDevice, uint64(len(payload)), []uint64{srcAddr}, nil, []uint64{uint64(len(payload))}, 2*time.Second)
	if err != nil {
		t.Fatalf("request transfer: %v", err)
	}

	got := readArenaBytes(t, rt, dstAddr, len(payload))
	if string(got) != string(payload) {
		t.Errorf("pulled bytes = %q, want %q", got, payload)
	}
}

func TestRequestTransferPushRoundTrip(t *testing.T) {
	chA, svcA, _, _, rt := newConnectedPair(t)

	payload := []byte("push-direction-payload")
	srcAddr, err := rt.Malloc(uint64(len(payload)))
	if err != nil {
		t.Fatalf("malloc src: %v", err)
	}
	dstAddr, err := rt.Malloc(uint64(len(payload)))
	if err != nil {
		t.Fatalf("malloc dst: %v", err)
	}
	seedArenaBytes(t, rt, srcAddr, payload)

	err = svcA.RequestTransfer(chA, TransferPush, srcAddr, interfaces.MemDevice, interfaces.MemDevice, uint64(len(payload)), nil, []uint64{dstAddr}, []uint64{uint64(len(payload))}, 2*time.Second)
	if err != nil {
		t.Fatalf("request transfer: %v", err)
	}

	// The drain into dstAddr happens asynchronously once the release request
	// is processed by the responder's first-step worker; give it a moment.
	time.Sleep(50 * time.Millisecond)
	got := readArenaBytes(t, rt, dstAddr, len(payload))
	if string(got) != string(payload) {
		t.Errorf("pushed bytes = %q, want %q", got, payload)
	}
}

func TestRequestTransferTimesOutWhenPoolExhausted(t *testing.T) {
	chA, svcA, _, svcB, rt := newConnectedPair(t)

	// Exhaust the responder's device pool directly so the next request can't
	// get a buffer before its deadline.
	held := make([]*Buffer, 0, 2)
	for i := 0; i < 2; i++ {
		b, ok := svcB.devicePool.TryGet(time.Millisecond)
		if !ok {
			t.Fatalf("failed to pre-exhaust pool slot %d", i)
		}
		held = append(held, b)
	}
	defer func() {
		for _, b := range held {
			svcB.devicePool.Release(b)
		}
	}()

	srcAddr, _ := rt.Malloc(16)
	err := svcA.RequestTransfer(chA, TransferPull, srcAddr, interfaces.MemDevice, interfaces.MemDevice, 16, []uint64{srcAddr}, nil, []uint64{16}, time.Second)
	if err == nil {
		t.Fatal("expected an error when the responder pool is exhausted")
	}
}

func seedArenaBytes(t *testing.T, rt *simfabric.Runtime, addr uint64, data []byte) {
	t.Helper()
	if err := rt.CopyIn(addr, data); err != nil {
		t.Fatalf("seed arena: %v", err)
	}
}

func readArenaBytes(t *testing.T, rt *simfabric.Runtime, addr uint64, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	if err := rt.CopyOut(addr, out); err != nil {
		t.Fatalf("read arena: %v", err)
	}
	return out
}
