package simfabric

import (
	"bytes"
	"testing"

	"github.com/ehrlich-b/datadist/internal/interfaces"
)

func TestFabricExportImportWriteRead(t *testing.T) {
	promptArena := NewArena(4096)
	decoderArena := NewArena(4096)
	promptFabric := NewFabric(promptArena)
	decoderFabric := NewFabric(decoderArena)

	ep, err := promptFabric.EndpointCreate(nil)
	if err != nil {
		t.Fatalf("endpoint create: %v", err)
	}

	payload := []byte("hello-kv-cache-block")
	if err := promptArena.CopyIn(0, payload); err != nil {
		t.Fatalf("seed arena: %v", err)
	}

	h, err := promptFabric.MemRegister(interfaces.MemDesc{Addr: 0, Len: uint64(len(payload)), Type: interfaces.MemDevice})
	if err != nil {
		t.Fatalf("mem register: %v", err)
	}
	share, err := promptFabric.MemExport(ep, h)
	if err != nil {
		t.Fatalf("mem export: %v", err)
	}

	decoderEP, _ := decoderFabric.EndpointCreate(nil)
	remoteVA, err := decoderFabric.MemImport(decoderEP, share)
	if err != nil {
		t.Fatalf("mem import: %v", err)
	}

	dstAddr := uint64(1024)
	err = decoderFabric.ReadNBI(0,
		interfaces.TransferDesc{LocalAddr: dstAddr, Length: uint64(len(payload))},
		interfaces.TransferDesc{RemoteAddr: remoteVA, Length: uint64(len(payload))},
	)
	if err != nil {
		t.Fatalf("read nbi: %v", err)
	}

	got := make([]byte, len(payload))
	if err := decoderArena.CopyOut(dstAddr, got); err != nil {
		t.Fatalf("copy out: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("read nbi result = %q, want %q", got, payload)
	}
}

func TestRuntimeMallocStreamEventLifecycle(t *testing.T) {
	arena := NewArena(1024)
	rt := NewRuntime(arena)

	a, err := rt.Malloc(128)
	if err != nil {
		t.Fatalf("malloc: %v", err)
	}
	b, err := rt.Malloc(128)
	if err != nil {
		t.Fatalf("malloc: %v", err)
	}
	if a == b {
		t.Fatal("two mallocs returned the same address")
	}

	stream, err := rt.StreamCreate(0)
	if err != nil {
		t.Fatalf("stream create: %v", err)
	}
	if err := arena.CopyIn(a, []byte("abc")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := rt.MemcpyAsync(stream, b, a, 3, interfaces.CopyD2D); err != nil {
		t.Fatalf("memcpy async: %v", err)
	}
	if err := rt.StreamSynchronize(stream, 0); err != nil {
		t.Fatalf("sync: %v", err)
	}

	ev, err := rt.EventCreate()
	if err != nil {
		t.Fatalf("event create: %v", err)
	}
	if err := rt.EventRecord(ev, stream); err != nil {
		t.Fatalf("event record: %v", err)
	}
	done, err := rt.EventQueryStatus(ev)
	if err != nil || !done {
		t.Fatalf("event query status = %v, %v; want true, nil", done, err)
	}

	got := make([]byte, 3)
	_ = arena.CopyOut(b, got)
	if string(got) != "abc" {
		t.Errorf("memcpy async result = %q, want abc", got)
	}
}
