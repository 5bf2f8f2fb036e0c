package channel

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/datadist/internal/wire"
)

func socketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func TestSendHeartbeatRoundTrip(t *testing.T) {
	fdA, fdB := socketPair(t)
	sender := newChannel(Key{Type: Client, ID: 1}, fdA)
	receiver := newChannel(Key{Type: Server, ID: 1}, fdB)
	if err := sender.Initialize(); err != nil {
		t.Fatalf("init sender: %v", err)
	}
	if err := receiver.Initialize(); err != nil {
		t.Fatalf("init receiver: %v", err)
	}
	defer sender.Finalize()
	defer receiver.Finalize()

	if err := sender.SendHeartbeat(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}

	time.Sleep(10 * time.Millisecond) // let the socketpair buffer deliver
	frames, err := receiver.ReadFrames()
	if err != nil {
		t.Fatalf("read frames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Type != 1 {
		t.Errorf("frame type = %d, want 1 (heartbeat)", frames[0].Type)
	}
}

// TestFramerReassemblesChunkedWrites feeds a single encoded frame to the
// receiver split across several short writes, exercising the in-place
// compaction path across multiple ReadFrames calls.
func TestFramerReassemblesChunkedWrites(t *testing.T) {
	fdA, fdB := socketPair(t)
	receiver := newChannel(Key{Type: Server, ID: 2}, fdB)
	if err := receiver.Initialize(); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer receiver.Finalize()
	defer unix.Close(fdA)

	req := wire.BufferReq{TransferType: "d2h", ReqID: 99, TotalLen: 123}
	full, err := wire.Encode(2, req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	chunkSize := 5
	var frames []wire.Frame
	for i := 0; i < len(full); i += chunkSize {
		end := i + chunkSize
		if end > len(full) {
			end = len(full)
		}
		if _, err := unix.Write(fdA, full[i:end]); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
		got, err := receiver.ReadFrames()
		if err != nil {
			t.Fatalf("read frames: %v", err)
		}
		frames = append(frames, got...)
	}

	if len(frames) != 1 {
		t.Fatalf("expected exactly 1 reassembled frame, got %d", len(frames))
	}
	var gotReq wire.BufferReq
	if err := wire.Unmarshal(frames[0].Body, &gotReq); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if gotReq.ReqID != 99 || gotReq.TotalLen != 123 {
		t.Errorf("reassembled body = %+v, want ReqID=99 TotalLen=123", gotReq)
	}
}

func TestBadMagicReturnsError(t *testing.T) {
	fdA, fdB := socketPair(t)
	receiver := newChannel(Key{Type: Server, ID: 3}, fdB)
	_ = receiver.Initialize()
	defer receiver.Finalize()
	defer unix.Close(fdA)

	bad := make([]byte, 12)
	bad[0] = 0xFF // corrupt magic
	if _, err := unix.Write(fdA, bad); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	_, err := receiver.ReadFrames()
	if err != wire.ErrBadMagic {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
}
