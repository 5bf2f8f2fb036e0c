package channelmgr

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/datadist/internal/channel"
)

func newTestChannel(t *testing.T, typ channel.Type, id uint64) (*channel.Channel, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	var ch *channel.Channel
	if typ == channel.Server {
		ch, err = channel.NewServer(id, fds[0])
	} else {
		ch, err = channel.NewServer(id, fds[0]) // NewClient dials; reuse NewServer to wrap a bare fd for tests
	}
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	return ch, fds[1]
}

func TestAddChannelRejectsDuplicateKey(t *testing.T) {
	mgr, err := New(Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer mgr.Stop()

	ch1, _ := newTestChannel(t, channel.Client, 1)
	ch2, _ := newTestChannel(t, channel.Client, 1)

	if err := mgr.AddChannel(ch1); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := mgr.AddChannel(ch2); err != ErrAlreadyConnected {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestRemoveChannelIsIdempotent(t *testing.T) {
	mgr, err := New(Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer mgr.Stop()

	ch, _ := newTestChannel(t, channel.Client, 5)
	if err := mgr.AddChannel(ch); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := mgr.RemoveChannel(ch.Key); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := mgr.RemoveChannel(ch.Key); err != nil {
		t.Fatalf("second remove should be a no-op, got: %v", err)
	}
	if mgr.Count() != 0 {
		t.Errorf("count = %d, want 0", mgr.Count())
	}
}

func TestEvictionPrefersNeverTransferredChannels(t *testing.T) {
	mgr, err := New(Config{EvictionEnabled: true, HighWaterMark: 2, LowWaterMark: 2})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer mgr.Stop()

	idleCh, _ := newTestChannel(t, channel.Client, 1)
	busyCh, _ := newTestChannel(t, channel.Client, 2)
	otherIdle, _ := newTestChannel(t, channel.Client, 3)

	busyCh.BeginTransfer() // has transferred, should be preserved

	for _, ch := range []*channel.Channel{idleCh, busyCh, otherIdle} {
		if err := mgr.AddChannel(ch); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	mgr.evict()

	if _, ok := mgr.Get(busyCh.Key); !ok {
		t.Error("busy (transferring) channel should have been preserved")
	}
	if mgr.Count() != 2 {
		t.Errorf("count after eviction = %d, want 2 (low-water mark)", mgr.Count())
	}
}

func TestHeartbeatTouchesChannel(t *testing.T) {
	mgr, err := New(Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer mgr.Stop()

	ch, peerFD := newTestChannel(t, channel.Server, 7)
	if err := mgr.AddChannel(ch); err != nil {
		t.Fatalf("add: %v", err)
	}

	before := ch.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)

	peer, err := channel.NewServer(100, peerFD)
	if err != nil {
		t.Fatalf("wrap peer: %v", err)
	}
	if err := peer.SendHeartbeat(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	mgr.handleReadable(ch.FD())

	if !ch.LastHeartbeat().After(before) {
		t.Error("expected LastHeartbeat to advance after receiving a heartbeat frame")
	}
}
