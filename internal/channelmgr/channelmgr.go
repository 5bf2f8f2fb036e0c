// Package channelmgr owns the lifecycle of every channel: a map keyed by
// (type, id), an epoll-driven receive loop, a heartbeat sender/reaper, and
// optional high/low-water eviction of idle channels.
package channelmgr

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/datadist/internal/channel"
	"github.com/ehrlich-b/datadist/internal/constants"
	"github.com/ehrlich-b/datadist/internal/logging"
	"github.com/ehrlich-b/datadist/internal/wire"
)

// BufferReqEvent/BufferRespEvent are what the receive loop forwards to the
// buffer transfer service's queues; channelmgr never interprets these
// payloads itself, it only routes them by frame type.
type BufferReqEvent struct {
	ChannelKey channel.Key
	Req        wire.BufferReq
}

type BufferRespEvent struct {
	ChannelKey channel.Key
	Resp       wire.BufferResp
}

// Config parameterises a Manager.
type Config struct {
	HeartbeatInterval time.Duration
	EvictionEnabled   bool
	HighWaterMark     int
	LowWaterMark      int
	Logger            *logging.Logger
}

func (c *Config) normalize() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = constants.DefaultHeartbeatInterval
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = constants.DefaultHighWaterMark
	}
	if c.LowWaterMark == 0 {
		c.LowWaterMark = constants.DefaultLowWaterMark
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

// Manager owns every channel's lifecycle.
type Manager struct {
	cfg Config

	mu          sync.RWMutex
	channels    map[channel.Key]*channel.Channel
	fdToKey     map[int]channel.Key

	epfd int

	stopCh chan struct{}
	wg     sync.WaitGroup

	BufferReqCh  chan BufferReqEvent
	BufferRespCh chan BufferRespEvent
}

// New creates a Manager and its epoll instance.
func New(cfg Config) (*Manager, error) {
	cfg.normalize()
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("channelmgr: epoll_create1: %w", err)
	}
	return &Manager{
		cfg:          cfg,
		channels:     make(map[channel.Key]*channel.Channel),
		fdToKey:      make(map[int]channel.Key),
		epfd:         epfd,
		stopCh:       make(chan struct{}),
		BufferReqCh:  make(chan BufferReqEvent, 256),
		BufferRespCh: make(chan BufferRespEvent, 256),
	}, nil
}

// AddChannel registers a new channel. A second registration for the same
// key is rejected as already-connected, per spec's exactly-one-channel
// invariant.
func (m *Manager) AddChannel(ch *channel.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[ch.Key]; exists {
		return ErrAlreadyConnected
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(ch.FD())}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, ch.FD(), &ev); err != nil {
		return fmt.Errorf("channelmgr: epoll_ctl add: %w", err)
	}
	m.channels[ch.Key] = ch
	m.fdToKey[ch.FD()] = ch.Key
	return nil
}

// ErrAlreadyConnected is returned by AddChannel for a duplicate (type, id).
var ErrAlreadyConnected = fmt.Errorf("channelmgr: already connected")

// RemoveChannel tears down and forgets a channel, regardless of in-flight
// transfers — callers that need to drain first should wait on
// TransferInProgress() before calling this.
func (m *Manager) RemoveChannel(key channel.Key) error {
	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.channels, key)
	delete(m.fdToKey, ch.FD())
	m.mu.Unlock()

	unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, ch.FD(), nil)
	return ch.Finalize()
}

// Get returns the channel for a key, if present.
func (m *Manager) Get(key channel.Key) (*channel.Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[key]
	return ch, ok
}

// Count returns the number of live channels.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Start launches the receive loop and heartbeat loop.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.receiveLoop()
	go m.heartbeatLoop()
}

// Stop signals both loops to exit, waits for them, then finalizes every
// remaining channel.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	keys := make([]channel.Key, 0, len(m.channels))
	for k := range m.channels {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	for _, k := range keys {
		m.RemoveChannel(k)
	}
	unix.Close(m.epfd)
}

func (m *Manager) receiveLoop() {
	defer m.wg.Done()
	events := make([]unix.EpollEvent, 64)
	timeoutMs := int(constants.EpollWaitTimeout / time.Millisecond)
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		n, err := unix.EpollWait(m.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			m.cfg.Logger.Errorf("channelmgr: epoll_wait: %v", err)
			continue
		}
		for i := 0; i < n; i++ {
			m.handleReadable(int(events[i].Fd))
		}
	}
}

func (m *Manager) handleReadable(fd int) {
	m.mu.RLock()
	key, ok := m.fdToKey[fd]
	m.mu.RUnlock()
	if !ok {
		return
	}
	ch, ok := m.Get(key)
	if !ok {
		return
	}

	frames, err := ch.ReadFrames()
	if err != nil {
		m.cfg.Logger.Warnf("channelmgr: channel %+v read error: %v", key, err)
		m.RemoveChannel(key)
		return
	}
	for _, f := range frames {
		m.dispatch(key, ch, f)
	}
}

func (m *Manager) dispatch(key channel.Key, ch *channel.Channel, f wire.Frame) {
	switch f.Type {
	case constants.MsgTypeHeartbeat:
		ch.Touch()
	case constants.MsgTypeBufferRequest:
		var req wire.BufferReq
		if err := wire.Unmarshal(f.Body, &req); err != nil {
			m.cfg.Logger.Warnf("channelmgr: malformed buffer-request: %v", err)
			return
		}
		select {
		case m.BufferReqCh <- BufferReqEvent{ChannelKey: key, Req: req}:
		default:
			m.cfg.Logger.Warnf("channelmgr: buffer-request queue full, dropping req_id=%d", req.ReqID)
		}
	case constants.MsgTypeBufferResponse:
		var resp wire.BufferResp
		if err := wire.Unmarshal(f.Body, &resp); err != nil {
			m.cfg.Logger.Warnf("channelmgr: malformed buffer-response: %v", err)
			return
		}
		select {
		case m.BufferRespCh <- BufferRespEvent{ChannelKey: key, Resp: resp}:
		default:
			m.cfg.Logger.Warnf("channelmgr: buffer-response queue full, dropping req_id=%d", resp.ReqID)
		}
	default:
		m.cfg.Logger.Debugf("channelmgr: ignoring unknown frame type %d (forward compat)", f.Type)
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sendHeartbeats()
			m.reapTimedOut()
			if m.cfg.EvictionEnabled {
				m.evict()
			}
		}
	}
}

func (m *Manager) sendHeartbeats() {
	m.mu.RLock()
	var clients []*channel.Channel
	for k, ch := range m.channels {
		if k.Type == channel.Client {
			clients = append(clients, ch)
		}
	}
	m.mu.RUnlock()

	deadline := time.Now().Add(m.cfg.HeartbeatInterval)
	for _, ch := range clients {
		if err := ch.SendHeartbeat(deadline); err != nil {
			m.cfg.Logger.Warnf("channelmgr: heartbeat send failed for %+v: %v", ch.Key, err)
		}
	}
}

func (m *Manager) reapTimedOut() {
	timeout := constants.HeartbeatTimeoutMultiple * m.cfg.HeartbeatInterval
	m.mu.RLock()
	var stale []channel.Key
	for k, ch := range m.channels {
		if k.Type == channel.Server && time.Since(ch.LastHeartbeat()) > timeout {
			stale = append(stale, k)
		}
	}
	m.mu.RUnlock()

	for _, k := range stale {
		m.cfg.Logger.Infof("channelmgr: channel %+v missed heartbeat deadline, destroying", k)
		m.RemoveChannel(k)
	}
}

// evict selects channels preferring ones that have never transferred,
// skipping channels that are already disconnecting or that have in-flight
// transfers, and evicts down to the low-water mark once the count exceeds
// the high-water mark.
func (m *Manager) evict() {
	m.mu.RLock()
	count := len(m.channels)
	if count <= m.cfg.HighWaterMark {
		m.mu.RUnlock()
		return
	}
	type candidate struct {
		key channel.Key
		ch  *channel.Channel
	}
	var candidates []candidate
	for k, ch := range m.channels {
		if ch.Disconnecting() {
			continue
		}
		if ch.TransferInProgress() > 0 {
			continue
		}
		candidates = append(candidates, candidate{key: k, ch: ch})
	}
	m.mu.RUnlock()

	// Prefer channels that have never transferred: sort has-transferred
	// (false first) so idle channels are evicted before ones with history.
	sort.SliceStable(candidates, func(i, j int) bool {
		return !candidates[i].ch.HasTransferred() && candidates[j].ch.HasTransferred()
	})

	toEvict := count - m.cfg.LowWaterMark
	for i := 0; i < toEvict && i < len(candidates); i++ {
		c := candidates[i]
		if c.ch.TransferInProgress() > 0 {
			c.ch.MarkDisconnecting()
			continue
		}
		m.cfg.Logger.Infof("channelmgr: evicting idle channel %+v under load", c.key)
		m.RemoveChannel(c.key)
	}
}
