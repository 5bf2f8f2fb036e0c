package bufxfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/datadist/internal/channel"
	"github.com/ehrlich-b/datadist/internal/channelmgr"
	"github.com/ehrlich-b/datadist/internal/constants"
	"github.com/ehrlich-b/datadist/internal/fabric"
	"github.com/ehrlich-b/datadist/internal/interfaces"
	"github.com/ehrlich-b/datadist/internal/logging"
	"github.com/ehrlich-b/datadist/internal/wire"
)

// Transfer-type tags carried in wire.BufferReq.TransferType. "pull"/"push"
// describe which direction the requester wants bytes to move; "release" is a
// follow-up request from the original requester telling the responder it is
// done reading/writing the staged buffer and it may be returned to its pool.
const (
	TransferPull    = "pull"
	TransferPush    = "push"
	TransferRelease = "release"
)

// outboundMsg is one frame queued for the dedicated sender worker, so the
// staging and completion workers never block on socket I/O themselves.
type outboundMsg struct {
	key     channel.Key
	msgType int32
	payload any
}

// pendingRequest is kept on the requester side between sending a BufferReq
// and receiving its BufferResp.
type pendingRequest struct {
	op            string
	localAddr     uint64
	localMemType  interfaces.MemType // placement of localAddr, this side's own cache
	remoteMemType interfaces.MemType // placement of the peer's cache, i.e. the staged buffer's type
	length        uint64
	done          chan error
}

// stagedBuffer is kept on the responder side between handing a buffer out in
// a BufferResp and receiving the matching release request (or timing out).
type stagedBuffer struct {
	buf        *Buffer
	pool       *Pool
	stagedAt   time.Time
	direction  string // TransferPull: buffer holds data for requester to read; TransferPush: buffer awaits a write from the requester
	memType    interfaces.MemType // placement of dstAddrs/the buffer's own pool, for the release-time drain copy
	dstAddrs   []uint64
	bufferLens []uint64
}

// Config parameterises a Service.
type Config struct {
	DeviceBufSize uint64
	DeviceBufCount int
	HostBufSize   uint64
	HostBufCount  int
	Logger        *logging.Logger
}

func (c *Config) normalize() {
	if c.DeviceBufSize == 0 {
		c.DeviceBufSize = 4 << 20
	}
	if c.DeviceBufCount == 0 {
		c.DeviceBufCount = 8
	}
	if c.HostBufSize == 0 {
		c.HostBufSize = 4 << 20
	}
	if c.HostBufCount == 0 {
		c.HostBufCount = 8
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

// Service is component H: the buffer-staged transfer service used whenever
// the fabric cannot address a remote tensor directly and bytes must bounce
// through a local staging pool instead.
type Service struct {
	cfg Config

	devicePool *Pool
	hostPool   *Pool

	rt  interfaces.DeviceRuntime
	fb  *fabric.Service
	mgr *channelmgr.Manager // non-owning: Service never owns channel lifecycle

	outboundCh chan outboundMsg
	stopCh     chan struct{}
	wg         sync.WaitGroup

	mu      sync.Mutex
	pending map[uint64]*pendingRequest // requester side, keyed by req_id
	staged  map[uint64]*stagedBuffer   // responder side, keyed by req_id
	nextReq uint64
}

// New builds a Service with its device and host staging pools pre-allocated
// from rt.
func New(cfg Config, rt interfaces.DeviceRuntime, fb *fabric.Service, mgr *channelmgr.Manager) (*Service, error) {
	cfg.normalize()
	devicePool, err := NewPool(rt, cfg.DeviceBufSize, cfg.DeviceBufCount)
	if err != nil {
		return nil, fmt.Errorf("bufxfer: device pool: %w", err)
	}
	hostPool, err := NewPool(rt, cfg.HostBufSize, cfg.HostBufCount)
	if err != nil {
		return nil, fmt.Errorf("bufxfer: host pool: %w", err)
	}
	return &Service{
		cfg:        cfg,
		devicePool: devicePool,
		hostPool:   hostPool,
		rt:         rt,
		fb:         fb,
		mgr:        mgr,
		outboundCh: make(chan outboundMsg, 256),
		stopCh:     make(chan struct{}),
		pending:    make(map[uint64]*pendingRequest),
		staged:     make(map[uint64]*stagedBuffer),
	}, nil
}

// Start launches the four workers: BufferReq intake (stage + first-step
// response), BufferResp intake (requester-side completion), the outbound
// control-message sender, and the second-step reaper that force-releases any
// staged buffer whose requester never sent its release follow-up.
func (s *Service) Start() {
	s.wg.Add(4)
	go s.reqFirstStepWorker()
	go s.respWorker()
	go s.ctrlMsgWorker()
	go s.reqSecondStepWorker()
}

// Stop signals every worker to exit and waits for them.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// poolFor dispatches on the transfer's actual memory placement rather than
// TransferType, which only ever carries "pull"/"push"/"release" direction
// tags and never a placement value.
func (s *Service) poolFor(memType interfaces.MemType) *Pool {
	if memType == interfaces.MemHost {
		return s.hostPool
	}
	return s.devicePool
}

// dirFor picks the CopyDirection for a memcpy from src placement to dst
// placement, mirroring the device runtime's memcpy-kind enum.
func dirFor(dst, src interfaces.MemType) interfaces.CopyDirection {
	switch {
	case dst == interfaces.MemHost && src == interfaces.MemHost:
		return interfaces.CopyH2H
	case dst == interfaces.MemDevice && src == interfaces.MemHost:
		return interfaces.CopyH2D
	case dst == interfaces.MemHost && src == interfaces.MemDevice:
		return interfaces.CopyD2H
	default:
		return interfaces.CopyD2D
	}
}

// reqFirstStepWorker drains the channel manager's BufferReqCh. A pull/push
// request stages a buffer and queues its BufferResp; a release request is
// handled right here by releaseStaged, which drains a pushed buffer and
// returns it to its pool.
func (s *Service) reqFirstStepWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-s.mgr.BufferReqCh:
			if ev.Req.TransferType == TransferRelease {
				s.releaseStaged(ev.Req.ReqID)
				continue
			}
			s.handleStageRequest(ev)
		}
	}
}

func (s *Service) handleStageRequest(ev channelmgr.BufferReqEvent) {
	req := ev.Req
	memType := interfaces.MemType(req.DataMemType)
	pool := s.poolFor(memType)

	timeout := time.Duration(req.TimeoutMs)*time.Millisecond - constants.TimeoutSafetyMargin
	if timeout <= 0 {
		timeout = constants.TimeoutSafetyMargin
	}

	buf, ok := pool.TryGet(timeout)
	if !ok {
		s.outboundCh <- outboundMsg{key: ev.ChannelKey, msgType: constants.MsgTypeBufferResponse, payload: wire.BufferResp{
			ReqID:  req.ReqID,
			Status: "resource_exhausted",
		}}
		return
	}

	direction := req.TransferType
	if direction == TransferPull {
		// Requester wants to read; the data lives locally, stage it into the
		// buffer now so it is ready the moment the BufferResp lands.
		for i, src := range req.SrcAddrs {
			length := req.BufferLens[i]
			if err := s.rt.Memcpy(buf.Addr, src, length, dirFor(memType, memType)); err != nil {
				pool.Release(buf)
				s.outboundCh <- outboundMsg{key: ev.ChannelKey, msgType: constants.MsgTypeBufferResponse, payload: wire.BufferResp{ReqID: req.ReqID, Status: "failed"}}
				return
			}
		}
	}
	// TransferPush: the requester will write into this buffer itself once it
	// has the resolved address; the matching release request tells this side
	// to drain it into req.DstAddrs before returning the buffer to its pool.
	buf.Flag.Set(1)

	s.mu.Lock()
	s.staged[req.ReqID] = &stagedBuffer{buf: buf, pool: pool, stagedAt: time.Now(), direction: direction, memType: memType, dstAddrs: req.DstAddrs, bufferLens: req.BufferLens}
	s.mu.Unlock()

	s.outboundCh <- outboundMsg{key: ev.ChannelKey, msgType: constants.MsgTypeBufferResponse, payload: wire.BufferResp{
		ReqID:      req.ReqID,
		Status:     "success",
		BufferAddr: buf.Addr,
		BufferLen:  req.TotalLen,
	}}
}

// respWorker drains BufferRespCh on the requester side: it resolves the
// outstanding pendingRequest by req_id, copies bytes into/out of the peer's
// staged buffer address (already fabric-imported at link time), and wakes
// the caller blocked in RequestTransfer.
func (s *Service) respWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-s.mgr.BufferRespCh:
			s.handleResp(ev)
		}
	}
}

func (s *Service) handleResp(ev channelmgr.BufferRespEvent) {
	resp := ev.Resp
	s.mu.Lock()
	req, ok := s.pending[resp.ReqID]
	if ok {
		delete(s.pending, resp.ReqID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	var err error
	if resp.Status != "success" {
		err = fmt.Errorf("bufxfer: peer reported status %q for req_id=%d", resp.Status, resp.ReqID)
	} else if req.op == TransferPull {
		err = s.rt.Memcpy(req.localAddr, resp.BufferAddr, req.length, dirFor(req.localMemType, req.remoteMemType))
	} else {
		err = s.rt.Memcpy(resp.BufferAddr, req.localAddr, req.length, dirFor(req.remoteMemType, req.localMemType))
	}

	s.outboundCh <- outboundMsg{key: ev.ChannelKey, msgType: constants.MsgTypeBufferRequest, payload: wire.BufferReq{
		TransferType: TransferRelease,
		ReqID:        resp.ReqID,
	}}
	req.done <- err
}

// ctrlMsgWorker is the single outbound sender: every queued frame is encoded
// and written under the target channel's own transfer mutex.
func (s *Service) ctrlMsgWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case msg := <-s.outboundCh:
			ch, ok := s.mgr.Get(msg.key)
			if !ok {
				continue
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := ch.SendControlMsg(msg.msgType, msg.payload, deadline); err != nil {
				s.cfg.Logger.Warnf("bufxfer: failed to send frame type=%d: %v", msg.msgType, err)
			}
		}
	}
}

// reqSecondStepWorker periodically reaps staged buffers whose requester
// never sent an explicit release, so a dropped connection cannot leak a
// staging slot permanently.
func (s *Service) reqSecondStepWorker() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reapStale(10 * time.Second)
		}
	}
}

func (s *Service) reapStale(maxAge time.Duration) {
	s.mu.Lock()
	var stale []uint64
	for reqID, sb := range s.staged {
		if time.Since(sb.stagedAt) > maxAge {
			stale = append(stale, reqID)
		}
	}
	s.mu.Unlock()
	for _, reqID := range stale {
		s.cfg.Logger.Warnf("bufxfer: reaping staged buffer for req_id=%d after no release", reqID)
		s.releaseStaged(reqID)
	}
}

func (s *Service) releaseStaged(reqID uint64) {
	s.mu.Lock()
	sb, ok := s.staged[reqID]
	if ok {
		delete(s.staged, reqID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if sb.direction == TransferPush {
		off := uint64(0)
		for i, dst := range sb.dstAddrs {
			length := sb.bufferLens[i]
			if err := s.rt.Memcpy(dst, sb.buf.Addr+off, length, dirFor(sb.memType, sb.memType)); err != nil {
				s.cfg.Logger.Warnf("bufxfer: drain on release failed for req_id=%d: %v", reqID, err)
			}
			off += length
		}
	}
	sb.pool.Release(sb.buf)
}

// RequestTransfer is the requester-side entry point the root façade calls
// for one pull or push leg: it allocates a req_id, sends the BufferReq over
// ch, and blocks until the matching BufferResp has been processed or the
// deadline passes. localMemType is the placement of this side's own cache
// (localAddr); remoteMemType is the placement of the peer's cache backing
// srcAddrs/dstAddrs, which the responder uses to pick its staging pool.
func (s *Service) RequestTransfer(ch *channel.Channel, transferType string, localAddr uint64, localMemType, remoteMemType interfaces.MemType, length uint64, srcAddrs, dstAddrs, bufferLens []uint64, timeout time.Duration) error {
	s.mu.Lock()
	s.nextReq++
	reqID := s.nextReq
	done := make(chan error, 1)
	s.pending[reqID] = &pendingRequest{op: transferType, localAddr: localAddr, localMemType: localMemType, remoteMemType: remoteMemType, length: length, done: done}
	s.mu.Unlock()

	req := wire.BufferReq{
		TransferType: transferType,
		ReqID:        reqID,
		TimeoutMs:    uint64(timeout / time.Millisecond),
		DataMemType:  int(remoteMemType),
		SrcAddrs:     srcAddrs,
		DstAddrs:     dstAddrs,
		BufferLens:   bufferLens,
		TotalLen:     length,
	}
	if err := ch.SendControlMsg(constants.MsgTypeBufferRequest, req, time.Now().Add(timeout)); err != nil {
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
		return fmt.Errorf("bufxfer: send request: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
		return fmt.Errorf("bufxfer: %w", ErrTimeout)
	}
}

// ErrTimeout is returned when a staged transfer's deadline passes before its
// BufferResp arrives.
var ErrTimeout = fmt.Errorf("staged transfer timed out")
