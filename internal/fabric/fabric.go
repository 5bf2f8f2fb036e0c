// Package fabric implements the zero-copy device-to-device transfer
// service: a capped stream pool, memory registration/export/import, and
// synchronous and asynchronous one-sided transfers tracked by request id.
package fabric

import (
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/datadist/internal/interfaces"
)

// Status mirrors the subset of the façade's taxonomy this service can
// produce directly.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusTimeout           Status = "timeout"
	StatusNotConnected      Status = "not_connected"
	StatusFailed            Status = "failed"
	StatusWaiting           Status = "waiting"
	StatusCompleted         Status = "completed"
	StatusNotFound          Status = "not_found"
	StatusResourceExhausted Status = "resource_exhausted"
)

// AsyncRecord tracks one in-flight TransferAsync call: one event per stream
// used to post its copies, and the channel it is bound to for mass
// cancellation on RemoveChannel.
type AsyncRecord struct {
	ReqID     uint64
	ChannelID uint64
	Streams   []interfaces.StreamHandle
	Events    []interfaces.EventHandle
}

// Service is component G: the fabric transfer service.
type Service struct {
	rt         interfaces.DeviceRuntime
	fb         interfaces.Fabric
	maxStreams int

	mu      sync.Mutex
	idle    []interfaces.StreamHandle
	total   int

	shareHandles map[interfaces.MemHandle]interfaces.ShareInfo

	recordsMu     sync.Mutex
	records       map[uint64]*AsyncRecord   // req_id -> record
	channelReqIDs map[uint64]map[uint64]bool // channel id -> set of req_id
	nextReqID     uint64
}

// New creates a fabric transfer service over the given runtime/fabric pair,
// capping its stream pool at maxStreams.
func New(rt interfaces.DeviceRuntime, fb interfaces.Fabric, maxStreams int) *Service {
	if maxStreams <= 0 {
		maxStreams = 8
	}
	return &Service{
		rt:            rt,
		fb:            fb,
		maxStreams:    maxStreams,
		shareHandles:  make(map[interfaces.MemHandle]interfaces.ShareInfo),
		records:       make(map[uint64]*AsyncRecord),
		channelReqIDs: make(map[uint64]map[uint64]bool),
	}
}

// TryAllocStream returns an idle stream, creating a new one if the pool has
// not yet reached its cap, or StatusResourceExhausted otherwise.
func (s *Service) TryAllocStream() (interfaces.StreamHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.idle) > 0 {
		h := s.idle[len(s.idle)-1]
		s.idle = s.idle[:len(s.idle)-1]
		return h, nil
	}
	if s.total >= s.maxStreams {
		return 0, fmt.Errorf("fabric: %s", StatusResourceExhausted)
	}
	h, err := s.rt.StreamCreate(0)
	if err != nil {
		return 0, err
	}
	s.total++
	return h, nil
}

// ReleaseStream returns a stream to the idle pool.
func (s *Service) ReleaseStream(h interfaces.StreamHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle = append(s.idle, h)
}

// RegisterMem registers a local region and immediately computes its share
// handle, so GetShareHandles can hand it to the link manager without a
// second round trip.
func (s *Service) RegisterMem(endpoint uint64, desc interfaces.MemDesc) (interfaces.MemHandle, error) {
	h, err := s.fb.MemRegister(desc)
	if err != nil {
		return 0, err
	}
	share, err := s.fb.MemExport(endpoint, h)
	if err != nil {
		s.fb.MemUnregister(h)
		return 0, err
	}
	s.mu.Lock()
	s.shareHandles[h] = share
	s.mu.Unlock()
	return h, nil
}

// DeregisterMem removes a region's registration and its share handle.
func (s *Service) DeregisterMem(h interfaces.MemHandle) error {
	s.mu.Lock()
	delete(s.shareHandles, h)
	s.mu.Unlock()
	return s.fb.MemUnregister(h)
}

// GetShareHandles returns every currently registered region's share info,
// serialized to the peer during link setup.
func (s *Service) GetShareHandles() []interfaces.ShareInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interfaces.ShareInfo, 0, len(s.shareHandles))
	for _, share := range s.shareHandles {
		out = append(out, share)
	}
	return out
}

// ImportMem maps a peer's exported regions into the local address space.
func (s *Service) ImportMem(endpoint uint64, shares []interfaces.ShareInfo) ([]uint64, error) {
	addrs := make([]uint64, 0, len(shares))
	for _, share := range shares {
		addr, err := s.fb.MemImport(endpoint, share)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Transfer performs a synchronous batch of one-sided ops: allocate a
// stream, issue each descriptor's read/write, fence with the timeout, and
// release the stream.
func (s *Service) Transfer(channelID interfaces.ChannelID, op interfaces.Op, descs []interfaces.TransferDesc, timeoutMs uint64) error {
	stream, err := s.TryAllocStream()
	if err != nil {
		return err
	}
	defer s.ReleaseStream(stream)

	for _, d := range descs {
		local := interfaces.TransferDesc{LocalAddr: d.LocalAddr, Length: d.Length}
		remote := interfaces.TransferDesc{RemoteAddr: d.RemoteAddr, Length: d.Length}
		var opErr error
		if op == interfaces.OpWrite {
			opErr = s.fb.WriteNBI(channelID, remote, local)
		} else {
			opErr = s.fb.ReadNBI(channelID, local, remote)
		}
		if opErr != nil {
			return fmt.Errorf("fabric: %s: %w", StatusFailed, opErr)
		}
	}
	return s.fb.ChannelFence(channelID, time.Duration(timeoutMs)*time.Millisecond)
}

// TransferAsync posts the same plan as Transfer but records a completion
// event per stream instead of fencing synchronously, and binds the
// generated req_id to channelID for RemoveChannel to cancel in bulk.
func (s *Service) TransferAsync(channelID interfaces.ChannelID, op interfaces.Op, descs []interfaces.TransferDesc) (reqID uint64, err error) {
	stream, err := s.TryAllocStream()
	if err != nil {
		return 0, err
	}

	for _, d := range descs {
		local := interfaces.TransferDesc{LocalAddr: d.LocalAddr, Length: d.Length}
		remote := interfaces.TransferDesc{RemoteAddr: d.RemoteAddr, Length: d.Length}
		var opErr error
		if op == interfaces.OpWrite {
			opErr = s.fb.WriteNBI(channelID, remote, local)
		} else {
			opErr = s.fb.ReadNBI(channelID, local, remote)
		}
		if opErr != nil {
			s.ReleaseStream(stream)
			return 0, fmt.Errorf("fabric: %s: %w", StatusFailed, opErr)
		}
	}

	ev, err := s.rt.EventCreate()
	if err != nil {
		s.ReleaseStream(stream)
		return 0, fmt.Errorf("fabric: %s: %w", StatusFailed, err)
	}
	if err := s.rt.EventRecord(ev, stream); err != nil {
		s.rt.EventDestroy(ev)
		s.ReleaseStream(stream)
		return 0, fmt.Errorf("fabric: %s: %w", StatusFailed, err)
	}

	s.recordsMu.Lock()
	s.nextReqID++
	reqID = s.nextReqID
	s.records[reqID] = &AsyncRecord{
		ReqID:     reqID,
		ChannelID: uint64(channelID),
		Streams:   []interfaces.StreamHandle{stream},
		Events:    []interfaces.EventHandle{ev},
	}
	if s.channelReqIDs[uint64(channelID)] == nil {
		s.channelReqIDs[uint64(channelID)] = make(map[uint64]bool)
	}
	s.channelReqIDs[uint64(channelID)][reqID] = true
	s.recordsMu.Unlock()

	return reqID, nil
}

// GetTransferStatus polls every event in a record: StatusWaiting until all
// are recorded complete, StatusCompleted on success, StatusFailed on any
// runtime error, StatusNotFound if the record was already reclaimed.
func (s *Service) GetTransferStatus(reqID uint64) (Status, error) {
	s.recordsMu.Lock()
	rec, ok := s.records[reqID]
	s.recordsMu.Unlock()
	if !ok {
		return StatusNotFound, nil
	}

	allDone := true
	for _, ev := range rec.Events {
		done, err := s.rt.EventQueryStatus(ev)
		if err != nil {
			s.reclaim(rec)
			return StatusFailed, err
		}
		if !done {
			allDone = false
		}
	}
	if !allDone {
		return StatusWaiting, nil
	}
	s.reclaim(rec)
	return StatusCompleted, nil
}

func (s *Service) reclaim(rec *AsyncRecord) {
	s.recordsMu.Lock()
	delete(s.records, rec.ReqID)
	if set := s.channelReqIDs[rec.ChannelID]; set != nil {
		delete(set, rec.ReqID)
	}
	s.recordsMu.Unlock()

	for _, ev := range rec.Events {
		s.rt.EventDestroy(ev)
	}
	for _, st := range rec.Streams {
		s.ReleaseStream(st)
	}
}

// RemoveChannel cancels every req_id bound to channelID: aborts their
// streams and drops their records without waiting for completion.
func (s *Service) RemoveChannel(channelID uint64) {
	s.recordsMu.Lock()
	reqIDs := s.channelReqIDs[channelID]
	var toCancel []*AsyncRecord
	for reqID := range reqIDs {
		if rec, ok := s.records[reqID]; ok {
			toCancel = append(toCancel, rec)
		}
	}
	delete(s.channelReqIDs, channelID)
	s.recordsMu.Unlock()

	for _, rec := range toCancel {
		for _, st := range rec.Streams {
			s.rt.StreamAbort(st)
		}
		s.reclaim(rec)
	}
}
