// Package datadist is the root façade: component J. It wires together the
// allocator, channel manager, fabric transfer service, buffer-staged
// transfer service and link manager into the public operations callers use
// to register cache memory, link peer clusters, and pull/push/copy KV-cache
// blocks between them.
package datadist

import (
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/datadist/internal/allocator"
	"github.com/ehrlich-b/datadist/internal/bufxfer"
	"github.com/ehrlich-b/datadist/internal/channel"
	"github.com/ehrlich-b/datadist/internal/channelmgr"
	"github.com/ehrlich-b/datadist/internal/fabric"
	"github.com/ehrlich-b/datadist/internal/interfaces"
	"github.com/ehrlich-b/datadist/internal/linkmgr"
	"github.com/ehrlich-b/datadist/internal/logging"
)

// BufCfgEntry is one entry of Options.BufPoolCfg.
type BufCfgEntry struct {
	TotalSize  uint64
	BlkSize    uint64
	MaxBufSize uint64
}

// Options are recognised by Initialize, per spec.md §6.
type Options struct {
	DeviceID            int
	ListenPort           int
	SyncKvCacheWaitTime  time.Duration
	BufPoolCfg           []BufCfgEntry
	EnableSwitchRole     bool
	LocalCommRes         []linkmgr.RankEntry
	Logger               *logging.Logger
}

func (o *Options) validate() error {
	for i := 1; i < len(o.BufPoolCfg); i++ {
		prev, cur := o.BufPoolCfg[i-1], o.BufPoolCfg[i]
		if cur.BlkSize <= prev.BlkSize {
			return NewError("Initialize", StatusParamInvalid, "buf_pool_cfg.blk_size must be strictly ascending")
		}
	}
	for _, e := range o.BufPoolCfg {
		if e.MaxBufSize < e.BlkSize {
			return NewError("Initialize", StatusParamInvalid, "buf_pool_cfg entry has max_buf_size < blk_size")
		}
	}
	return nil
}

// CacheDesc describes a cache's shape and placement.
type CacheDesc struct {
	Placement   interfaces.MemType
	ElemType    string
	Shape       []int
	NumTensors  int
	Stride      uint64 // bytes per tensor slot
	NumBlocks   int
	BlockStride uint64 // bytes per block
}

func (d *CacheDesc) validate() error {
	if d.NumTensors <= 0 {
		return NewError("", StatusParamInvalid, "num_tensors must be > 0")
	}
	if d.Stride == 0 {
		return NewError("", StatusParamInvalid, "stride must be > 0")
	}
	if d.NumBlocks < 0 {
		return NewError("", StatusParamInvalid, "num_blocks must be >= 0")
	}
	return nil
}

// Cache is a registered or allocated region of tensor memory.
type Cache struct {
	ID       uint64
	Desc     CacheDesc
	Addrs    []uint64 // one base address per tensor
	Adopted  bool      // true if registered from external memory rather than allocated
	spans    []*allocator.Span
}

// blockAddr returns the address of block b within tensor t.
func (c *Cache) blockAddr(t, b int) uint64 {
	return c.Addrs[t] + uint64(b)*c.Desc.BlockStride
}

// batchAddr returns the address of batch slot idx within tensor t, using
// Desc.Stride (bytes per tensor slot) rather than blockAddr's BlockStride.
// This is the addressing PullKvCache/PushKvCache/CopyKvCache use: one
// contiguous batch-indexed region per tensor, instead of a discrete list of
// block indices.
func (c *Cache) batchAddr(t, idx int) uint64 {
	return c.Addrs[t] + uint64(idx)*c.Desc.Stride
}

// CacheKey addresses a batch slot of a (possibly remote) cache, per
// spec.md §3: a decoder names a prompt peer's cache region this way rather
// than holding a direct reference to its Cache.
type CacheKey struct {
	ClusterID string
	CacheID   uint64
	BatchIndex int
	ModelID    string
	RequestID  string
	PrefixID   string
}

// KvCacheExtParam narrows a PullKvCache/PushKvCache call to a sub-range of
// layers instead of every tensor in the cache, mirroring the original's
// src_layer_range/dst_layer_range/tensor_num_per_layer. A SrcLayerRange with
// both bounds <= 0 ({-1,-1}, or the zero value {0,0}) means every tensor;
// otherwise it selects layers SrcLayerRange[0] up to but not including
// SrcLayerRange[1]. Only SrcLayerRange is consulted, for both sides;
// DstLayerRange is ignored. This implementation keeps one range rather than
// independent src/dst ranges since every call site in the original passes
// them equal; see ResolveRemoteCache's doc comment for the same kind of
// simplification elsewhere in this file.
type KvCacheExtParam struct {
	SrcLayerRange     [2]int
	DstLayerRange     [2]int
	TensorNumPerLayer int
}

func (ext KvCacheExtParam) tensorRange(numTensors int) (start, end int) {
	if ext.SrcLayerRange[0] <= 0 && ext.SrcLayerRange[1] <= 0 {
		return 0, numTensors
	}
	tensorsPerLayer := ext.TensorNumPerLayer
	if tensorsPerLayer <= 0 {
		tensorsPerLayer = 1
	}
	start = ext.SrcLayerRange[0] * tensorsPerLayer
	end = ext.SrcLayerRange[1] * tensorsPerLayer
	if end > numTensors {
		end = numTensors
	}
	if start > end {
		start = end
	}
	return start, end
}

// remoteCache is what ResolveRemoteCache populates once a peer's cache
// descriptor and fabric-imported addresses are known. A real deployment
// learns this over the control channel as part of the link handshake; this
// repository's link manager (and so LinkLlmClusters) does not exchange cache
// descriptors (see DESIGN.md), so callers populate it
// directly via ResolveRemoteCache once they have exchanged descriptors out
// of band.
type remoteCache struct {
	desc  CacheDesc
	addrs []uint64 // local, fabric-imported addresses standing in for the peer's tensors
}

// Engine is the façade: one per process, bound to one device runtime and
// one fabric implementation.
type Engine struct {
	rt interfaces.DeviceRuntime
	fb interfaces.Fabric

	mu      sync.Mutex
	opts    Options
	started bool

	alloc   *allocator.Allocator
	chanMgr *channelmgr.Manager
	fabSvc  *fabric.Service
	bufSvc  *bufxfer.Service
	linkMgr *linkmgr.Manager

	caches       map[uint64]*Cache
	remoteCaches map[string]map[uint64]*remoteCache // clusterID -> remote cache id -> remoteCache
	nextCacheID  uint64

	metrics *Metrics
}

// New constructs an Engine bound to the given fabric and device runtime
// bindings (internal/simfabric in this repository; a real deployment
// supplies vendor SDK bindings behind the same interfaces).
func New(rt interfaces.DeviceRuntime, fb interfaces.Fabric) *Engine {
	return &Engine{
		rt:           rt,
		fb:           fb,
		caches:       make(map[uint64]*Cache),
		remoteCaches: make(map[string]map[uint64]*remoteCache),
		metrics:      NewMetrics(),
	}
}

// Initialize validates options, builds every internal service, and starts
// the channel manager, buffer-staged transfer service and (if a listen
// port is set) the link manager's listener.
func (e *Engine) Initialize(opts Options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return NewError("Initialize", StatusAlreadyLink, "engine already initialized")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if err := e.rt.SetDevice(opts.DeviceID); err != nil {
		return NewError("Initialize", StatusFailed, fmt.Sprintf("set_device: %v", err))
	}

	totalRegion := uint64(0)
	pageSize := uint64(64 << 10)
	for _, e2 := range opts.BufPoolCfg {
		totalRegion += e2.TotalSize
	}
	if totalRegion == 0 {
		totalRegion = 1 << 30
	}
	base, err := e.rt.Malloc(totalRegion)
	if err != nil {
		return NewError("Initialize", StatusDeviceOutOfMemory, fmt.Sprintf("malloc allocator region: %v", err))
	}
	e.alloc = allocator.New(base, allocator.Config{PageSize: pageSize, TotalSize: totalRegion})

	chanMgr, err := channelmgr.New(channelmgr.Config{Logger: opts.Logger})
	if err != nil {
		return NewError("Initialize", StatusFailed, fmt.Sprintf("channel manager: %v", err))
	}
	e.chanMgr = chanMgr
	e.fabSvc = fabric.New(e.rt, e.fb, 8)

	bufCfg := bufxfer.Config{Logger: opts.Logger}
	if len(opts.BufPoolCfg) > 0 {
		bufCfg.DeviceBufSize = opts.BufPoolCfg[0].MaxBufSize
		bufCfg.HostBufSize = opts.BufPoolCfg[0].MaxBufSize
	}
	bufSvc, err := bufxfer.New(bufCfg, e.rt, e.fabSvc, chanMgr)
	if err != nil {
		return NewError("Initialize", StatusFailed, fmt.Sprintf("buffer transfer service: %v", err))
	}
	e.bufSvc = bufSvc

	e.linkMgr = linkmgr.New(linkmgr.Config{Logger: opts.Logger}, chanMgr, e.fabSvc)

	chanMgr.Start()
	bufSvc.Start()
	if opts.ListenPort != 0 {
		if err := e.linkMgr.StartListening(opts.ListenPort); err != nil {
			return NewError("Initialize", StatusFailed, fmt.Sprintf("listen: %v", err))
		}
	}

	e.opts = opts
	e.started = true
	return nil
}

// Finalize tears down every worker and closes every channel. Safe to call
// after any prior failure.
func (e *Engine) Finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.linkMgr.StopListening()
	e.bufSvc.Stop()
	e.chanMgr.Stop()
	e.started = false
	return nil
}

// SetRole switches this process's prompt/decoder role. Refused unless the
// engine was initialized with EnableSwitchRole, or while any cluster is
// still linked.
func (e *Engine) SetRole(role linkmgr.Role) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.opts.EnableSwitchRole {
		return NewError("SetRole", StatusFeatureNotEnabled, "enable_switch_role was not set at Initialize")
	}
	if err := e.linkMgr.SwitchRole(role); err != nil {
		return NewError("SetRole", StatusExistLink, err.Error())
	}
	return nil
}

// AllocateCache allocates device memory for desc from the internal page
// allocator and registers a new cache for it.
func (e *Engine) AllocateCache(desc CacheDesc) (uint64, error) {
	if err := desc.validate(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	addrs := make([]uint64, desc.NumTensors)
	spans := make([]*allocator.Span, desc.NumTensors)
	for i := 0; i < desc.NumTensors; i++ {
		span, err := e.alloc.Alloc(desc.Stride)
		if err != nil {
			for j := 0; j < i; j++ {
				e.alloc.Free(spans[j])
			}
			return 0, NewError("AllocateCache", StatusDeviceOutOfMemory, err.Error())
		}
		addrs[i] = span.Base
		spans[i] = span
	}

	e.nextCacheID++
	id := e.nextCacheID
	e.caches[id] = &Cache{ID: id, Desc: desc, Addrs: addrs, spans: spans}
	return id, nil
}

// DeallocateCache frees an allocated cache's spans. Idempotent: an unknown
// id returns success.
func (e *Engine) DeallocateCache(id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.caches[id]
	if !ok {
		return nil
	}
	if !c.Adopted {
		for _, span := range c.spans {
			e.alloc.Free(span)
		}
	}
	delete(e.caches, id)
	return nil
}

// RegisterKvCache adopts externally allocated memory (addrs, one per
// tensor) as a cache, without allocator involvement.
func (e *Engine) RegisterKvCache(desc CacheDesc, addrs []uint64) (uint64, error) {
	if err := desc.validate(); err != nil {
		return 0, err
	}
	if len(addrs) != desc.NumTensors {
		return 0, NewError("RegisterKvCache", StatusParamInvalid, "len(addrs) must equal num_tensors")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextCacheID++
	id := e.nextCacheID
	e.caches[id] = &Cache{ID: id, Desc: desc, Addrs: append([]uint64(nil), addrs...), Adopted: true}
	return id, nil
}

// UnregisterKvCache forgets an adopted cache without touching its memory.
// Idempotent: an unknown id returns success.
func (e *Engine) UnregisterKvCache(id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.caches, id)
	return nil
}

// LinkToRemote registers an already-dialed channel under clusterID: it
// creates the cluster's link-manager bookkeeping, hands the channel to the
// channel manager, and registers a zero-length placeholder memory region
// so QueryRegisterMemStatus reports true. A real deployment instead drives
// this from LinkClusters' rank-table exchange; this is the CLI examples'
// stand-in for that handshake (see ResolveRemoteCache's doc comment for
// the same simplification on the cache-descriptor side).
func (e *Engine) LinkToRemote(clusterID string, ch *channel.Channel) error {
	results := e.linkMgr.LinkClusters([]linkmgr.ClusterInfo{{ClusterID: clusterID}})
	if err := results[clusterID]; err != nil {
		return err
	}
	if err := e.chanMgr.AddChannel(ch); err != nil {
		return err
	}
	return e.linkMgr.RegisterChannel(clusterID, ch.Key, uint64(ch.Key.ID), interfaces.MemDesc{})
}

// LinkLlmClusters links every given cluster in parallel and returns a
// per-cluster result, per spec.md §4.J. If timeout elapses before every
// worker reports back, any cluster still pending is reported with a timeout
// status rather than blocking the caller indefinitely; linkOne's own
// in-flight work is unaffected and will still land in e.linkMgr once done.
func (e *Engine) LinkLlmClusters(clusters []linkmgr.ClusterInfo, timeout time.Duration) map[string]error {
	if timeout <= 0 {
		return e.linkMgr.LinkClusters(clusters)
	}
	done := make(chan map[string]error, 1)
	go func() { done <- e.linkMgr.LinkClusters(clusters) }()
	select {
	case results := <-done:
		return results
	case <-time.After(timeout):
		results := make(map[string]error, len(clusters))
		for _, c := range clusters {
			results[c.ClusterID] = NewError("LinkLlmClusters", StatusTimeout, fmt.Sprintf("cluster %s did not link within timeout", c.ClusterID))
		}
		return results
	}
}

// UnlinkLlmClusters tears down every given cluster in parallel and returns a
// per-cluster result, per spec.md §4.J. force cancels outstanding fabric
// transfers rather than waiting for them to drain; see LinkLlmClusters's doc
// comment for the matching timeout behavior.
func (e *Engine) UnlinkLlmClusters(clusterIDs []string, force bool, timeout time.Duration) map[string]error {
	if timeout <= 0 {
		return e.linkMgr.UnlinkClusters(clusterIDs, force)
	}
	done := make(chan map[string]error, 1)
	go func() { done <- e.linkMgr.UnlinkClusters(clusterIDs, force) }()
	select {
	case results := <-done:
		return results
	case <-time.After(timeout):
		results := make(map[string]error, len(clusterIDs))
		for _, id := range clusterIDs {
			results[id] = NewError("UnlinkLlmClusters", StatusTimeout, fmt.Sprintf("cluster %s did not unlink within timeout", id))
		}
		return results
	}
}

// ResolveRemoteCache records a peer cache's descriptor and locally
// addressable (fabric-imported) tensor base addresses, so later
// Pull/Push/Copy calls against (clusterID, cacheID) know where to read or
// write. See the remoteCache doc comment for why this is a separate,
// explicit step in this implementation.
func (e *Engine) ResolveRemoteCache(clusterID string, cacheID uint64, desc CacheDesc, importedAddrs []uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remoteCaches[clusterID] == nil {
		e.remoteCaches[clusterID] = make(map[uint64]*remoteCache)
	}
	e.remoteCaches[clusterID][cacheID] = &remoteCache{desc: desc, addrs: importedAddrs}
}

// CacheTensorAddr returns the base address of tensor t within a previously
// allocated or registered cache, so a caller that owns the device runtime
// directly can write or read tensor contents without going through
// Pull/Push/Copy.
func (e *Engine) CacheTensorAddr(cacheID uint64, tensor int) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.caches[cacheID]
	if !ok || tensor < 0 || tensor >= len(c.Addrs) {
		return 0
	}
	return c.Addrs[tensor]
}

func (e *Engine) lookupCache(id uint64) (*Cache, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.caches[id]
	if !ok {
		return nil, NewError("", StatusKvCacheNotExist, fmt.Sprintf("cache %d not found", id))
	}
	return c, nil
}

func (e *Engine) lookupRemoteCache(clusterID string, id uint64) (*remoteCache, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byCluster, ok := e.remoteCaches[clusterID]
	if !ok {
		return nil, NewError("", StatusNotYetLink, fmt.Sprintf("cluster %s not linked", clusterID))
	}
	rc, ok := byCluster[id]
	if !ok {
		return nil, NewError("", StatusKvCacheNotExist, fmt.Sprintf("remote cache %d not found", id))
	}
	return rc, nil
}

func validateBlocks(numBlocks int, blocks []int) error {
	for _, b := range blocks {
		if b < 0 || b >= numBlocks {
			return NewError("", StatusParamInvalid, fmt.Sprintf("block index %d out of range [0,%d)", b, numBlocks))
		}
	}
	return nil
}

// direct reports whether a same-placement, device-to-device transfer can
// go straight through the fabric service rather than staging through
// bufxfer.
func direct(a, b interfaces.MemType) bool {
	return a == interfaces.MemDevice && b == interfaces.MemDevice
}

// PullKvBlocks reads srcBlocks of a remote cache into dstBlocks of a local
// cache, tensor-by-tensor.
func (e *Engine) PullKvBlocks(clusterID string, srcCacheID uint64, dstCacheID uint64, srcBlocks, dstBlocks []int) error {
	if len(srcBlocks) != len(dstBlocks) {
		return NewError("PullKvBlocks", StatusParamInvalid, "src_blocks and dst_blocks must have equal length")
	}
	rc, err := e.lookupRemoteCache(clusterID, srcCacheID)
	if err != nil {
		return err
	}
	dst, err := e.lookupCache(dstCacheID)
	if err != nil {
		return err
	}
	if err := validateBlocks(rc.desc.NumBlocks, srcBlocks); err != nil {
		return err
	}
	if err := validateBlocks(dst.Desc.NumBlocks, dstBlocks); err != nil {
		return err
	}

	start := time.Now()
	for t := 0; t < dst.Desc.NumTensors && t < len(rc.addrs); t++ {
		for i := range srcBlocks {
			srcAddr := rc.addrs[t] + uint64(srcBlocks[i])*rc.desc.BlockStride
			dstAddr := dst.blockAddr(t, dstBlocks[i])
			length := dst.Desc.BlockStride
			if err := e.transferOne(clusterID, interfaces.OpRead, rc.desc.Placement, dst.Desc.Placement, dstAddr, srcAddr, length); err != nil {
				e.metrics.RecordPull(0, uint64(time.Since(start).Nanoseconds()), false)
				return err
			}
		}
	}
	e.metrics.RecordPull(uint64(len(srcBlocks))*dst.Desc.BlockStride*uint64(dst.Desc.NumTensors), uint64(time.Since(start).Nanoseconds()), true)
	return nil
}

// PushKvBlocks writes srcBlocks of a local cache into dstBlocks of a remote
// cache, tensor-by-tensor.
func (e *Engine) PushKvBlocks(clusterID string, srcCacheID uint64, dstCacheID uint64, srcBlocks, dstBlocks []int) error {
	if len(srcBlocks) != len(dstBlocks) {
		return NewError("PushKvBlocks", StatusParamInvalid, "src_blocks and dst_blocks must have equal length")
	}
	src, err := e.lookupCache(srcCacheID)
	if err != nil {
		return err
	}
	rc, err := e.lookupRemoteCache(clusterID, dstCacheID)
	if err != nil {
		return err
	}
	if err := validateBlocks(src.Desc.NumBlocks, srcBlocks); err != nil {
		return err
	}
	if err := validateBlocks(rc.desc.NumBlocks, dstBlocks); err != nil {
		return err
	}

	start := time.Now()
	for t := 0; t < src.Desc.NumTensors && t < len(rc.addrs); t++ {
		for i := range srcBlocks {
			srcAddr := src.blockAddr(t, srcBlocks[i])
			dstAddr := rc.addrs[t] + uint64(dstBlocks[i])*rc.desc.BlockStride
			length := src.Desc.BlockStride
			if err := e.transferOne(clusterID, interfaces.OpWrite, src.Desc.Placement, rc.desc.Placement, dstAddr, srcAddr, length); err != nil {
				e.metrics.RecordPush(0, uint64(time.Since(start).Nanoseconds()), false)
				return err
			}
		}
	}
	e.metrics.RecordPush(uint64(len(srcBlocks))*src.Desc.BlockStride*uint64(src.Desc.NumTensors), uint64(time.Since(start).Nanoseconds()), true)
	return nil
}

// CopyKvBlocks copies srcBlocks of a local cache into the matching blocks of
// every cache in dsts (fan-out), all within this process's own memory.
func (e *Engine) CopyKvBlocks(srcCacheID uint64, dstCacheIDs []uint64, srcBlocks []int, dstBlocksList [][]int) error {
	if len(dstCacheIDs) != len(dstBlocksList) {
		return NewError("CopyKvBlocks", StatusParamInvalid, "dst_cache_ids and dst_blocks_list must have equal length")
	}
	src, err := e.lookupCache(srcCacheID)
	if err != nil {
		return err
	}
	if err := validateBlocks(src.Desc.NumBlocks, srcBlocks); err != nil {
		return err
	}

	start := time.Now()
	for idx, dstID := range dstCacheIDs {
		dstBlocks := dstBlocksList[idx]
		if len(dstBlocks) != len(srcBlocks) {
			return NewError("CopyKvBlocks", StatusParamInvalid, "dst_blocks length must match src_blocks")
		}
		dst, err := e.lookupCache(dstID)
		if err != nil {
			return err
		}
		if err := validateBlocks(dst.Desc.NumBlocks, dstBlocks); err != nil {
			return err
		}
		for t := 0; t < src.Desc.NumTensors && t < dst.Desc.NumTensors; t++ {
			for i := range srcBlocks {
				srcAddr := src.blockAddr(t, srcBlocks[i])
				dstAddr := dst.blockAddr(t, dstBlocks[i])
				if err := e.rt.Memcpy(dstAddr, srcAddr, src.Desc.BlockStride, interfaces.CopyD2D); err != nil {
					e.metrics.RecordCopy(0, uint64(time.Since(start).Nanoseconds()), false)
					return NewError("CopyKvBlocks", StatusFailed, err.Error())
				}
			}
		}
	}
	e.metrics.RecordCopy(uint64(len(srcBlocks))*src.Desc.BlockStride*uint64(src.Desc.NumTensors), uint64(time.Since(start).Nanoseconds()), true)
	return nil
}

// PullKvCache reads one contiguous batch slot of a remote cache into dstCache's
// batch slot, tensor-by-tensor (or a layer sub-range of tensors when ext
// restricts it). size < 0 pulls each tensor's full per-slot stride, matching
// the original's size=-1 "whole slot" convention.
func (e *Engine) PullKvCache(srcKey CacheKey, dstCacheID uint64, dstBatchIndex int, size int64, ext KvCacheExtParam) error {
	if srcKey.BatchIndex < 0 || dstBatchIndex < 0 {
		return NewError("PullKvCache", StatusParamInvalid, "batch_index must be >= 0")
	}
	rc, err := e.lookupRemoteCache(srcKey.ClusterID, srcKey.CacheID)
	if err != nil {
		return err
	}
	dst, err := e.lookupCache(dstCacheID)
	if err != nil {
		return err
	}

	length := rc.desc.Stride
	if size >= 0 {
		length = uint64(size)
	}
	start, end := ext.tensorRange(dst.Desc.NumTensors)

	xferStart := time.Now()
	for t := start; t < end && t < len(rc.addrs); t++ {
		srcAddr := rc.addrs[t] + uint64(srcKey.BatchIndex)*rc.desc.Stride
		dstAddr := dst.batchAddr(t, dstBatchIndex)
		if err := e.transferOne(srcKey.ClusterID, interfaces.OpRead, rc.desc.Placement, dst.Desc.Placement, dstAddr, srcAddr, length); err != nil {
			e.metrics.RecordPull(0, uint64(time.Since(xferStart).Nanoseconds()), false)
			return err
		}
	}
	e.metrics.RecordPull(length*uint64(end-start), uint64(time.Since(xferStart).Nanoseconds()), true)
	return nil
}

// PushKvCache writes one contiguous batch slot of a local cache into a remote
// cache's batch slot, tensor-by-tensor. size < 0 pushes each tensor's full
// per-slot stride.
func (e *Engine) PushKvCache(srcCacheID uint64, srcBatchIndex int, dstKey CacheKey, size int64, ext KvCacheExtParam) error {
	if srcBatchIndex < 0 || dstKey.BatchIndex < 0 {
		return NewError("PushKvCache", StatusParamInvalid, "batch_index must be >= 0")
	}
	src, err := e.lookupCache(srcCacheID)
	if err != nil {
		return err
	}
	rc, err := e.lookupRemoteCache(dstKey.ClusterID, dstKey.CacheID)
	if err != nil {
		return err
	}

	length := src.Desc.Stride
	if size >= 0 {
		length = uint64(size)
	}
	start, end := ext.tensorRange(src.Desc.NumTensors)

	xferStart := time.Now()
	for t := start; t < end && t < len(rc.addrs); t++ {
		srcAddr := src.batchAddr(t, srcBatchIndex)
		dstAddr := rc.addrs[t] + uint64(dstKey.BatchIndex)*rc.desc.Stride
		if err := e.transferOne(dstKey.ClusterID, interfaces.OpWrite, src.Desc.Placement, rc.desc.Placement, dstAddr, srcAddr, length); err != nil {
			e.metrics.RecordPush(0, uint64(time.Since(xferStart).Nanoseconds()), false)
			return err
		}
	}
	e.metrics.RecordPush(length*uint64(end-start), uint64(time.Since(xferStart).Nanoseconds()), true)
	return nil
}

// CopyKvCache copies one contiguous batch slot of a local cache into another
// local cache's batch slot, tensor-by-tensor, entirely within this process's
// own memory. offset shifts the source region within its slot; size < 0
// copies each tensor's full per-slot stride (minus offset).
func (e *Engine) CopyKvCache(srcCacheID, dstCacheID uint64, srcBatchIndex, dstBatchIndex int, offset uint64, size int64) error {
	if srcBatchIndex < 0 || dstBatchIndex < 0 {
		return NewError("CopyKvCache", StatusParamInvalid, "batch_index must be >= 0")
	}
	src, err := e.lookupCache(srcCacheID)
	if err != nil {
		return err
	}
	dst, err := e.lookupCache(dstCacheID)
	if err != nil {
		return err
	}

	if offset > src.Desc.Stride {
		return NewError("CopyKvCache", StatusParamInvalid, "offset exceeds the per-slot stride")
	}
	length := src.Desc.Stride - offset
	if size >= 0 {
		length = uint64(size)
	}

	start := time.Now()
	n := 0
	for t := 0; t < src.Desc.NumTensors && t < dst.Desc.NumTensors; t++ {
		srcAddr := src.batchAddr(t, srcBatchIndex) + offset
		dstAddr := dst.batchAddr(t, dstBatchIndex)
		if err := e.rt.Memcpy(dstAddr, srcAddr, length, interfaces.CopyD2D); err != nil {
			e.metrics.RecordCopy(0, uint64(time.Since(start).Nanoseconds()), false)
			return NewError("CopyKvCache", StatusFailed, err.Error())
		}
		n++
	}
	e.metrics.RecordCopy(length*uint64(n), uint64(time.Since(start).Nanoseconds()), true)
	return nil
}

// transferOne moves one (src,dst) span, choosing the fabric-direct path for
// device-to-device transfers and the buffer-staged path for anything that
// crosses host/device placement.
func (e *Engine) transferOne(clusterID string, op interfaces.Op, srcPlacement, dstPlacement interfaces.MemType, dstAddr, srcAddr, length uint64) error {
	if direct(srcPlacement, dstPlacement) {
		err := e.fabSvc.Transfer(0, op, []interfaces.TransferDesc{{LocalAddr: dstAddr, RemoteAddr: srcAddr, Length: length}}, uint64(e.opts.SyncKvCacheWaitTime/time.Millisecond))
		if err != nil {
			return NewError("transfer", StatusTimeout, err.Error())
		}
		return nil
	}

	transferType := bufxfer.TransferPull
	if op == interfaces.OpWrite {
		transferType = bufxfer.TransferPush
	}
	key, ok := e.linkMgr.ChannelFor(clusterID)
	if !ok {
		return NewError("transfer", StatusNotYetLink, fmt.Sprintf("no linked channel for cluster %s", clusterID))
	}
	ch, ok := e.chanMgr.Get(key)
	if !ok {
		return NewError("transfer", StatusNotYetLink, fmt.Sprintf("no channel for cluster %s", clusterID))
	}
	timeout := e.opts.SyncKvCacheWaitTime
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	var srcAddrs, dstAddrs []uint64
	if op == interfaces.OpRead {
		srcAddrs = []uint64{srcAddr}
	} else {
		dstAddrs = []uint64{dstAddr}
	}
	localAddr := dstAddr
	localMemType := dstPlacement
	remoteMemType := srcPlacement
	if op == interfaces.OpWrite {
		localAddr = srcAddr
		localMemType = srcPlacement
		remoteMemType = dstPlacement
	}
	if err := e.bufSvc.RequestTransfer(ch, transferType, localAddr, localMemType, remoteMemType, length, srcAddrs, dstAddrs, []uint64{length}, timeout); err != nil {
		return NewError("transfer", StatusFailed, err.Error())
	}
	return nil
}
