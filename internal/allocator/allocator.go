// Package allocator implements the scalable buddy allocator backing
// registered cache regions: a contiguous pinned byte range is carved into
// power-of-two page runs, tracked per layer, split on demand and merged with
// buddies on free.
package allocator

import (
	"fmt"

	"github.com/ehrlich-b/datadist/internal/span"
)

// Kind selects between the two allocator strategies named in spec.md §9's
// tagged-variant design note: a scalable allocator, or a fixed-sized
// allocator bootstrapped by NewFixed. Both split and merge the same way.
type Kind int

const (
	KindScalable Kind = iota
	KindFixed
)

// Config parameterises the scalable allocator.
type Config struct {
	PageSize        uint64 // page size in bytes (a power of two)
	TotalSize       uint64 // total region size in bytes
	MaxLayerPageLen  uint64 // page-length cap for an "uncacheable" layer; not consulted by Alloc or Free
	LiftBound       int    // how many layers above the fit layer Alloc will search
}

// Stats reports the allocator's in-flight and peak usage, mirroring the
// original's theory_size_/real_theory_size_ bookkeeping.
type Stats struct {
	InFlightRequested uint64 // sum of requested sizes currently allocated
	InFlightRounded   uint64 // sum of page-rounded sizes currently allocated
	PeakRequested     uint64
	PeakRounded       uint64
}

// Allocator is a buddy allocator over one contiguous region.
type Allocator struct {
	kind   Kind
	cfg    Config
	base   uint64
	layers map[uint64]*span.Layer // keyed by page length
	live   map[uint64]*span.Span  // keyed by Base, for Free lookups
	stats  Stats
}

// ErrOutOfMemory is returned (wrapped) when no span can satisfy a request.
type ErrOutOfMemory struct {
	Requested uint64
}

func (e *ErrOutOfMemory) Error() string {
	return fmt.Sprintf("allocator: out of memory for request of %d bytes", e.Requested)
}

// New creates a scalable allocator over region [base, base+cfg.TotalSize).
func New(base uint64, cfg Config) *Allocator {
	if cfg.LiftBound <= 0 {
		cfg.LiftBound = 6
	}
	a := &Allocator{
		kind:   KindScalable,
		cfg:    cfg,
		base:   base,
		layers: make(map[uint64]*span.Layer),
		live:   make(map[uint64]*span.Span),
	}
	rootPageLen := cfg.TotalSize / cfg.PageSize
	root := &span.Span{Base: base, PageLen: rootPageLen, LeftBuddy: ^uint64(0), RightBuddy: ^uint64(0)}
	a.layerFor(rootPageLen).Push(root)
	return a
}

// NewFixed bootstraps a fixed-sized allocator: one span covering the whole
// region, refcount forced to zero before being pushed to its layer, per
// InitFixSizedAllocator in the original source. Alloc splits and Free merges
// exactly as for a scalable allocator, with the same default lift bound.
func NewFixed(base uint64, size uint64, pageSize uint64) *Allocator {
	a := &Allocator{
		kind: KindFixed,
		cfg:  Config{PageSize: pageSize, TotalSize: size, LiftBound: 6},
		base: base,
		layers: make(map[uint64]*span.Layer),
		live:   make(map[uint64]*span.Span),
	}
	pageLen := size / pageSize
	root := &span.Span{Base: base, PageLen: pageLen, RefCount: 0, LeftBuddy: ^uint64(0), RightBuddy: ^uint64(0)}
	a.layerFor(pageLen).Push(root)
	return a
}

func (a *Allocator) layerFor(pageLen uint64) *span.Layer {
	l, ok := a.layers[pageLen]
	if !ok {
		l = span.NewLayer(pageLen)
		a.layers[pageLen] = l
	}
	return l
}

// fitPageLen rounds a byte size up to the smallest power-of-two page count.
func (a *Allocator) fitPageLen(size uint64) uint64 {
	pages := (size + a.cfg.PageSize - 1) / a.cfg.PageSize
	p := uint64(1)
	for p < pages {
		p <<= 1
	}
	return p
}

// Alloc reserves size bytes, rounding up to a whole page and the nearest
// power-of-two page count. It returns ErrOutOfMemory if no layer at or above
// the fit layer (bounded by the configured lift) holds a free span.
func (a *Allocator) Alloc(size uint64) (*span.Span, error) {
	fitLen := a.fitPageLen(size)

	if l, ok := a.layers[fitLen]; ok && !l.Empty() {
		s := l.Pop()
		s.RefCount = 1
		s.RealSize = size
		a.live[s.Base] = s
		a.track(size, s.Bytes(a.cfg.PageSize), true)
		return s, nil
	}

	// Smallest non-empty layer strictly greater than fitLen, bounded by lift.
	candidate := fitLen
	for i := 0; i < a.cfg.LiftBound; i++ {
		candidate <<= 1
		l, ok := a.layers[candidate]
		if !ok || l.Empty() {
			continue
		}
		big := l.Pop()
		s := a.splitDownTo(big, fitLen)
		s.RefCount = 1
		s.RealSize = size
		a.live[s.Base] = s
		a.track(size, s.Bytes(a.cfg.PageSize), true)
		return s, nil
	}
	return nil, &ErrOutOfMemory{Requested: size}
}

// splitDownTo iteratively halves big until it reaches targetLen, occupying
// one buddy at each step and pushing the other back to its layer. Each
// child's outward L/R buddy address is recomputed from its own base at this
// split's half-size rather than inherited from big: big's LeftBuddy/
// RightBuddy were computed for big's (larger) PageLen and do not scale to a
// child two levels removed from the root, which previously let Free merge
// spans that only looked adjacent because of a stale inherited address.
func (a *Allocator) splitDownTo(big *span.Span, targetLen uint64) *span.Span {
	for big.PageLen > targetLen {
		half := big.PageLen / 2
		halfBytes := half * a.cfg.PageSize
		left := &span.Span{Base: big.Base, PageLen: half}
		right := &span.Span{Base: big.Base + halfBytes, PageLen: half}
		left.RightBuddy = right.Base
		right.LeftBuddy = left.Base
		left.LeftBuddy = a.neighborAddr(left.Base, halfBytes, -1)
		right.RightBuddy = a.neighborAddr(right.Base, halfBytes, 1)

		a.layerFor(half).Push(right) // return the other buddy
		big = left
	}
	return big
}

// neighborAddr returns the base of the same-size physical neighbor
// blockBytes away from base (dir<0 for the block immediately to the left,
// dir>0 for immediately to the right), or the sentinel ^uint64(0) if that
// neighbor would fall outside the allocator's total region.
func (a *Allocator) neighborAddr(base, blockBytes uint64, dir int) uint64 {
	if dir < 0 {
		if base < a.base+blockBytes {
			return ^uint64(0)
		}
		return base - blockBytes
	}
	if base+2*blockBytes > a.base+a.cfg.TotalSize {
		return ^uint64(0)
	}
	return base + blockBytes
}

// Free releases a previously allocated span, attempting a buddy merge in
// both directions before pushing the result to its layer.
func (a *Allocator) Free(s *span.Span) error {
	if s == nil {
		return fmt.Errorf("allocator: free of nil span")
	}
	if _, ok := a.live[s.Base]; !ok {
		return fmt.Errorf("allocator: free of unowned span at base %d", s.Base)
	}
	delete(a.live, s.Base)
	a.track(s.RealSize, s.Bytes(a.cfg.PageSize), false)
	s.RefCount = 0
	s.RealSize = 0

	cur := s
	for {
		merged := false
		if cur.RightBuddy != ^uint64(0) {
			if buddy := a.layerFor(cur.PageLen).Find(cur.RightBuddy); buddy != nil && buddy.Free() {
				a.layerFor(cur.PageLen).Remove(buddy)
				cur = a.mergeBuddies(cur, buddy)
				merged = true
			}
		}
		if !merged && cur.LeftBuddy != ^uint64(0) {
			if buddy := a.layerFor(cur.PageLen).Find(cur.LeftBuddy); buddy != nil && buddy.Free() {
				a.layerFor(cur.PageLen).Remove(buddy)
				cur = a.mergeBuddies(buddy, cur)
				merged = true
			}
		}
		if !merged {
			break
		}
	}
	a.layerFor(cur.PageLen).Push(cur)
	return nil
}

// mergeBuddies combines two adjacent, same-size free spans (left must sit
// immediately before right) into one span twice the size; it never crosses
// a block-base boundary because the buddies are only ever adjacent within
// the region they were split from.
func (a *Allocator) mergeBuddies(left, right *span.Span) *span.Span {
	return &span.Span{
		Base:       left.Base,
		PageLen:    left.PageLen * 2,
		LeftBuddy:  left.LeftBuddy,
		RightBuddy: right.RightBuddy,
	}
}

func (a *Allocator) track(requested, rounded uint64, add bool) {
	if add {
		a.stats.InFlightRequested += requested
		a.stats.InFlightRounded += rounded
		if a.stats.InFlightRequested > a.stats.PeakRequested {
			a.stats.PeakRequested = a.stats.InFlightRequested
		}
		if a.stats.InFlightRounded > a.stats.PeakRounded {
			a.stats.PeakRounded = a.stats.InFlightRounded
		}
	} else {
		a.stats.InFlightRequested -= requested
		a.stats.InFlightRounded -= rounded
	}
}

// Stats returns the allocator's current in-flight/peak usage.
func (a *Allocator) Stats() Stats { return a.stats }

// LayerIDs returns the page-lengths of every layer holding at least one free
// span, used by tests asserting the free-layer set after merges.
func (a *Allocator) LayerIDs() []uint64 {
	var ids []uint64
	for pageLen, l := range a.layers {
		if !l.Empty() {
			ids = append(ids, pageLen)
		}
	}
	return ids
}

// String renders a structured one-line dump of per-layer occupancy, mirroring
// PrintDetails in the original allocator.
func (a *Allocator) String() string {
	return fmt.Sprintf("allocator{layers=%d live=%d in_flight=%d/%d peak=%d/%d}",
		len(a.layers), len(a.live), a.stats.InFlightRequested, a.stats.InFlightRounded,
		a.stats.PeakRequested, a.stats.PeakRounded)
}
