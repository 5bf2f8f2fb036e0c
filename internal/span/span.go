// Package span implements the page-span bookkeeping used by the buddy
// allocator: a span is a run of same-sized pages, and a layer is the free
// list of same-sized spans.
package span

// Span is a contiguous run of pages within a registered region.
//
// Neighbour fields identify the buddy this span would merge with on Free;
// they are block offsets, not pointers, since spans are value types owned by
// their layer's free list.
type Span struct {
	Base     uint64 // byte offset of this span within its region
	PageLen  uint64 // number of pages this span covers
	RealSize uint64 // actual requested size this span was cut to serve (0 if free)
	RefCount int32  // 0 while free; >0 while in use

	// LeftBuddy/RightBuddy are the base offsets of this span's buddies at
	// its own layer, used by Free to attempt a merge. A value of ^uint64(0)
	// means "no buddy in that direction" (span sits at a region edge).
	LeftBuddy  uint64
	RightBuddy uint64

	prev, next *Span // free-list links, owned by the containing Layer
}

// Free reports whether the span is currently unused.
func (s *Span) Free() bool { return s.RefCount == 0 }

// Bytes returns the span's size in bytes given the allocator's page size.
func (s *Span) Bytes(pageSize uint64) uint64 { return s.PageLen * pageSize }

// Layer is a doubly-linked free list of spans that all share PageLen.
// Spans are pushed and popped LIFO, which is both O(1) and preserves cache
// locality for the most recently freed memory, matching the allocator's
// tie-break rule for equal-size candidates.
type Layer struct {
	PageLen uint64
	head    *Span
	count   int
}

// NewLayer creates an empty layer for spans of the given page length.
func NewLayer(pageLen uint64) *Layer {
	return &Layer{PageLen: pageLen}
}

// Empty reports whether the layer currently holds no free spans.
func (l *Layer) Empty() bool { return l.count == 0 }

// Count returns the number of free spans currently in the layer.
func (l *Layer) Count() int { return l.count }

// Push adds a span to the front of the free list (LIFO).
func (l *Layer) Push(s *Span) {
	s.next = l.head
	s.prev = nil
	if l.head != nil {
		l.head.prev = s
	}
	l.head = s
	l.count++
}

// Pop removes and returns the most recently pushed span, or nil if empty.
func (l *Layer) Pop() *Span {
	if l.head == nil {
		return nil
	}
	s := l.head
	l.head = s.next
	if l.head != nil {
		l.head.prev = nil
	}
	s.next, s.prev = nil, nil
	l.count--
	return s
}

// Remove detaches a specific span from the free list; used when Free finds
// a buddy already sitting in a layer and needs to pull it out to merge.
func (l *Layer) Remove(s *Span) {
	if s.prev != nil {
		s.prev.next = s.next
	} else if l.head == s {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
	l.count--
}

// Find locates a free span with the given base offset, or nil.
func (l *Layer) Find(base uint64) *Span {
	for s := l.head; s != nil; s = s.next {
		if s.Base == base {
			return s
		}
	}
	return nil
}
