// Package rangealloc provides a first-fit allocator over a fixed range of
// integer units.
//
// It backs every place mtlhal hands out sub-ranges of a fixed resource:
// occlusion query ids in the visibility buffer, per-category slots in
// emulated descriptor pools, per-set slices of argument buffers and
// sub-allocations inside pooled native heaps.
//
// Allocator is not safe for concurrent use; owners guard it with their
// own lock.
package rangealloc

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOutOfSpace is returned when no free range can hold a request.
var ErrOutOfSpace = errors.New("rangealloc: not enough space")

// Range is a half-open interval [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of units in the range.
func (r Range) Len() uint64 { return r.End - r.Start }

// String returns "[start, end)".
func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Allocator hands out non-overlapping ranges of [0, Size).
// Allocations are kept sorted by start so gaps are found in one pass.
type Allocator struct {
	size   uint64
	allocs []Range
}

// New creates an allocator over [0, size).
func New(size uint64) *Allocator {
	return &Allocator{size: size}
}

// Size returns the total number of units managed.
func (a *Allocator) Size() uint64 { return a.size }

// AlignUp rounds v up to a multiple of align. An align of 0 or 1 returns v.
func AlignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	if m := v % align; m != 0 {
		return v - m + align
	}
	return v
}

// Allocate leases count contiguous units starting at a multiple of align.
func (a *Allocator) Allocate(count, align uint64) (Range, error) {
	if count == 0 {
		return Range{}, fmt.Errorf("rangealloc: zero-sized allocation")
	}

	prevEnd := uint64(0)
	for i, r := range a.allocs {
		start := AlignUp(prevEnd, align)
		if start+count <= r.Start {
			na := Range{Start: start, End: start + count}
			a.allocs = append(a.allocs, Range{})
			copy(a.allocs[i+1:], a.allocs[i:])
			a.allocs[i] = na
			return na, nil
		}
		prevEnd = r.End
	}

	start := AlignUp(prevEnd, align)
	if start+count > a.size || start+count < start {
		return Range{}, fmt.Errorf("%w: want %d units, capacity %d", ErrOutOfSpace, count, a.size)
	}
	na := Range{Start: start, End: start + count}
	a.allocs = append(a.allocs, na)
	return na, nil
}

// Free returns a previously allocated range. Freeing a range that was not
// allocated is a no-op and reports false.
func (a *Allocator) Free(r Range) bool {
	i := sort.Search(len(a.allocs), func(i int) bool { return a.allocs[i].Start >= r.Start })
	if i == len(a.allocs) || a.allocs[i] != r {
		return false
	}
	a.allocs = append(a.allocs[:i], a.allocs[i+1:]...)
	return true
}

// Reset frees every allocation.
func (a *Allocator) Reset() {
	a.allocs = a.allocs[:0]
}

// Used returns the total number of allocated units.
func (a *Allocator) Used() uint64 {
	var n uint64
	for _, r := range a.allocs {
		n += r.Len()
	}
	return n
}

// String lists the current allocations.
func (a *Allocator) String() string {
	return fmt.Sprintf("%v", a.allocs)
}
