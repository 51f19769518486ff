package mtlhal

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/mtlhal/internal/rangealloc"
	"github.com/gogpu/mtlhal/native"
)

// Layout of the visibility buffer: one 8-byte result per query followed by
// one 4-byte availability flag per query.
const (
	visibilityResultSize       = 8
	visibilityAvailabilitySize = 4
)

// VisibilityBuffer is the device-wide store of occlusion query results.
//
// Query pools lease contiguous id ranges from it. A result becomes
// observable when its availability flag turns nonzero. Waiters block on a
// condition variable that is broadcast by triage whenever a fence or event
// changes state or a submission completes.
type VisibilityBuffer struct {
	mu    sync.Mutex
	ready *sync.Cond

	raw       native.Buffer
	capacity  uint32
	alloc     *rangealloc.Allocator
	destroyed bool
}

func newVisibilityBuffer(raw native.Device, capacity uint32) (*VisibilityBuffer, error) {
	size := uint64(capacity) * (visibilityResultSize + visibilityAvailabilitySize)
	buf, err := raw.NewBuffer(size, native.StorageShared)
	if err != nil {
		return nil, deviceError("create visibility buffer", err)
	}
	buf.SetLabel("visibility")
	v := &VisibilityBuffer{
		raw:      buf,
		capacity: capacity,
		alloc:    rangealloc.New(uint64(capacity)),
	}
	v.ready = sync.NewCond(&v.mu)
	return v, nil
}

// Capacity returns the number of query ids.
func (v *VisibilityBuffer) Capacity() uint32 { return v.capacity }

// Native returns the shared buffer holding results and availability.
func (v *VisibilityBuffer) Native() native.Buffer { return v.raw }

// ResultOffset returns the byte offset of the result of query id.
func (v *VisibilityBuffer) ResultOffset(id uint32) uint64 {
	return uint64(id) * visibilityResultSize
}

// AvailabilityOffset returns the byte offset of the availability flag of
// query id.
func (v *VisibilityBuffer) AvailabilityOffset(id uint32) uint64 {
	return uint64(v.capacity)*visibilityResultSize + uint64(id)*visibilityAvailabilitySize
}

func (v *VisibilityBuffer) lease(count uint32) (uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, err := v.alloc.Allocate(uint64(count), 1)
	if err != nil {
		return 0, fmt.Errorf("%w: %d occlusion queries: %w", ErrOutOfHostMemory, count, err)
	}
	v.resetLocked(uint32(r.Start), count)
	return uint32(r.Start), nil
}

func (v *VisibilityBuffer) release(base, count uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.alloc.Free(rangealloc.Range{Start: uint64(base), End: uint64(base) + uint64(count)})
}

// AreAvailable reports whether every query in [base, base+count) has a
// result. It never blocks.
func (v *VisibilityBuffer) AreAvailable(base, count uint32) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.areAvailableLocked(base, count)
}

func (v *VisibilityBuffer) areAvailableLocked(base, count uint32) bool {
	mem := v.raw.Contents()
	for id := base; id < base+count; id++ {
		off := v.AvailabilityOffset(id)
		if binary.LittleEndian.Uint32(mem[off:]) == 0 {
			return false
		}
	}
	return true
}

// Wait blocks until every query in [base, base+count) has a result.
// There is no timeout: the caller must have submitted the work that
// produces the results.
func (v *VisibilityBuffer) Wait(base, count uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for !v.areAvailableLocked(base, count) {
		v.ready.Wait()
	}
}

// Record stores the result of query id and marks it available.
func (v *VisibilityBuffer) Record(id uint32, value uint64) {
	v.mu.Lock()
	mem := v.raw.Contents()
	binary.LittleEndian.PutUint64(mem[v.ResultOffset(id):], value)
	binary.LittleEndian.PutUint32(mem[v.AvailabilityOffset(id):], 1)
	v.mu.Unlock()
	v.triage()
}

func (v *VisibilityBuffer) result(id uint32) (uint64, bool) {
	mem := v.raw.Contents()
	avail := binary.LittleEndian.Uint32(mem[v.AvailabilityOffset(id):]) != 0
	return binary.LittleEndian.Uint64(mem[v.ResultOffset(id):]), avail
}

func (v *VisibilityBuffer) reset(base, count uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.resetLocked(base, count)
}

func (v *VisibilityBuffer) resetLocked(base, count uint32) {
	mem := v.raw.Contents()
	for id := base; id < base+count; id++ {
		binary.LittleEndian.PutUint64(mem[v.ResultOffset(id):], 0)
		binary.LittleEndian.PutUint32(mem[v.AvailabilityOffset(id):], 0)
	}
}

// triage wakes every waiter so it re-checks availability.
func (v *VisibilityBuffer) triage() {
	v.mu.Lock()
	v.ready.Broadcast()
	v.mu.Unlock()
}

func (v *VisibilityBuffer) destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return
	}
	v.destroyed = true
	v.raw.Release()
}

// QueryType is the kind of a query pool.
type QueryType uint8

const (
	QueryOcclusion QueryType = iota
	QueryTimestamp
	QueryPipelineStatistics
)

// String returns the query type name.
func (t QueryType) String() string {
	switch t {
	case QueryOcclusion:
		return "occlusion"
	case QueryTimestamp:
		return "timestamp"
	case QueryPipelineStatistics:
		return "pipeline-statistics"
	default:
		return "unknown"
	}
}

// QueryPool is a set of queries. Occlusion pools own a range of the
// visibility buffer; other pool types report zero results.
type QueryPool struct {
	typ   QueryType
	base  uint32
	count uint32

	mu        sync.Mutex
	destroyed bool
}

// Type returns the pool type.
func (p *QueryPool) Type() QueryType { return p.typ }

// Count returns the number of queries.
func (p *QueryPool) Count() uint32 { return p.count }

// Base returns the first visibility buffer id of an occlusion pool.
func (p *QueryPool) Base() uint32 { return p.base }

// CreateQueryPool creates a pool of count queries.
func (d *Device) CreateQueryPool(typ QueryType, count uint32) (*QueryPool, error) {
	if count == 0 {
		return nil, fmt.Errorf("%w: empty query pool", ErrInvalidDescriptor)
	}
	p := &QueryPool{typ: typ, count: count}
	switch typ {
	case QueryOcclusion:
		base, err := d.visibility.lease(count)
		if err != nil {
			return nil, err
		}
		p.base = base
	case QueryTimestamp, QueryPipelineStatistics:
		Logger().Debug("mtlhal: query pool reports zeros", "type", typ.String(), "count", count)
	default:
		return nil, fmt.Errorf("%w: query type %d", ErrInvalidDescriptor, typ)
	}
	return p, nil
}

// DestroyQueryPool returns the pool's range to the visibility buffer.
// Destroying nil or a destroyed pool is a no-op.
func (d *Device) DestroyQueryPool(p *QueryPool) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.destroyed = true
	if p.typ == QueryOcclusion {
		d.visibility.release(p.base, p.count)
	}
}

func (p *QueryPool) checkRange(op string, first, count uint32) {
	if first > p.count || count > p.count-first {
		contractViolation(op, "queries [%d, %d) outside pool of %d", first, first+count, p.count)
	}
}

// ResetQueryPool clears results and availability of [first, first+count).
func (d *Device) ResetQueryPool(p *QueryPool, first, count uint32) {
	p.checkRange("ResetQueryPool", first, count)
	if p.typ == QueryOcclusion {
		d.visibility.reset(p.base+first, count)
	}
}

// RecordOcclusionResult stores the sample count of query index of an
// occlusion pool and wakes waiters. Drivers call it when the submission
// that ran the query completes.
func (d *Device) RecordOcclusionResult(p *QueryPool, index uint32, samples uint64) {
	p.checkRange("RecordOcclusionResult", index, 1)
	if p.typ != QueryOcclusion {
		contractViolation("RecordOcclusionResult", "%s pool has no occlusion results", p.typ)
	}
	d.visibility.Record(p.base+index, samples)
}

// QueryResultFlags control QueryPoolResults.
type QueryResultFlags uint8

const (
	// QueryResult64 writes 64-bit values instead of 32-bit values.
	QueryResult64 QueryResultFlags = 1 << iota
	// QueryResultWait blocks until all requested results are available.
	QueryResultWait
	// QueryResultWithAvailability appends an availability value after
	// each result.
	QueryResultWithAvailability
	// QueryResultPartial writes results even when they are not available.
	QueryResultPartial
)

// QueryPoolResults copies the results of [first, first+count) into data,
// one record every stride bytes. It reports whether every result was
// available. Without QueryResultWait it never blocks.
func (d *Device) QueryPoolResults(p *QueryPool, first, count uint32, data []byte, stride uint64, flags QueryResultFlags) (bool, error) {
	p.checkRange("QueryPoolResults", first, count)
	if count == 0 {
		return true, nil
	}
	elem := uint64(4)
	if flags&QueryResult64 != 0 {
		elem = 8
	}
	record := elem
	if flags&QueryResultWithAvailability != 0 {
		record *= 2
	}
	if stride < record {
		return false, fmt.Errorf("%w: stride %d smaller than result record %d", ErrInvalidDescriptor, stride, record)
	}
	if need := uint64(count-1)*stride + record; uint64(len(data)) < need {
		return false, fmt.Errorf("%w: result buffer of %d bytes, need %d", ErrInvalidDescriptor, len(data), need)
	}

	if p.typ != QueryOcclusion {
		for i := range count {
			rec := data[uint64(i)*stride:]
			putQueryValue(rec, elem, 0)
			if flags&QueryResultWithAvailability != 0 {
				putQueryValue(rec[elem:], elem, 1)
			}
		}
		return true, nil
	}

	base := p.base + first
	if flags&QueryResultWait != 0 {
		d.visibility.Wait(base, count)
	}

	v := d.visibility
	v.mu.Lock()
	defer v.mu.Unlock()
	all := true
	for i := range count {
		value, avail := v.result(base + i)
		all = all && avail
		rec := data[uint64(i)*stride:]
		if avail || flags&QueryResultPartial != 0 {
			putQueryValue(rec, elem, value)
		}
		if flags&QueryResultWithAvailability != 0 {
			var a uint64
			if avail {
				a = 1
			}
			putQueryValue(rec[elem:], elem, a)
		}
	}
	return all, nil
}

func putQueryValue(dst []byte, size, value uint64) {
	if size == 8 {
		binary.LittleEndian.PutUint64(dst, value)
		return
	}
	binary.LittleEndian.PutUint32(dst, uint32(min(value, 0xFFFFFFFF)))
}
