package mtlhal

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/mtlhal/native"
)

// MemoryProperties describes what a memory type offers.
type MemoryProperties uint8

const (
	// MemoryDeviceLocal memory is fast for the GPU.
	MemoryDeviceLocal MemoryProperties = 1 << iota
	// MemoryHostVisible memory can be mapped by the CPU.
	MemoryHostVisible
	// MemoryCoherent memory needs no explicit flush or invalidate.
	MemoryCoherent
)

// Contains reports whether all properties in q are present.
func (p MemoryProperties) Contains(q MemoryProperties) bool { return p&q == q }

// MemoryType is one entry of the device's memory type table.
// The table is built once at device creation and never changes.
type MemoryType struct {
	Index      int
	Properties MemoryProperties
}

// Memory type indices. Managed is present only with Config.ManagedMemory.
const (
	memoryTypePrivate = iota
	memoryTypeShared
	memoryTypeManaged
)

func memoryTypesFor(cfg Config) []MemoryType {
	types := []MemoryType{
		{Index: memoryTypePrivate, Properties: MemoryDeviceLocal},
		{Index: memoryTypeShared, Properties: MemoryHostVisible | MemoryCoherent},
	}
	if cfg.ManagedMemory {
		types = append(types, MemoryType{Index: memoryTypeManaged, Properties: MemoryDeviceLocal | MemoryHostVisible})
	}
	return types
}

// storageMode maps a memory type to the native storage mode.
func (t MemoryType) storageMode() native.StorageMode {
	switch {
	case !t.Properties.Contains(MemoryHostVisible):
		return native.StoragePrivate
	case t.Properties.Contains(MemoryCoherent):
		return native.StorageShared
	default:
		return native.StorageManaged
	}
}

// MemoryTypes returns the device memory type table.
func (d *Device) MemoryTypes() []MemoryType {
	return append([]MemoryType(nil), d.memoryTypes...)
}

// allTypesMask has a bit set for every memory type.
func (d *Device) allTypesMask() uint32 {
	return 1<<uint(len(d.memoryTypes)) - 1
}

// HeapKind identifies how a Memory is backed.
type HeapKind uint8

const (
	// HeapPrivate memory has no CPU path; each bound resource gets its own
	// native allocation.
	HeapPrivate HeapKind = iota
	// HeapPublic memory is one host-visible native buffer that bound
	// resources alias.
	HeapPublic
	// HeapNative memory is a pooled native heap that bound resources are
	// sub-allocated from.
	HeapNative
)

// String returns the heap kind name.
func (k HeapKind) String() string {
	switch k {
	case HeapPrivate:
		return "private"
	case HeapPublic:
		return "public"
	case HeapNative:
		return "native"
	default:
		return "unknown"
	}
}

// memoryHeap is the backing of a Memory. Exactly one implementation is
// chosen at allocation and never changes.
type memoryHeap interface {
	kind() HeapKind
}

type privateHeap struct {
	mode native.StorageMode
}

type publicHeap struct {
	typ MemoryType
	buf native.Buffer
}

type nativeHeap struct {
	heap native.Heap
}

func (privateHeap) kind() HeapKind { return HeapPrivate }
func (publicHeap) kind() HeapKind  { return HeapPublic }
func (nativeHeap) kind() HeapKind  { return HeapNative }

// Memory is a device memory allocation.
type Memory struct {
	heap  memoryHeap
	size  uint64
	freed atomic.Bool
}

// Size returns the allocation size in bytes.
func (m *Memory) Size() uint64 { return m.size }

// Kind returns how the memory is backed.
func (m *Memory) Kind() HeapKind { return m.heap.kind() }

// checkLive panics when m was freed.
func (m *Memory) checkLive(op string) {
	if m == nil {
		contractViolation(op, "nil memory")
	}
	if m.freed.Load() {
		contractViolation(op, "memory was freed")
	}
}

// AllocateMemory allocates size bytes of the given memory type.
//
// With Config.ResourceHeaps, non-shared types are backed by a pooled native
// heap. Otherwise device-local types are Private and host-visible types
// are Public.
func (d *Device) AllocateMemory(typeIndex int, size uint64) (*Memory, error) {
	if typeIndex < 0 || typeIndex >= len(d.memoryTypes) {
		return nil, fmt.Errorf("%w: memory type %d out of range", ErrInvalidDescriptor, typeIndex)
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized memory allocation", ErrInvalidDescriptor)
	}
	typ := d.memoryTypes[typeIndex]
	mode := typ.storageMode()

	var heap memoryHeap
	err := d.withNative(func(raw native.Device) error {
		switch {
		case d.cfg.ResourceHeaps && mode != native.StorageShared:
			h, err := raw.NewHeap(size, mode)
			if err != nil {
				return deviceError("allocate heap", err)
			}
			heap = nativeHeap{heap: h}
		case mode == native.StoragePrivate:
			heap = privateHeap{mode: mode}
		default:
			buf, err := raw.NewBuffer(size, mode)
			if err != nil {
				return deviceError("allocate host-visible memory", err)
			}
			heap = publicHeap{typ: typ, buf: buf}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	Logger().Debug("mtlhal: memory allocated", "type", typeIndex, "size", size, "heap", heap.kind().String())
	return &Memory{heap: heap, size: size}, nil
}

// FreeMemory releases memory. Freeing nil or freed memory is a no-op.
// Resources bound to the memory must be destroyed first.
func (d *Device) FreeMemory(m *Memory) {
	if m == nil || m.freed.Swap(true) {
		return
	}
	switch h := m.heap.(type) {
	case publicHeap:
		h.buf.Release()
	case nativeHeap:
		h.heap.Release()
	}
}

// WholeSize selects the rest of the memory from the given offset.
const WholeSize = ^uint64(0)

// MapMemory returns the CPU view of [offset, offset+size) of host-visible
// memory. The mapping stays valid until the memory is freed.
// Mapping memory without a CPU path is a programming error.
func (d *Device) MapMemory(m *Memory, offset, size uint64) ([]byte, error) {
	m.checkLive("MapMemory")
	h, ok := m.heap.(publicHeap)
	if !ok {
		contractViolation("MapMemory", "memory in a %s heap is not host-visible", m.heap.kind())
	}
	if size == WholeSize {
		size = m.size - min(offset, m.size)
	}
	if offset > m.size || size > m.size-offset {
		return nil, fmt.Errorf("%w: [%d, %d) outside %d bytes", hal.ErrInvalidMapRange, offset, offset+size, m.size)
	}
	return h.buf.Contents()[offset : offset+size], nil
}

// UnmapMemory ends a mapping. Host-visible memory stays persistently
// mapped, so this only checks the contract.
func (d *Device) UnmapMemory(m *Memory) {
	m.checkLive("UnmapMemory")
	if _, ok := m.heap.(publicHeap); !ok {
		contractViolation("UnmapMemory", "memory in a %s heap was never mapped", m.heap.kind())
	}
}

// MappedRange is a byte range of mapped memory.
type MappedRange struct {
	Memory *Memory
	Offset uint64
	Size   uint64
}

// resolve clamps WholeSize and returns the host-visible heap of the range.
func (r MappedRange) resolve(op string) (publicHeap, uint64) {
	r.Memory.checkLive(op)
	h, ok := r.Memory.heap.(publicHeap)
	if !ok {
		contractViolation(op, "memory in a %s heap is not host-visible", r.Memory.heap.kind())
	}
	size := r.Size
	if size == WholeSize || r.Offset+size > r.Memory.size {
		size = r.Memory.size - min(r.Offset, r.Memory.size)
	}
	return h, size
}

// FlushMappedRanges makes CPU writes visible to the GPU. Coherent memory
// needs nothing; other memory notifies the driver of the modified range.
func (d *Device) FlushMappedRanges(ranges []MappedRange) {
	for _, r := range ranges {
		h, size := r.resolve("FlushMappedRanges")
		if h.typ.Properties.Contains(MemoryCoherent) {
			continue
		}
		h.buf.DidModifyRange(r.Offset, size)
	}
}

// InvalidateMappedRanges makes GPU writes visible to the CPU.
//
// Non-coherent ranges are synchronized by a blit on the device's secondary
// queue, and the call blocks until that work completes. When no range
// needs synchronization nothing is submitted.
func (d *Device) InvalidateMappedRanges(ranges []MappedRange) error {
	var cmd native.CommandBuffer
	syncs := 0
	for _, r := range ranges {
		h, _ := r.resolve("InvalidateMappedRanges")
		if h.typ.Properties.Contains(MemoryCoherent) {
			continue
		}
		if cmd == nil {
			var err error
			if cmd, err = d.invalidation.NewCommandBuffer(); err != nil {
				return deviceError("create invalidation command buffer", err)
			}
		}
		cmd.SynchronizeResource(h.buf)
		syncs++
	}
	if syncs == 0 {
		return nil
	}
	cmd.Commit()
	cmd.WaitUntilCompleted()
	return nil
}
