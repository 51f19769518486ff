//go:build !(js && wasm)

// Package soft is an in-memory implementation of the native driver
// interfaces.
//
// It backs every buffer, texture and heap with host memory obtained from a
// wgpu HAL device (the noop HAL by default), compiles shader libraries by
// locating entry-point declarations in the source text, and completes
// command buffers on a goroutine. It is deterministic and needs no GPU,
// which makes it the driver for tests and for the mtlc tool.
//
// Managed buffers keep separate CPU and GPU copies so that flushes
// (DidModifyRange) and blit synchronizations are observable.
package soft

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/mtlhal/internal/rangealloc"
	"github.com/gogpu/mtlhal/native"
)

// Options configures a software device.
type Options struct {
	// Name is reported through Info. Defaults to "Software Metal".
	Name string

	// Backing provides host memory. Defaults to the noop HAL device.
	Backing hal.Device

	// ArgumentAlignment is the alignment reported by argument encoders.
	// Defaults to 256.
	ArgumentAlignment uint64

	// MaxThreadsPerThreadgroup bounds compute threadgroup sizes.
	// Defaults to 1024.
	MaxThreadsPerThreadgroup uint32

	// MemoryLimit caps the total bytes allocated through the device.
	// Zero means unlimited.
	MemoryLimit uint64
}

// DefaultOptions returns the options used by New when fields are zero.
func DefaultOptions() Options {
	return Options{
		Name:                     "Software Metal",
		ArgumentAlignment:        256,
		MaxThreadsPerThreadgroup: 1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Name == "" {
		o.Name = d.Name
	}
	if o.Backing == nil {
		o.Backing = &noop.Device{}
	}
	if o.ArgumentAlignment == 0 {
		o.ArgumentAlignment = d.ArgumentAlignment
	}
	if o.MaxThreadsPerThreadgroup == 0 {
		o.MaxThreadsPerThreadgroup = d.MaxThreadsPerThreadgroup
	}
	return o
}

// heapAlignment is the placement alignment of resources inside heaps.
const heapAlignment = 256

// Device implements native.Device in host memory.
type Device struct {
	opts    Options
	backing hal.Device

	nextID    atomic.Uint64
	allocated atomic.Uint64

	mu       sync.Mutex
	backings map[uint64]hal.Buffer
}

var _ native.Device = (*Device)(nil)

// New creates a software device.
func New(opts Options) *Device {
	opts = opts.withDefaults()
	return &Device{
		opts:     opts,
		backing:  opts.Backing,
		backings: make(map[uint64]hal.Buffer),
	}
}

// Info reports the device as a software adapter.
func (d *Device) Info() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: d.opts.Name, Type: gpucontext.AdapterTypeSoftware}
}

// AllocatedBytes returns the bytes currently held by live allocations.
func (d *Device) AllocatedBytes() uint64 { return d.allocated.Load() }

func (d *Device) newID() uint64 { return d.nextID.Add(1) }

// alloc obtains length bytes of host memory from the backing HAL device.
// The returned id releases the memory through free.
func (d *Device) alloc(label string, length uint64) (uint64, []byte, error) {
	if length == 0 {
		return 0, nil, fmt.Errorf("soft: zero-sized allocation %q", label)
	}
	if limit := d.opts.MemoryLimit; limit > 0 && d.allocated.Load()+length > limit {
		return 0, nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			hal.ErrDeviceOutOfMemory, length, d.allocated.Load(), limit)
	}

	hb, err := d.backing.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  length,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageMapWrite |
			gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", hal.ErrDeviceOutOfMemory, err)
	}
	mapping, err := d.backing.MapBuffer(hb, 0, length)
	if err != nil {
		d.backing.DestroyBuffer(hb)
		return 0, nil, fmt.Errorf("soft: map backing memory: %w", err)
	}

	id := d.newID()
	d.mu.Lock()
	d.backings[id] = hb
	d.mu.Unlock()
	d.allocated.Add(length)

	return id, unsafe.Slice((*byte)(mapping.Ptr), length), nil
}

// free returns memory obtained from alloc.
func (d *Device) free(id uint64, length uint64) {
	d.mu.Lock()
	hb, ok := d.backings[id]
	delete(d.backings, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	_ = d.backing.UnmapBuffer(hb)
	d.backing.DestroyBuffer(hb)
	d.allocated.Add(^(length - 1))
}

// NewBuffer allocates a standalone buffer.
func (d *Device) NewBuffer(length uint64, mode native.StorageMode) (native.Buffer, error) {
	memID, mem, err := d.alloc("buffer", length)
	if err != nil {
		return nil, err
	}
	b := newBuffer(d, mem, mode)
	b.release = func() { d.free(memID, length) }
	return b, nil
}

// NewTexture allocates a standalone texture.
func (d *Device) NewTexture(desc *gputypes.TextureDescriptor, mode native.StorageMode) (native.Texture, error) {
	sa := d.HeapTextureSizeAndAlign(desc, mode)
	if sa.Size == 0 {
		return nil, fmt.Errorf("soft: unsupported texture format %v", desc.Format)
	}
	memID, mem, err := d.alloc("texture", sa.Size)
	if err != nil {
		return nil, err
	}
	t := newTexture(d, *desc, mem)
	t.release = func() { d.free(memID, sa.Size) }
	return t, nil
}

// NewSampler creates a sampler state.
func (d *Device) NewSampler(desc *gputypes.SamplerDescriptor) (native.Sampler, error) {
	if desc.MaxAnisotropy > 16 {
		return nil, fmt.Errorf("soft: anisotropy %d exceeds 16", desc.MaxAnisotropy)
	}
	return &Sampler{id: d.newID(), Desc: *desc}, nil
}

// NewHeap allocates a heap that resources can be sub-allocated from.
func (d *Device) NewHeap(size uint64, mode native.StorageMode) (native.Heap, error) {
	memID, mem, err := d.alloc("heap", size)
	if err != nil {
		return nil, err
	}
	return &Heap{
		dev:     d,
		id:      d.newID(),
		mode:    mode,
		mem:     mem,
		alloc:   rangealloc.New(size),
		release: func() { d.free(memID, size) },
	}, nil
}

// HeapBufferSizeAndAlign returns the heap footprint of a buffer.
func (d *Device) HeapBufferSizeAndAlign(length uint64, _ native.StorageMode) native.SizeAndAlign {
	return native.SizeAndAlign{
		Size:  rangealloc.AlignUp(length, heapAlignment),
		Align: heapAlignment,
	}
}

// HeapTextureSizeAndAlign returns the heap footprint of a texture.
// Unsupported formats report a zero size.
func (d *Device) HeapTextureSizeAndAlign(desc *gputypes.TextureDescriptor, _ native.StorageMode) native.SizeAndAlign {
	sizes, ok := native.MipLevelSizes(desc)
	if !ok {
		return native.SizeAndAlign{Align: heapAlignment}
	}
	var total uint64
	for _, s := range sizes {
		total += rangealloc.AlignUp(s, heapAlignment)
	}
	return native.SizeAndAlign{Size: total, Align: heapAlignment}
}

// NewCommandQueue creates a queue whose command buffers complete
// asynchronously.
func (d *Device) NewCommandQueue() (native.CommandQueue, error) {
	return &CommandQueue{dev: d}, nil
}

// NewRenderPipelineState validates and records a render pipeline.
func (d *Device) NewRenderPipelineState(desc *native.RenderPipelineDescriptor) (native.RenderPipelineState, error) {
	if desc.VertexFunction == nil {
		return nil, fmt.Errorf("soft: render pipeline %q has no vertex function", desc.Label)
	}
	if !desc.RasterizationEnabled && desc.FragmentFunction != nil {
		return nil, fmt.Errorf("soft: render pipeline %q has a fragment function but rasterization is disabled", desc.Label)
	}
	return &RenderPipelineState{id: d.newID(), Desc: *desc}, nil
}

// NewComputePipelineState validates and records a compute pipeline.
func (d *Device) NewComputePipelineState(desc *native.ComputePipelineDescriptor) (native.ComputePipelineState, error) {
	if desc.Function == nil {
		return nil, fmt.Errorf("soft: compute pipeline %q has no function", desc.Label)
	}
	total := uint64(1)
	for _, n := range desc.ThreadgroupSize {
		total *= uint64(max(n, 1))
	}
	if total > uint64(d.opts.MaxThreadsPerThreadgroup) {
		return nil, fmt.Errorf("soft: threadgroup of %d threads exceeds %d", total, d.opts.MaxThreadsPerThreadgroup)
	}
	return &ComputePipelineState{id: d.newID(), Desc: *desc, maxThreads: d.opts.MaxThreadsPerThreadgroup}, nil
}

// Sampler implements native.Sampler.
type Sampler struct {
	id   uint64
	Desc gputypes.SamplerDescriptor
}

// ID returns the sampler handle.
func (s *Sampler) ID() uint64 { return s.id }

// Release is a no-op.
func (s *Sampler) Release() {}

// RenderPipelineState implements native.RenderPipelineState.
type RenderPipelineState struct {
	id   uint64
	Desc native.RenderPipelineDescriptor
}

// ID returns the pipeline handle.
func (p *RenderPipelineState) ID() uint64 { return p.id }

// Release is a no-op.
func (p *RenderPipelineState) Release() {}

// ComputePipelineState implements native.ComputePipelineState.
type ComputePipelineState struct {
	id         uint64
	Desc       native.ComputePipelineDescriptor
	maxThreads uint32
}

// ID returns the pipeline handle.
func (p *ComputePipelineState) ID() uint64 { return p.id }

// Release is a no-op.
func (p *ComputePipelineState) Release() {}

// MaxTotalThreadsPerThreadgroup returns the device threadgroup limit.
func (p *ComputePipelineState) MaxTotalThreadsPerThreadgroup() uint32 { return p.maxThreads }
