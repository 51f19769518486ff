//go:build !(js && wasm)

package soft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/mtlhal/internal/rangealloc"
	"github.com/gogpu/mtlhal/native"
)

// Texture implements native.Texture.
type Texture struct {
	dev  *Device
	id   uint64
	desc gputypes.TextureDescriptor
	mem  []byte

	ViewDimension gputypes.TextureViewDimension

	release  func()
	released atomic.Bool

	mu    sync.Mutex
	label string
}

var _ native.Texture = (*Texture)(nil)

func newTexture(dev *Device, desc gputypes.TextureDescriptor, mem []byte) *Texture {
	return &Texture{dev: dev, id: dev.newID(), desc: desc, mem: mem}
}

// ID returns the texture handle.
func (t *Texture) ID() uint64 { return t.id }

// Release frees owned memory once. Views and aliases own nothing.
func (t *Texture) Release() {
	if t.released.Swap(true) {
		return
	}
	if t.release != nil {
		t.release()
	}
}

// Released reports whether Release was called.
func (t *Texture) Released() bool { return t.released.Load() }

// SetLabel sets the debug label.
func (t *Texture) SetLabel(label string) {
	t.mu.Lock()
	t.label = label
	t.mu.Unlock()
}

// Label returns the debug label.
func (t *Texture) Label() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.label
}

// Descriptor returns the creation descriptor.
func (t *Texture) Descriptor() gputypes.TextureDescriptor { return t.desc }

// Bytes returns the texel memory.
func (t *Texture) Bytes() []byte { return t.mem }

// NewView creates a texture sharing this texture's memory.
func (t *Texture) NewView(format gputypes.TextureFormat, dim gputypes.TextureViewDimension) (native.Texture, error) {
	src, _ := native.TexelBlockSize(t.desc.Format)
	dst, ok := native.TexelBlockSize(format)
	if !ok || src != dst {
		return nil, fmt.Errorf("soft: cannot view %v as %v", t.desc.Format, format)
	}
	desc := t.desc
	desc.Format = format
	v := newTexture(t.dev, desc, t.mem)
	v.ViewDimension = dim
	return v, nil
}

// Heap implements native.Heap.
type Heap struct {
	dev  *Device
	id   uint64
	mode native.StorageMode
	mem  []byte

	mu    sync.Mutex
	alloc *rangealloc.Allocator

	release  func()
	released atomic.Bool
}

var _ native.Heap = (*Heap)(nil)

// ID returns the heap handle.
func (h *Heap) ID() uint64 { return h.id }

// Release frees the heap memory once.
func (h *Heap) Release() {
	if h.released.Swap(true) {
		return
	}
	h.release()
}

// Size returns the heap capacity in bytes.
func (h *Heap) Size() uint64 { return uint64(len(h.mem)) }

// UsedSize returns the bytes currently sub-allocated.
func (h *Heap) UsedSize() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alloc.Used()
}

// Storage returns the heap storage mode.
func (h *Heap) Storage() native.StorageMode { return h.mode }

func (h *Heap) carve(size uint64) (rangealloc.Range, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.alloc.Allocate(size, heapAlignment)
	return r, err == nil
}

func (h *Heap) giveBack(r rangealloc.Range) {
	h.mu.Lock()
	h.alloc.Free(r)
	h.mu.Unlock()
}

// NewBuffer sub-allocates a buffer. The storage mode must match the heap.
func (h *Heap) NewBuffer(length uint64, mode native.StorageMode) (native.Buffer, bool) {
	if mode != h.mode || length == 0 {
		return nil, false
	}
	sa := h.dev.HeapBufferSizeAndAlign(length, mode)
	r, ok := h.carve(sa.Size)
	if !ok {
		return nil, false
	}
	b := newBuffer(h.dev, h.mem[r.Start:r.Start+length], mode)
	b.release = func() { h.giveBack(r) }
	return b, true
}

// NewTexture sub-allocates a texture.
func (h *Heap) NewTexture(desc *gputypes.TextureDescriptor) (native.Texture, bool) {
	sa := h.dev.HeapTextureSizeAndAlign(desc, h.mode)
	if sa.Size == 0 {
		return nil, false
	}
	r, ok := h.carve(sa.Size)
	if !ok {
		return nil, false
	}
	t := newTexture(h.dev, *desc, h.mem[r.Start:r.End])
	t.release = func() { h.giveBack(r) }
	return t, true
}
