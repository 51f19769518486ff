package mtlhal

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/mtlhal/internal/rangealloc"
	"github.com/gogpu/mtlhal/native"
)

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage
	// TexelViews declares that buffer views with a texel format will be
	// created over the buffer.
	TexelViews bool
}

// Requirements are the memory requirements of an unbound resource.
type Requirements struct {
	Size      uint64
	Alignment uint64
	// TypeMask has bit i set when memory type i can back the resource.
	TypeMask uint32
}

// boundBuffer is the native side of a bound buffer.
type boundBuffer struct {
	raw native.Buffer
	// rng is the byte range of raw that belongs to the buffer.
	rng rangealloc.Range
	// owned is true when raw was created for this buffer alone.
	owned bool
}

// Buffer is a linear resource. It starts Unbound, becomes Bound exactly
// once through BindBufferMemory, and is then immutable until destroyed.
type Buffer struct {
	size       uint64
	usage      gputypes.BufferUsage
	texelViews bool

	mu        sync.Mutex
	name      string
	bound     *boundBuffer
	destroyed bool
}

// CreateBuffer creates an unbound buffer.
func (d *Device) CreateBuffer(desc *BufferDescriptor) (*Buffer, error) {
	if desc == nil || desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer size must be non-zero", ErrInvalidDescriptor)
	}
	if desc.Usage.ContainsUnknownBits() {
		return nil, fmt.Errorf("%w: unknown buffer usage bits %#x", ErrInvalidDescriptor, uint64(desc.Usage))
	}
	return &Buffer{
		size:       desc.Size,
		usage:      desc.Usage,
		texelViews: desc.TexelViews,
		name:       desc.Label,
	}, nil
}

// Size returns the requested buffer size.
func (b *Buffer) Size() uint64 { return b.size }

// Name returns the debug name.
func (b *Buffer) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

// IsBound reports whether memory was bound.
func (b *Buffer) IsBound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound != nil
}

// Native returns the native buffer and the byte range of it the buffer
// occupies. Using an unbound buffer is a programming error.
func (b *Buffer) Native() (native.Buffer, rangealloc.Range) {
	bb := b.mustBound("Buffer.Native")
	return bb.raw, bb.rng
}

func (b *Buffer) mustBound(op string) *boundBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		contractViolation(op, "buffer %q was destroyed", b.name)
	}
	if b.bound == nil {
		contractViolation(op, "buffer %q is not bound to memory", b.name)
	}
	return b.bound
}

// BufferRequirements returns the memory requirements of an unbound buffer.
//
// Sizes are rounded to the buffer alignment. Shared memory is excluded for
// buffers with texel views unless Config.SharedTextures is set.
func (d *Device) BufferRequirements(b *Buffer) Requirements {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bound != nil {
		contractViolation("BufferRequirements", "buffer %q is already bound", b.name)
	}

	req := Requirements{
		Size:      b.size,
		Alignment: d.cfg.BufferAlignment,
		TypeMask:  d.allTypesMask(),
	}
	if d.cfg.ResourceHeaps {
		for _, t := range d.memoryTypes {
			sa := d.raw.HeapBufferSizeAndAlign(b.size, t.storageMode())
			req.Size = max(req.Size, sa.Size)
			req.Alignment = max(req.Alignment, sa.Align)
		}
	}
	req.Size = rangealloc.AlignUp(req.Size, max(req.Alignment, d.cfg.BufferAlignment))
	if b.texelViews && !d.cfg.SharedTextures {
		req.TypeMask &^= 1 << memoryTypeShared
	}
	return req
}

// BindBufferMemory binds b to [offset, offset+size) of m.
//
// Public memory is aliased: the buffer shares the memory's native buffer.
// Private memory gets a dedicated native buffer. Native heap memory
// sub-allocates from the heap and falls back to a dedicated allocation when
// the heap is full. Binding a buffer twice is a programming error.
func (d *Device) BindBufferMemory(m *Memory, offset uint64, b *Buffer) error {
	m.checkLive("BindBufferMemory")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		contractViolation("BindBufferMemory", "buffer %q was destroyed", b.name)
	}
	if b.bound != nil {
		contractViolation("BindBufferMemory", "buffer %q is already bound", b.name)
	}
	if offset > m.size || b.size > m.size-offset {
		return fmt.Errorf("%w: buffer of %d bytes at offset %d exceeds memory of %d bytes",
			ErrInvalidDescriptor, b.size, offset, m.size)
	}

	var bound *boundBuffer
	switch h := m.heap.(type) {
	case publicHeap:
		rng := rangealloc.Range{Start: offset, End: offset + b.size}
		if offset == 0 && b.size == m.size {
			h.buf.SetLabel(b.name)
		} else {
			h.buf.AddDebugMarker(b.name, rng.Start, rng.Len())
		}
		bound = &boundBuffer{raw: h.buf, rng: rng}

	case privateHeap:
		err := d.withNative(func(raw native.Device) error {
			buf, err := raw.NewBuffer(b.size, h.mode)
			if err != nil {
				return deviceError("bind private buffer", err)
			}
			buf.SetLabel(b.name)
			bound = &boundBuffer{raw: buf, rng: rangealloc.Range{End: b.size}, owned: true}
			return nil
		})
		if err != nil {
			return err
		}

	case nativeHeap:
		err := d.withNative(func(raw native.Device) error {
			buf, ok := h.heap.NewBuffer(b.size, h.heap.Storage())
			if !ok {
				Logger().Debug("mtlhal: heap full, using a dedicated buffer", "buffer", b.name, "size", b.size)
				var err error
				if buf, err = raw.NewBuffer(b.size, h.heap.Storage()); err != nil {
					return deviceError("bind heap buffer", err)
				}
			}
			buf.SetLabel(b.name)
			bound = &boundBuffer{raw: buf, rng: rangealloc.Range{End: b.size}, owned: true}
			return nil
		})
		if err != nil {
			return err
		}
	}

	b.bound = bound
	return nil
}

// SetBufferName sets the debug name. On a bound buffer the name is also
// applied to the native object: as its label when the buffer owns it, or
// as a debug marker over the buffer's range otherwise.
func (d *Device) SetBufferName(b *Buffer, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = name
	if b.bound == nil {
		return
	}
	if b.bound.owned {
		b.bound.raw.SetLabel(name)
		return
	}
	b.bound.raw.AddDebugMarker(name, b.bound.rng.Start, b.bound.rng.Len())
}

// DestroyBuffer releases the buffer. Destroying nil or a destroyed buffer
// is a no-op.
func (d *Device) DestroyBuffer(b *Buffer) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	if b.bound != nil && b.bound.owned {
		b.bound.raw.Release()
	}
	b.bound = nil
}

// maxTexelBufferWidth is the row width used when a texel buffer is exposed
// as a 2D linear texture.
const maxTexelBufferWidth = 16384

// BufferView is a typed texel view of a bound buffer.
type BufferView struct {
	raw    native.Texture
	format gputypes.TextureFormat
	texels uint64
}

// Native returns the texture aliasing the buffer.
func (v *BufferView) Native() native.Texture { return v.raw }

// Format returns the texel format.
func (v *BufferView) Format() gputypes.TextureFormat { return v.format }

// Texels returns the number of addressable texels.
func (v *BufferView) Texels() uint64 { return v.texels }

// CreateBufferView creates a texel view of [offset, offset+size) of a
// bound buffer. The offset must be aligned to Config.BufferAlignment.
func (d *Device) CreateBufferView(b *Buffer, format gputypes.TextureFormat, offset, size uint64) (*BufferView, error) {
	bb := b.mustBound("CreateBufferView")
	block, ok := native.TexelBlockSize(format)
	if !ok {
		return nil, fmt.Errorf("%w: texel format %v", ErrUnsupported, format)
	}
	if size == WholeSize {
		size = b.size - min(offset, b.size)
	}
	if offset%d.cfg.BufferAlignment != 0 {
		return nil, fmt.Errorf("%w: buffer view offset %d not aligned to %d",
			ErrInvalidDescriptor, offset, d.cfg.BufferAlignment)
	}
	if offset > b.size || size > b.size-offset {
		return nil, fmt.Errorf("%w: buffer view [%d, %d) exceeds buffer of %d bytes",
			ErrInvalidDescriptor, offset, offset+size, b.size)
	}

	texels := size / uint64(block)
	if texels == 0 {
		return nil, fmt.Errorf("%w: buffer view smaller than one %v texel", ErrInvalidDescriptor, format)
	}
	width := min(texels, maxTexelBufferWidth)
	height := (texels + width - 1) / width
	if height > 1 {
		// Whole rows only; the tail does not fit a 2D texture.
		height = texels / width
	}
	desc := &gputypes.TextureDescriptor{
		Label:         b.Name(),
		Size:          gputypes.Extent3D{Width: uint32(width), Height: uint32(height), DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageStorageBinding,
	}
	tex, err := bb.raw.NewTexture(desc, bb.rng.Start+offset, width*uint64(block))
	if err != nil {
		return nil, deviceError("create buffer view", err)
	}
	return &BufferView{raw: tex, format: format, texels: width * height}, nil
}

// DestroyBufferView releases the view.
func (d *Device) DestroyBufferView(v *BufferView) {
	if v != nil {
		v.raw.Release()
	}
}
