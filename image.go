package mtlhal

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/mtlhal/internal/rangealloc"
	"github.com/gogpu/mtlhal/native"
)

// ImageDescriptor describes an image to create.
type ImageDescriptor struct {
	Label         string
	Dimension     gputypes.TextureDimension
	Format        gputypes.TextureFormat
	Size          gputypes.Extent3D
	MipLevelCount uint32
	SampleCount   uint32
	Usage         gputypes.TextureUsage
	// Linear requests row-major tiling.
	Linear bool
}

// hostVisibleUsage is the only usage a host-visible image may have.
const hostVisibleUsage = gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst

// boundImage is the native side of a bound image. Exactly one of texture
// and buffer is set.
type boundImage struct {
	texture native.Texture

	buffer      native.Buffer
	rng         rangealloc.Range
	bytesPerRow uint64

	owned bool
}

// Image is a texture resource with the same Unbound to Bound lifecycle as
// Buffer. Host-visible images are bound as a linear buffer range; all
// others are bound as native textures.
type Image struct {
	desc        gputypes.TextureDescriptor
	mipSizes    []uint64
	hostVisible bool

	mu        sync.Mutex
	bound     *boundImage
	destroyed bool
}

// CreateImage creates an unbound image.
//
// An image is host-visible when it is a single-level, single-layer 2D
// color image with linear tiling used only for copies.
func (d *Device) CreateImage(desc *ImageDescriptor) (*Image, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil image descriptor", ErrInvalidDescriptor)
	}
	if desc.Size.Width == 0 || desc.Size.Height == 0 {
		return nil, fmt.Errorf("%w: image extent %dx%d", ErrInvalidDescriptor, desc.Size.Width, desc.Size.Height)
	}
	td := gputypes.TextureDescriptor{
		Label:         desc.Label,
		Size:          desc.Size,
		MipLevelCount: max(desc.MipLevelCount, 1),
		SampleCount:   max(desc.SampleCount, 1),
		Dimension:     desc.Dimension,
		Format:        desc.Format,
		Usage:         desc.Usage,
	}
	if td.Size.DepthOrArrayLayers == 0 {
		td.Size.DepthOrArrayLayers = 1
	}
	if td.Dimension == gputypes.TextureDimensionUndefined {
		td.Dimension = gputypes.TextureDimension2D
	}
	sizes, ok := native.MipLevelSizes(&td)
	if !ok {
		return nil, fmt.Errorf("%w: image format %v", ErrUnsupported, desc.Format)
	}

	hostVisible := desc.Linear &&
		td.Dimension == gputypes.TextureDimension2D &&
		td.MipLevelCount == 1 &&
		td.Size.DepthOrArrayLayers == 1 &&
		td.SampleCount == 1 &&
		!td.Format.IsDepthStencil() &&
		desc.Usage&^hostVisibleUsage == 0

	return &Image{desc: td, mipSizes: sizes, hostVisible: hostVisible}, nil
}

// Descriptor returns the resolved texture descriptor.
func (img *Image) Descriptor() gputypes.TextureDescriptor { return img.desc }

// HostVisible reports whether the image can live in CPU-visible memory.
func (img *Image) HostVisible() bool { return img.hostVisible }

// IsBound reports whether memory was bound.
func (img *Image) IsBound() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.bound != nil
}

// BoundAsBuffer reports whether the image was bound as a linear buffer range.
func (img *Image) BoundAsBuffer() bool {
	return img.mustBound("Image.BoundAsBuffer").buffer != nil
}

func (img *Image) mustBound(op string) *boundImage {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.destroyed {
		contractViolation(op, "image %q was destroyed", img.desc.Label)
	}
	if img.bound == nil {
		contractViolation(op, "image %q is not bound to memory", img.desc.Label)
	}
	return img.bound
}

func (img *Image) bytesPerRow() uint64 {
	block, _ := native.TexelBlockSize(img.desc.Format)
	return uint64(img.desc.Size.Width) * uint64(block)
}

// ImageRequirements returns the memory requirements of an unbound image.
//
// Host-visible images may live in any memory type and need their first
// level rounded to the buffer alignment. Other images need Private memory
// large enough for every level.
func (d *Device) ImageRequirements(img *Image) Requirements {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.bound != nil {
		contractViolation("ImageRequirements", "image %q is already bound", img.desc.Label)
	}

	mask := uint32(1 << memoryTypePrivate)
	if img.hostVisible {
		mask = d.allTypesMask()
	}

	if d.cfg.ResourceHeaps {
		req := Requirements{TypeMask: mask}
		for _, t := range d.memoryTypes {
			if mask&(1<<t.Index) == 0 {
				continue
			}
			sa := d.raw.HeapTextureSizeAndAlign(&img.desc, t.storageMode())
			req.Size = max(req.Size, sa.Size)
			req.Alignment = max(req.Alignment, sa.Align)
		}
		return req
	}
	if img.hostVisible {
		return Requirements{
			Size:      rangealloc.AlignUp(img.mipSizes[0], d.cfg.BufferAlignment),
			Alignment: d.cfg.BufferAlignment,
			TypeMask:  mask,
		}
	}
	var total uint64
	for _, s := range img.mipSizes {
		total += s
	}
	return Requirements{Size: total, Alignment: 4, TypeMask: mask}
}

// BindImageMemory binds img to memory m at offset. Binding an image twice
// is a programming error.
func (d *Device) BindImageMemory(m *Memory, offset uint64, img *Image) error {
	m.checkLive("BindImageMemory")
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.destroyed {
		contractViolation("BindImageMemory", "image %q was destroyed", img.desc.Label)
	}
	if img.bound != nil {
		contractViolation("BindImageMemory", "image %q is already bound", img.desc.Label)
	}

	var bound *boundImage
	switch h := m.heap.(type) {
	case publicHeap:
		if img.hostVisible {
			size := rangealloc.AlignUp(img.mipSizes[0], d.cfg.BufferAlignment)
			if offset > m.size || size > m.size-offset {
				return fmt.Errorf("%w: image of %d bytes at offset %d exceeds memory of %d bytes",
					ErrInvalidDescriptor, size, offset, m.size)
			}
			rng := rangealloc.Range{Start: offset, End: offset + size}
			if offset == 0 && size == m.size {
				h.buf.SetLabel(img.desc.Label)
			} else {
				h.buf.AddDebugMarker(img.desc.Label, rng.Start, rng.Len())
			}
			bound = &boundImage{buffer: h.buf, rng: rng, bytesPerRow: img.bytesPerRow()}
			break
		}
		tex, err := d.newTexture(&img.desc, h.typ.storageMode())
		if err != nil {
			return err
		}
		bound = &boundImage{texture: tex, owned: true}

	case privateHeap:
		tex, err := d.newTexture(&img.desc, h.mode)
		if err != nil {
			return err
		}
		bound = &boundImage{texture: tex, owned: true}

	case nativeHeap:
		err := d.withNative(func(raw native.Device) error {
			tex, ok := h.heap.NewTexture(&img.desc)
			if !ok {
				Logger().Debug("mtlhal: heap full, using a dedicated texture", "image", img.desc.Label)
				var err error
				if tex, err = raw.NewTexture(&img.desc, h.heap.Storage()); err != nil {
					return deviceError("bind heap image", err)
				}
			}
			bound = &boundImage{texture: tex, owned: true}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if bound.texture != nil {
		bound.texture.SetLabel(img.desc.Label)
	}
	img.bound = bound
	return nil
}

func (d *Device) newTexture(desc *gputypes.TextureDescriptor, mode native.StorageMode) (native.Texture, error) {
	var tex native.Texture
	err := d.withNative(func(raw native.Device) error {
		var err error
		if tex, err = raw.NewTexture(desc, mode); err != nil {
			return deviceError("create texture", err)
		}
		return nil
	})
	return tex, err
}

// SetImageName sets the debug name of the image.
func (d *Device) SetImageName(img *Image, name string) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.desc.Label = name
	switch {
	case img.bound == nil:
	case img.bound.texture != nil:
		img.bound.texture.SetLabel(name)
	default:
		img.bound.buffer.AddDebugMarker(name, img.bound.rng.Start, img.bound.rng.Len())
	}
}

// DestroyImage releases the image. Destroying nil or a destroyed image is
// a no-op.
func (d *Device) DestroyImage(img *Image) {
	if img == nil {
		return
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.destroyed {
		return
	}
	img.destroyed = true
	if img.bound != nil && img.bound.owned {
		img.bound.texture.Release()
	}
	img.bound = nil
}

// ImageViewDescriptor describes a view of an image. Zero fields inherit
// from the image.
type ImageViewDescriptor struct {
	Format    gputypes.TextureFormat
	Dimension gputypes.TextureViewDimension
}

// ImageView is a texture view usable in descriptor writes.
type ImageView struct {
	raw    native.Texture
	format gputypes.TextureFormat
}

// Native returns the native texture of the view.
func (v *ImageView) Native() native.Texture { return v.raw }

// Format returns the view format.
func (v *ImageView) Format() gputypes.TextureFormat { return v.format }

// CreateImageView creates a view of a bound image. Images bound as a
// buffer range are exposed through a linear texture aliasing that range.
func (d *Device) CreateImageView(img *Image, desc *ImageViewDescriptor) (*ImageView, error) {
	bi := img.mustBound("CreateImageView")
	format := img.desc.Format
	dim := gputypes.TextureViewDimensionUndefined
	if desc != nil {
		if desc.Format != gputypes.TextureFormatUndefined {
			format = desc.Format
		}
		dim = desc.Dimension
	}

	if bi.buffer != nil {
		td := img.desc
		td.Format = format
		tex, err := bi.buffer.NewTexture(&td, bi.rng.Start, bi.bytesPerRow)
		if err != nil {
			return nil, deviceError("create linear image view", err)
		}
		return &ImageView{raw: tex, format: format}, nil
	}

	tex, err := bi.texture.NewView(format, dim)
	if err != nil {
		return nil, deviceError("create image view", err)
	}
	return &ImageView{raw: tex, format: format}, nil
}

// DestroyImageView releases the view.
func (d *Device) DestroyImageView(v *ImageView) {
	if v != nil {
		v.raw.Release()
	}
}
