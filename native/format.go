package native

import "github.com/gogpu/gputypes"

// TexelBlockSize returns the size in bytes of one texel of an uncompressed
// format. Returns false for compressed or unknown formats.
func TexelBlockSize(f gputypes.TextureFormat) (uint32, bool) {
	switch f {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatR8Snorm,
		gputypes.TextureFormatR8Uint, gputypes.TextureFormatR8Sint,
		gputypes.TextureFormatStencil8:
		return 1, true
	case gputypes.TextureFormatR16Unorm, gputypes.TextureFormatR16Snorm,
		gputypes.TextureFormatR16Uint, gputypes.TextureFormatR16Sint,
		gputypes.TextureFormatR16Float,
		gputypes.TextureFormatRG8Unorm, gputypes.TextureFormatRG8Snorm,
		gputypes.TextureFormatRG8Uint, gputypes.TextureFormatRG8Sint,
		gputypes.TextureFormatDepth16Unorm:
		return 2, true
	case gputypes.TextureFormatR32Float, gputypes.TextureFormatR32Uint,
		gputypes.TextureFormatR32Sint,
		gputypes.TextureFormatRG16Unorm, gputypes.TextureFormatRG16Snorm,
		gputypes.TextureFormatRG16Uint, gputypes.TextureFormatRG16Sint,
		gputypes.TextureFormatRG16Float,
		gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatRGBA8Snorm, gputypes.TextureFormatRGBA8Uint,
		gputypes.TextureFormatRGBA8Sint,
		gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb,
		gputypes.TextureFormatRGB10A2Uint, gputypes.TextureFormatRGB10A2Unorm,
		gputypes.TextureFormatRG11B10Ufloat, gputypes.TextureFormatRGB9E5Ufloat,
		gputypes.TextureFormatDepth24Plus, gputypes.TextureFormatDepth24PlusStencil8,
		gputypes.TextureFormatDepth32Float:
		return 4, true
	case gputypes.TextureFormatRG32Float, gputypes.TextureFormatRG32Uint,
		gputypes.TextureFormatRG32Sint,
		gputypes.TextureFormatRGBA16Unorm, gputypes.TextureFormatRGBA16Snorm,
		gputypes.TextureFormatRGBA16Uint, gputypes.TextureFormatRGBA16Sint,
		gputypes.TextureFormatRGBA16Float,
		gputypes.TextureFormatDepth32FloatStencil8:
		return 8, true
	case gputypes.TextureFormatRGBA32Float, gputypes.TextureFormatRGBA32Uint,
		gputypes.TextureFormatRGBA32Sint:
		return 16, true
	default:
		return 0, false
	}
}

// MipLevelSizes returns the byte size of every mip level of a texture with
// tightly packed rows.
func MipLevelSizes(desc *gputypes.TextureDescriptor) ([]uint64, bool) {
	block, ok := TexelBlockSize(desc.Format)
	if !ok {
		return nil, false
	}
	levels := desc.MipLevelCount
	if levels == 0 {
		levels = 1
	}
	samples := uint64(desc.SampleCount)
	if samples == 0 {
		samples = 1
	}

	sizes := make([]uint64, levels)
	w, h, d := desc.Size.Width, desc.Size.Height, desc.Size.DepthOrArrayLayers
	for level := range sizes {
		lw, lh := max(w>>level, 1), max(h>>level, 1)
		ld := d
		if desc.Dimension == gputypes.TextureDimension3D {
			ld = max(d>>level, 1)
		}
		if desc.Dimension == gputypes.TextureDimension1D {
			lh = 1
		}
		sizes[level] = uint64(lw) * uint64(lh) * uint64(max(ld, 1)) * uint64(block) * samples
	}
	return sizes, true
}
