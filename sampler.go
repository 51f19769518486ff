package mtlhal

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga/msl"

	"github.com/gogpu/mtlhal/native"
)

// Sampler is an immutable sampler state. Samplers listed as immutable in a
// descriptor set layout are also compiled into shaders as inline samplers.
type Sampler struct {
	raw    native.Sampler
	desc   gputypes.SamplerDescriptor
	inline msl.InlineSampler
}

// Native returns the native sampler.
func (s *Sampler) Native() native.Sampler { return s.raw }

// Descriptor returns the creation descriptor.
func (s *Sampler) Descriptor() gputypes.SamplerDescriptor { return s.desc }

// Inline returns the shader-side constant form of the sampler.
func (s *Sampler) Inline() msl.InlineSampler { return s.inline }

// CreateSampler creates a sampler. A nil descriptor selects
// gputypes.DefaultSamplerDescriptor.
func (d *Device) CreateSampler(desc *gputypes.SamplerDescriptor) (*Sampler, error) {
	sd := gputypes.DefaultSamplerDescriptor()
	if desc != nil {
		sd = *desc
	}
	if sd.MaxAnisotropy == 0 {
		sd.MaxAnisotropy = 1
	}
	if sd.LodMaxClamp < sd.LodMinClamp {
		return nil, fmt.Errorf("%w: sampler lod clamp [%g, %g]", ErrInvalidDescriptor, sd.LodMinClamp, sd.LodMaxClamp)
	}

	var raw native.Sampler
	err := d.withNative(func(dev native.Device) error {
		var err error
		if raw, err = dev.NewSampler(&sd); err != nil {
			return deviceError("create sampler", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Sampler{raw: raw, desc: sd, inline: inlineSampler(&sd)}, nil
}

// DestroySampler releases the sampler.
func (d *Device) DestroySampler(s *Sampler) {
	if s != nil {
		s.raw.Release()
	}
}

func inlineSampler(sd *gputypes.SamplerDescriptor) msl.InlineSampler {
	s := msl.InlineSampler{
		Coord: msl.SamplerCoordNormalized,
		Address: [3]msl.SamplerAddress{
			addressMode(sd.AddressModeU),
			addressMode(sd.AddressModeV),
			addressMode(sd.AddressModeW),
		},
		BorderColor: msl.SamplerBorderColorTransparentBlack,
		MagFilter:   filterMode(sd.MagFilter),
		MinFilter:   filterMode(sd.MinFilter),
		CompareFunc: compareFunc(sd.Compare),
	}
	switch sd.MipmapFilter {
	case gputypes.MipmapFilterModeNearest:
		f := msl.SamplerFilterNearest
		s.MipFilter = &f
	case gputypes.MipmapFilterModeLinear:
		f := msl.SamplerFilterLinear
		s.MipFilter = &f
	}
	return s
}

func addressMode(m gputypes.AddressMode) msl.SamplerAddress {
	switch m {
	case gputypes.AddressModeRepeat:
		return msl.SamplerAddressRepeat
	case gputypes.AddressModeMirrorRepeat:
		return msl.SamplerAddressMirroredRepeat
	default:
		return msl.SamplerAddressClampToEdge
	}
}

func filterMode(m gputypes.FilterMode) msl.SamplerFilter {
	if m == gputypes.FilterModeLinear {
		return msl.SamplerFilterLinear
	}
	return msl.SamplerFilterNearest
}

func compareFunc(c gputypes.CompareFunction) msl.SamplerCompareFunc {
	switch c {
	case gputypes.CompareFunctionNever:
		return msl.SamplerCompareFuncNever
	case gputypes.CompareFunctionLess:
		return msl.SamplerCompareFuncLess
	case gputypes.CompareFunctionEqual:
		return msl.SamplerCompareFuncEqual
	case gputypes.CompareFunctionLessEqual:
		return msl.SamplerCompareFuncLessEqual
	case gputypes.CompareFunctionGreater:
		return msl.SamplerCompareFuncGreater
	case gputypes.CompareFunctionNotEqual:
		return msl.SamplerCompareFuncNotEqual
	case gputypes.CompareFunctionGreaterEqual:
		return msl.SamplerCompareFuncGreaterEqual
	case gputypes.CompareFunctionAlways:
		return msl.SamplerCompareFuncAlways
	default:
		// Undefined: no comparison.
		return msl.SamplerCompareFuncNever
	}
}
