package mtlhal

import (
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/msl"
)

// Stage is a programmable pipeline stage.
type Stage uint8

const (
	StageVertex Stage = iota
	StageFragment
	StageCompute
)

// stageCount is the number of programmable stages.
const stageCount = 3

// allStages lists the stages in slot-assignment order.
var allStages = [stageCount]Stage{StageVertex, StageFragment, StageCompute}

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	case StageCompute:
		return "compute"
	default:
		return "unknown"
	}
}

// Flag returns the stage as a gputypes stage bit.
func (s Stage) Flag() gputypes.ShaderStage {
	switch s {
	case StageVertex:
		return gputypes.ShaderStageVertex
	case StageFragment:
		return gputypes.ShaderStageFragment
	case StageCompute:
		return gputypes.ShaderStageCompute
	default:
		return gputypes.ShaderStageNone
	}
}

func (s Stage) irStage() ir.ShaderStage {
	switch s {
	case StageFragment:
		return ir.StageFragment
	case StageCompute:
		return ir.StageCompute
	default:
		return ir.StageVertex
	}
}

// ParseStage maps "vertex", "fragment" and "compute" to a Stage.
func ParseStage(name string) (Stage, bool) {
	for _, s := range allStages {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// StageLimits bounds the native slots one stage can address.
type StageLimits struct {
	Buffers  uint32
	Textures uint32
	Samplers uint32
}

// LimitsFromGPU derives per-stage slot limits from a WebGPU-style limits
// table. Uniform and storage buffers share the buffer slot space, as do
// sampled and storage textures.
func LimitsFromGPU(l gputypes.Limits) StageLimits {
	return StageLimits{
		Buffers:  l.MaxUniformBuffersPerShaderStage + l.MaxStorageBuffersPerShaderStage,
		Textures: l.MaxSampledTexturesPerShaderStage + l.MaxStorageTexturesPerShaderStage,
		Samplers: l.MaxSamplersPerShaderStage,
	}
}

// Config holds the device capability flags and tuning knobs.
//
// Zero fields take the values of DefaultConfig, except booleans, which
// default to false.
type Config struct {
	// ArgumentBuffers selects the argument-buffer descriptor strategy for
	// every descriptor set layout and pool created on the device.
	ArgumentBuffers bool

	// ResourceHeaps enables sub-allocating memory from pooled native heaps.
	// Disabled by default: the pooled path has not been validated.
	ResourceHeaps bool

	// SharedTextures allows texel buffers and linear images in
	// CPU-visible shared memory.
	SharedTextures bool

	// ManagedMemory exposes the managed (device-local, host-visible)
	// memory type.
	ManagedMemory bool

	// BufferAlignment is the minimum alignment of buffer bindings and the
	// granularity of buffer sizes. Default: 256.
	BufferAlignment uint64

	// Limits are the per-stage slot limits. Default: 31 buffers,
	// 128 textures, 16 samplers.
	Limits StageLimits

	// LangVersion is the shading language version to emit.
	// Default: 2.1.
	LangVersion msl.Version

	// MaxQueries is the capacity of the occlusion visibility buffer.
	// Default: 4096.
	MaxQueries uint32

	// FencePollInterval is the sleep between fence status checks during
	// finite waits. Default: 1ms.
	FencePollInterval time.Duration
}

// DefaultConfig returns the default device configuration.
func DefaultConfig() Config {
	return Config{
		BufferAlignment: 256,
		Limits: StageLimits{
			Buffers:  31,
			Textures: 128,
			Samplers: 16,
		},
		LangVersion:       msl.Version2_1,
		MaxQueries:        4096,
		FencePollInterval: time.Millisecond,
	}
}

// withDefaults fills zero fields with defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferAlignment == 0 {
		c.BufferAlignment = d.BufferAlignment
	}
	if c.Limits == (StageLimits{}) {
		c.Limits = d.Limits
	}
	if c.LangVersion == (msl.Version{}) {
		c.LangVersion = d.LangVersion
	}
	if c.MaxQueries == 0 {
		c.MaxQueries = d.MaxQueries
	}
	if c.FencePollInterval <= 0 {
		c.FencePollInterval = d.FencePollInterval
	}
	return c
}
