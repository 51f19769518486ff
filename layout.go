package mtlhal

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/msl"

	"github.com/gogpu/mtlhal/internal/rangealloc"
)

// NoSlot marks a stage that does not see a dynamic buffer.
const NoSlot = math.MaxUint32

// maxSlot is the largest slot index the shader translator can address.
const maxSlot = math.MaxUint8

// pushConstantWordAlign is the word granularity of push constant blocks.
const pushConstantWordAlign = 4

// BindingKey identifies a binding as seen by one stage.
type BindingKey struct {
	Stage   Stage
	Set     uint32
	Binding uint32
}

// ArgumentBufferKey identifies the argument buffer of a set in one stage.
type ArgumentBufferKey struct {
	Stage Stage
	Set   uint32
}

// SamplerTarget is where a sampler binding lands: a sampler slot, or an
// index into the layout's inline samplers.
type SamplerTarget struct {
	Inline bool
	Index  uint8
}

// BindTarget is the native slot assignment of one binding in one stage.
// A nil field means the binding does not use that category.
type BindTarget struct {
	Buffer  *uint8
	Texture *uint8
	Sampler *SamplerTarget
	Mutable bool
}

func (t BindTarget) toMSL() msl.BindTarget {
	bt := msl.BindTarget{Buffer: t.Buffer, Texture: t.Texture, Mutable: t.Mutable}
	if t.Sampler != nil {
		bt.Sampler = &msl.BindSamplerTarget{IsInline: t.Sampler.Inline, Slot: t.Sampler.Index}
	}
	return bt
}

// String renders the target as "buffer(1) texture(0) sampler(2)".
func (t BindTarget) String() string {
	s := ""
	if t.Buffer != nil {
		s += fmt.Sprintf("buffer(%d) ", *t.Buffer)
	}
	if t.Texture != nil {
		s += fmt.Sprintf("texture(%d) ", *t.Texture)
	}
	if t.Sampler != nil {
		if t.Sampler.Inline {
			s += fmt.Sprintf("inline-sampler(%d) ", t.Sampler.Index)
		} else {
			s += fmt.Sprintf("sampler(%d) ", t.Sampler.Index)
		}
	}
	if t.Mutable {
		s += "mutable "
	}
	if s == "" {
		return "none"
	}
	return s[:len(s)-1]
}

// PushConstantInfo places the push constants of one stage.
type PushConstantInfo struct {
	Slot  uint32
	Words uint32
}

// StageInfo is the slot usage of one stage.
type StageInfo struct {
	Counters      ResourceCounts
	PushConstants *PushConstantInfo
	SizesBuffer   *uint32
	SizedBindings uint32
}

// SizedBinding is a binding whose length is injected through the sizes
// buffer.
type SizedBinding struct {
	Binding uint32
	Stages  gputypes.ShaderStages
}

// DescriptorSetInfo records where a set's resources start in each stage.
type DescriptorSetInfo struct {
	Offsets [stageCount]ResourceCounts
	// DynamicBuffers holds, per dynamic binding, its buffer slot in each
	// stage or NoSlot.
	DynamicBuffers      [][stageCount]uint32
	SizedBufferBindings []SizedBinding
}

// PipelineLayoutDescriptor describes a pipeline layout.
type PipelineLayoutDescriptor struct {
	Label              string
	SetLayouts         []*DescriptorSetLayout
	PushConstantRanges []gputypes.PushConstantRange
}

// PipelineLayout is the compiled binding model shared by pipelines.
// It is immutable once created.
type PipelineLayout struct {
	label      string
	setLayouts []*DescriptorSetLayout

	stages             [stageCount]StageInfo
	bindings           map[BindingKey]BindTarget
	argumentBuffers    map[ArgumentBufferKey]uint32
	inlineSamplers     []msl.InlineSampler
	sets               []DescriptorSetInfo
	totalPushConstants uint32

	fingerprint string
}

// CreatePipelineLayout compiles descriptor set layouts and push constant
// ranges into per-stage native slots.
//
// Push constants take buffer slot 0 of every stage that sees them. Sets
// follow in order; each emulated binding takes the next slot of every
// category it needs in every stage it is visible to, while each
// argument-buffer set takes one buffer slot per stage. A sizes buffer is
// appended to stages with sized bindings. A layout that exceeds
// Config.Limits in any stage fails with ErrResourceLimit.
func (d *Device) CreatePipelineLayout(desc *PipelineLayoutDescriptor) (*PipelineLayout, error) {
	l := &PipelineLayout{
		label:           desc.Label,
		setLayouts:      slices.Clone(desc.SetLayouts),
		bindings:        make(map[BindingKey]BindTarget),
		argumentBuffers: make(map[ArgumentBufferKey]uint32),
	}

	// Push constants first.
	var words [stageCount]uint32
	for _, r := range desc.PushConstantRanges {
		if r.End%4 != 0 || r.Start > r.End {
			return nil, fmt.Errorf("%w: push constant range [%d, %d)", ErrInvalidDescriptor, r.Start, r.End)
		}
		for _, s := range allStages {
			if r.Stages.Contains(s.Flag()) {
				words[s] = max(words[s], r.End/4)
			}
		}
	}
	for _, s := range allStages {
		w := uint32(rangealloc.AlignUp(uint64(words[s]), pushConstantWordAlign))
		if w == 0 {
			continue
		}
		info := &l.stages[s]
		info.PushConstants = &PushConstantInfo{Slot: info.Counters.Buffers, Words: w}
		info.Counters.Buffers++
		l.totalPushConstants = max(l.totalPushConstants, w)
	}

	for setIndex, setLayout := range desc.SetLayouts {
		set := uint32(setIndex)
		var info DescriptorSetInfo
		for _, s := range allStages {
			info.Offsets[s] = l.stages[s].Counters
		}

		switch sl := setLayout.variant.(type) {
		case *emulatedSetLayout:
			l.placeEmulated(set, sl, &info)
		case *argumentSetLayout:
			for _, s := range allStages {
				if !sl.stages.Contains(s.Flag()) {
					continue
				}
				c := &l.stages[s].Counters
				l.argumentBuffers[ArgumentBufferKey{Stage: s, Set: set}] = c.Buffers
				c.Buffers++
			}
		}
		l.sets = append(l.sets, info)
	}

	for _, s := range allStages {
		info := &l.stages[s]
		if info.SizedBindings != 0 {
			slot := info.Counters.Buffers
			info.SizesBuffer = &slot
			info.Counters.Buffers++
		}
		if err := d.checkStageLimits(s, info.Counters); err != nil {
			return nil, err
		}
	}

	l.computeFingerprint()
	Logger().Debug("mtlhal: pipeline layout compiled",
		"label", desc.Label,
		"sets", len(desc.SetLayouts),
		"bindings", len(l.bindings),
		"pushConstantWords", l.totalPushConstants)
	return l, nil
}

func (l *PipelineLayout) placeEmulated(set uint32, sl *emulatedSetLayout, info *DescriptorSetInfo) {
	for _, e := range sl.entries {
		if e.Content.Contains(ContentSizedBuffer) {
			info.SizedBufferBindings = append(info.SizedBufferBindings, SizedBinding{Binding: e.Binding, Stages: e.Stages})
			for _, s := range allStages {
				if e.Stages.Contains(s.Flag()) {
					l.stages[s].SizedBindings++
				}
			}
		}
		if e.Content.Contains(ContentDynamicBuffer) {
			var slots [stageCount]uint32
			for _, s := range allStages {
				slots[s] = NoSlot
				if e.Stages.Contains(s.Flag()) {
					slots[s] = l.stages[s].Counters.Buffers
				}
			}
			info.DynamicBuffers = append(info.DynamicBuffers, slots)
		}

		for _, s := range allStages {
			if !e.Stages.Contains(s.Flag()) {
				continue
			}
			c := &l.stages[s].Counters
			var target BindTarget
			if e.Content.Contains(ContentBuffer) {
				target.Buffer = slotPtr(c.Buffers)
			}
			if e.Content.Contains(ContentTexture) {
				target.Texture = slotPtr(c.Textures)
			}
			switch {
			case e.Content.Contains(ContentImmutableSampler):
				if e.ArrayIndex == 0 {
					sampler := sl.immutable[e.Binding][0]
					target.Sampler = &SamplerTarget{Inline: true, Index: uint8(len(l.inlineSamplers))}
					l.inlineSamplers = append(l.inlineSamplers, sampler.inline)
				}
			case e.Content.Contains(ContentSampler):
				target.Sampler = &SamplerTarget{Index: uint8(min(c.Samplers, maxSlot))}
			}
			target.Mutable = e.Content.Contains(ContentWritable)

			c.add(e.Content)
			if e.ArrayIndex == 0 {
				l.bindings[BindingKey{Stage: s, Set: set, Binding: e.Binding}] = target
			}
		}
	}
}

// slotPtr returns a slot index for the translator. Indices past maxSlot
// only occur in layouts that fail the limit check.
func slotPtr(v uint32) *uint8 {
	s := uint8(min(v, maxSlot))
	return &s
}

func (d *Device) checkStageLimits(s Stage, c ResourceCounts) error {
	lim := d.cfg.Limits
	if c.Buffers <= lim.Buffers && c.Textures <= lim.Textures && c.Samplers <= lim.Samplers &&
		max(c.Buffers, c.Textures, c.Samplers) <= maxSlot+1 {
		return nil
	}
	Logger().Error("mtlhal: resource limit exceeded",
		"stage", s.String(),
		"buffers", c.Buffers, "maxBuffers", lim.Buffers,
		"textures", c.Textures, "maxTextures", lim.Textures,
		"samplers", c.Samplers, "maxSamplers", lim.Samplers)
	return fmt.Errorf("%w: %w: %s stage needs %d buffers, %d textures, %d samplers",
		ErrOutOfHostMemory, ErrResourceLimit, s, c.Buffers, c.Textures, c.Samplers)
}

// DestroyPipelineLayout releases the layout. It is a no-op.
func (d *Device) DestroyPipelineLayout(*PipelineLayout) {}

// Label returns the debug label.
func (l *PipelineLayout) Label() string { return l.label }

// SetLayouts returns the descriptor set layouts in set order.
func (l *PipelineLayout) SetLayouts() []*DescriptorSetLayout { return slices.Clone(l.setLayouts) }

// StageInfo returns the slot usage of a stage.
func (l *PipelineLayout) StageInfo(s Stage) StageInfo { return l.stages[s] }

// Binding returns the slot assignment of (stage, set, binding).
func (l *PipelineLayout) Binding(s Stage, set, binding uint32) (BindTarget, bool) {
	t, ok := l.bindings[BindingKey{Stage: s, Set: set, Binding: binding}]
	return t, ok
}

// ArgumentBufferSlot returns the buffer slot of an argument-buffer set in
// a stage.
func (l *PipelineLayout) ArgumentBufferSlot(s Stage, set uint32) (uint32, bool) {
	slot, ok := l.argumentBuffers[ArgumentBufferKey{Stage: s, Set: set}]
	return slot, ok
}

// SetInfo returns the placement of set index set.
func (l *PipelineLayout) SetInfo(set uint32) DescriptorSetInfo { return l.sets[set] }

// TotalPushConstants returns the largest push constant block in words.
func (l *PipelineLayout) TotalPushConstants() uint32 { return l.totalPushConstants }

// InlineSamplers returns the samplers compiled into shaders.
func (l *PipelineLayout) InlineSamplers() []msl.InlineSampler { return slices.Clone(l.inlineSamplers) }

// BindingEntry is one entry of the binding map.
type BindingEntry struct {
	Key    BindingKey
	Target BindTarget
}

// Bindings returns the binding map ordered by stage, set and binding.
func (l *PipelineLayout) Bindings() []BindingEntry {
	out := make([]BindingEntry, 0, len(l.bindings))
	for k, t := range l.bindings {
		out = append(out, BindingEntry{Key: k, Target: t})
	}
	slices.SortFunc(out, func(a, b BindingEntry) int {
		return compareKeys(a.Key, b.Key)
	})
	return out
}

func compareKeys(a, b BindingKey) int {
	if c := cmp.Compare(a.Stage, b.Stage); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Set, b.Set); c != 0 {
		return c
	}
	return cmp.Compare(a.Binding, b.Binding)
}

// hasArgumentBuffers reports whether any set uses the argument-buffer
// strategy.
func (l *PipelineLayout) hasArgumentBuffers() bool { return len(l.argumentBuffers) > 0 }

// entryPointResources builds the translator binding table of one stage.
func (l *PipelineLayout) entryPointResources(s Stage) msl.EntryPointResources {
	res := msl.EntryPointResources{Resources: make(map[ir.ResourceBinding]msl.BindTarget)}
	for k, t := range l.bindings {
		if k.Stage == s {
			res.Resources[ir.ResourceBinding{Group: k.Set, Binding: k.Binding}] = t.toMSL()
		}
	}
	info := l.stages[s]
	if info.PushConstants != nil {
		res.PushConstantBuffer = slotPtr(info.PushConstants.Slot)
	}
	if info.SizesBuffer != nil {
		res.SizesBuffer = slotPtr(*info.SizesBuffer)
	}
	return res
}
