package mtlhal

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/mtlhal/internal/rangealloc"
	"github.com/gogpu/mtlhal/native"
)

// DescriptorType is the kind of resource a descriptor binding holds.
type DescriptorType uint8

const (
	DescriptorSampler DescriptorType = iota
	DescriptorCombinedImageSampler
	DescriptorSampledImage
	DescriptorStorageImage
	DescriptorUniformTexelBuffer
	DescriptorStorageTexelBuffer
	DescriptorUniformBuffer
	DescriptorStorageBuffer
	DescriptorReadOnlyStorageBuffer
	DescriptorUniformBufferDynamic
	DescriptorStorageBufferDynamic
	DescriptorReadOnlyStorageBufferDynamic
	DescriptorInputAttachment
)

var descriptorTypeNames = [...]string{
	DescriptorSampler:                      "sampler",
	DescriptorCombinedImageSampler:         "combined-image-sampler",
	DescriptorSampledImage:                 "sampled-image",
	DescriptorStorageImage:                 "storage-image",
	DescriptorUniformTexelBuffer:           "uniform-texel-buffer",
	DescriptorStorageTexelBuffer:           "storage-texel-buffer",
	DescriptorUniformBuffer:                "uniform-buffer",
	DescriptorStorageBuffer:                "storage-buffer",
	DescriptorReadOnlyStorageBuffer:        "read-only-storage-buffer",
	DescriptorUniformBufferDynamic:         "uniform-buffer-dynamic",
	DescriptorStorageBufferDynamic:         "storage-buffer-dynamic",
	DescriptorReadOnlyStorageBufferDynamic: "read-only-storage-buffer-dynamic",
	DescriptorInputAttachment:              "input-attachment",
}

// String returns the descriptor type name.
func (t DescriptorType) String() string {
	if int(t) < len(descriptorTypeNames) {
		return descriptorTypeNames[t]
	}
	return "unknown"
}

// ParseDescriptorType maps a descriptor type name back to its value.
func ParseDescriptorType(name string) (DescriptorType, bool) {
	for t, n := range descriptorTypeNames {
		if n == name {
			return DescriptorType(t), true
		}
	}
	return 0, false
}

// DescriptorContent classifies what native slots a descriptor needs.
type DescriptorContent uint8

const (
	ContentBuffer DescriptorContent = 1 << iota
	ContentDynamicBuffer
	// ContentSizedBuffer buffers need their length injected at runtime.
	ContentSizedBuffer
	ContentTexture
	ContentSampler
	ContentImmutableSampler
	ContentWritable
)

// Contains reports whether all flags in q are set.
func (c DescriptorContent) Contains(q DescriptorContent) bool { return c&q == q }

// Content returns the content classification of a descriptor type.
func (t DescriptorType) Content() DescriptorContent {
	switch t {
	case DescriptorSampler:
		return ContentSampler
	case DescriptorCombinedImageSampler:
		return ContentTexture | ContentSampler
	case DescriptorSampledImage, DescriptorInputAttachment, DescriptorUniformTexelBuffer:
		return ContentTexture
	case DescriptorStorageImage, DescriptorStorageTexelBuffer:
		return ContentTexture | ContentWritable
	case DescriptorUniformBuffer:
		return ContentBuffer
	case DescriptorUniformBufferDynamic:
		return ContentBuffer | ContentDynamicBuffer
	case DescriptorStorageBuffer:
		return ContentBuffer | ContentSizedBuffer | ContentWritable
	case DescriptorReadOnlyStorageBuffer:
		return ContentBuffer | ContentSizedBuffer
	case DescriptorStorageBufferDynamic:
		return ContentBuffer | ContentSizedBuffer | ContentWritable | ContentDynamicBuffer
	case DescriptorReadOnlyStorageBufferDynamic:
		return ContentBuffer | ContentSizedBuffer | ContentDynamicBuffer
	default:
		return 0
	}
}

// ResourceCounts counts native slots per resource category.
type ResourceCounts struct {
	Buffers  uint32
	Textures uint32
	Samplers uint32
}

func (c *ResourceCounts) add(content DescriptorContent) { c.addMany(content, 1) }

func (c *ResourceCounts) addMany(content DescriptorContent, n uint32) {
	if content.Contains(ContentBuffer) {
		c.Buffers += n
	}
	if content.Contains(ContentTexture) {
		c.Textures += n
	}
	if content.Contains(ContentSampler) {
		c.Samplers += n
	}
}

// DescriptorSetLayoutBinding declares one binding of a descriptor set.
type DescriptorSetLayoutBinding struct {
	Binding uint32
	Type    DescriptorType
	// Count is the array length. Zero reserves the binding number.
	Count  uint32
	Stages gputypes.ShaderStages
	// ImmutableSamplers, when set, holds one sampler per array element.
	ImmutableSamplers []*Sampler
}

// BindingFromEntry converts a WebGPU-style bind group layout entry.
func BindingFromEntry(e gputypes.BindGroupLayoutEntry) (DescriptorSetLayoutBinding, error) {
	b := DescriptorSetLayoutBinding{Binding: e.Binding, Count: 1, Stages: e.Visibility}
	kinds := 0
	if e.Buffer != nil {
		kinds++
		dynamic := e.Buffer.HasDynamicOffset
		switch e.Buffer.Type {
		case gputypes.BufferBindingTypeUniform:
			b.Type = DescriptorUniformBuffer
			if dynamic {
				b.Type = DescriptorUniformBufferDynamic
			}
		case gputypes.BufferBindingTypeStorage:
			b.Type = DescriptorStorageBuffer
			if dynamic {
				b.Type = DescriptorStorageBufferDynamic
			}
		case gputypes.BufferBindingTypeReadOnlyStorage:
			b.Type = DescriptorReadOnlyStorageBuffer
			if dynamic {
				b.Type = DescriptorReadOnlyStorageBufferDynamic
			}
		default:
			return b, fmt.Errorf("%w: binding %d: buffer binding type %v", ErrInvalidDescriptor, e.Binding, e.Buffer.Type)
		}
	}
	if e.Sampler != nil {
		kinds++
		b.Type = DescriptorSampler
	}
	if e.Texture != nil {
		kinds++
		b.Type = DescriptorSampledImage
	}
	if e.StorageTexture != nil {
		kinds++
		b.Type = DescriptorStorageImage
	}
	if kinds != 1 {
		return b, fmt.Errorf("%w: binding %d declares %d resource kinds", ErrInvalidDescriptor, e.Binding, kinds)
	}
	return b, nil
}

// layoutEntry is one array element of an emulated set layout binding.
type layoutEntry struct {
	Binding    uint32
	ArrayIndex uint32
	Content    DescriptorContent
	Stages     gputypes.ShaderStages
}

// setLayoutVariant is the strategy-specific part of a set layout:
// *emulatedSetLayout or *argumentSetLayout.
type setLayoutVariant interface {
	stageMask() gputypes.ShaderStages
}

// emulatedSetLayout binds every array element to its own native slot.
type emulatedSetLayout struct {
	// entries are sorted by (Binding, ArrayIndex) with no duplicates.
	entries   []layoutEntry
	total     ResourceCounts
	immutable map[uint32][]*Sampler
}

func (l *emulatedSetLayout) stageMask() gputypes.ShaderStages {
	var s gputypes.ShaderStages
	for _, e := range l.entries {
		s |= e.Stages
	}
	return s
}

// argumentBinding locates a binding inside an encoded argument buffer.
type argumentBinding struct {
	first   uint32
	sampler uint32
	count   uint32
	content DescriptorContent
	// immutable samplers encoded when a set is allocated.
	immutable []*Sampler
}

// argumentSetLayout encodes the whole set into one argument buffer.
type argumentSetLayout struct {
	bindings map[uint32]argumentBinding
	stages   gputypes.ShaderStages
	total    uint32

	// encMu serializes encoder use; the encoder is shared by every set
	// allocated with this layout.
	encMu   sync.Mutex
	encoder native.ArgumentEncoder
}

func (l *argumentSetLayout) stageMask() gputypes.ShaderStages { return l.stages }

// DescriptorSetLayout describes the bindings of a descriptor set. Its
// strategy follows Config.ArgumentBuffers.
type DescriptorSetLayout struct {
	variant setLayoutVariant
}

// IsArgumentBuffer reports whether the layout uses the argument-buffer
// strategy.
func (l *DescriptorSetLayout) IsArgumentBuffer() bool {
	_, ok := l.variant.(*argumentSetLayout)
	return ok
}

// Stages returns the union of the binding stage masks.
func (l *DescriptorSetLayout) Stages() gputypes.ShaderStages { return l.variant.stageMask() }

// argumentArray accumulates argument descriptors; each push returns the
// first argument index of the pushed range.
type argumentArray struct {
	args  []native.ArgumentDescriptor
	total uint32
}

func (a *argumentArray) push(kind native.ArgumentKind, count uint32, writable bool) uint32 {
	index := a.total
	a.args = append(a.args, native.ArgumentDescriptor{Kind: kind, Index: index, Count: count, Writable: writable})
	a.total += count
	return index
}

func (a *argumentArray) pushContent(content DescriptorContent, count uint32) argumentBinding {
	ab := argumentBinding{count: count, content: content}
	writable := content.Contains(ContentWritable)
	first := -1
	if content.Contains(ContentBuffer) {
		first = int(a.push(native.ArgumentBuffer, count, writable))
	}
	if content.Contains(ContentTexture) {
		idx := a.push(native.ArgumentTexture, count, writable)
		if first < 0 {
			first = int(idx)
		}
	}
	if content.Contains(ContentSampler) {
		ab.sampler = a.push(native.ArgumentSampler, count, false)
		if first < 0 {
			first = int(ab.sampler)
		}
	}
	ab.first = uint32(max(first, 0))
	return ab
}

// CreateDescriptorSetLayout creates a set layout from its bindings.
//
// Emulated layouts expand every binding into one entry per array element,
// sort them by (binding, array index) and merge duplicates by uniting their
// stage masks. Duplicates that differ in content, element count or
// immutable samplers are a programming error. Argument-buffer layouts
// reject duplicate bindings outright.
func (d *Device) CreateDescriptorSetLayout(bindings []DescriptorSetLayoutBinding) (*DescriptorSetLayout, error) {
	for _, b := range bindings {
		if b.Type.Content() == 0 {
			return nil, fmt.Errorf("%w: binding %d: descriptor type %d", ErrInvalidDescriptor, b.Binding, b.Type)
		}
		if len(b.ImmutableSamplers) == 0 {
			continue
		}
		if !b.Type.Content().Contains(ContentSampler) {
			return nil, fmt.Errorf("%w: binding %d: immutable samplers on a %s binding",
				ErrInvalidDescriptor, b.Binding, b.Type)
		}
		if uint32(len(b.ImmutableSamplers)) != b.Count {
			return nil, fmt.Errorf("%w: binding %d: %d immutable samplers for %d elements",
				ErrInvalidDescriptor, b.Binding, len(b.ImmutableSamplers), b.Count)
		}
	}

	if d.cfg.ArgumentBuffers {
		return d.createArgumentSetLayout(bindings)
	}
	return &DescriptorSetLayout{variant: newEmulatedSetLayout(bindings)}, nil
}

func newEmulatedSetLayout(bindings []DescriptorSetLayoutBinding) *emulatedSetLayout {
	l := &emulatedSetLayout{immutable: make(map[uint32][]*Sampler)}
	counts := make(map[uint32]uint32, len(bindings))
	for _, b := range bindings {
		if n, ok := counts[b.Binding]; ok && n != b.Count {
			contractViolation("CreateDescriptorSetLayout",
				"binding %d declared with %d and %d elements", b.Binding, n, b.Count)
		}
		counts[b.Binding] = b.Count
		content := b.Type.Content()
		if len(b.ImmutableSamplers) > 0 {
			content |= ContentImmutableSampler
			if prev, ok := l.immutable[b.Binding]; ok && !slices.Equal(prev, b.ImmutableSamplers) {
				contractViolation("CreateDescriptorSetLayout",
					"binding %d declared with different immutable samplers", b.Binding)
			}
			l.immutable[b.Binding] = b.ImmutableSamplers
		}
		for i := range b.Count {
			l.entries = append(l.entries, layoutEntry{
				Binding:    b.Binding,
				ArrayIndex: i,
				Content:    content,
				Stages:     b.Stages,
			})
		}
	}

	slices.SortStableFunc(l.entries, func(a, b layoutEntry) int {
		if c := cmp.Compare(a.Binding, b.Binding); c != 0 {
			return c
		}
		return cmp.Compare(a.ArrayIndex, b.ArrayIndex)
	})
	merged := l.entries[:0]
	for _, e := range l.entries {
		if n := len(merged); n > 0 && merged[n-1].Binding == e.Binding && merged[n-1].ArrayIndex == e.ArrayIndex {
			if merged[n-1].Content != e.Content {
				contractViolation("CreateDescriptorSetLayout",
					"binding %d element %d declared with different content", e.Binding, e.ArrayIndex)
			}
			merged[n-1].Stages |= e.Stages
			continue
		}
		merged = append(merged, e)
	}
	l.entries = merged

	for _, e := range l.entries {
		l.total.add(e.Content)
	}
	return l
}

func (d *Device) createArgumentSetLayout(bindings []DescriptorSetLayoutBinding) (*DescriptorSetLayout, error) {
	l := &argumentSetLayout{bindings: make(map[uint32]argumentBinding, len(bindings))}
	var arr argumentArray
	for _, b := range bindings {
		if _, dup := l.bindings[b.Binding]; dup {
			contractViolation("CreateDescriptorSetLayout", "binding %d declared twice", b.Binding)
		}
		content := b.Type.Content()
		switch {
		case content.Contains(ContentDynamicBuffer):
			Logger().Error("mtlhal: dynamic offsets are not supported in argument buffers", "binding", b.Binding)
		case content.Contains(ContentTexture | ContentWritable):
			Logger().Error("mtlhal: storage images are not supported in argument buffers", "binding", b.Binding)
		}
		l.stages |= b.Stages
		ab := arr.pushContent(content, b.Count)
		if len(b.ImmutableSamplers) > 0 {
			ab.content |= ContentImmutableSampler
			ab.immutable = b.ImmutableSamplers
		}
		l.bindings[b.Binding] = ab
	}
	l.total = arr.total

	err := d.withNative(func(raw native.Device) error {
		enc, err := raw.NewArgumentEncoder(arr.args)
		if err != nil {
			return deviceError("create argument encoder", err)
		}
		l.encoder = enc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &DescriptorSetLayout{variant: l}, nil
}

// DestroyDescriptorSetLayout releases the layout. It is a no-op.
func (d *Device) DestroyDescriptorSetLayout(*DescriptorSetLayout) {}

// DescriptorRange declares how many descriptors of a type a pool holds.
type DescriptorRange struct {
	Type  DescriptorType
	Count uint32
}

// BufferSlot is a buffer descriptor in an emulated pool.
type BufferSlot struct {
	Stages  gputypes.ShaderStages
	Buffer  native.Buffer
	Offset  uint64
	Binding uint32
	// Size is the bound length for sized bindings, math.MaxUint32 otherwise.
	Size uint32
}

// TextureSlot is a texture descriptor in an emulated pool.
type TextureSlot struct {
	Stages  gputypes.ShaderStages
	Texture native.Texture
}

// SamplerSlot is a sampler descriptor in an emulated pool.
type SamplerSlot struct {
	Stages  gputypes.ShaderStages
	Sampler native.Sampler
}

// ArgumentResource is a shadow entry of an argument buffer. The encoded
// buffer is opaque, so residency tracking reads these instead.
type ArgumentResource struct {
	Stages   gputypes.ShaderStages
	Resource native.Resource
}

// poolVariant is *emulatedPool or *argumentPool.
type poolVariant interface {
	reset()
}

const (
	categoryBuffers = iota
	categoryTextures
	categorySamplers
	categoryCount
)

type emulatedPool struct {
	buffers  []BufferSlot
	textures []TextureSlot
	samplers []SamplerSlot
	alloc    [categoryCount]*rangealloc.Allocator
}

func (p *emulatedPool) reset() {
	for _, a := range p.alloc {
		a.Reset()
	}
	clear(p.buffers)
	clear(p.textures)
	clear(p.samplers)
}

type argumentPool struct {
	raw       native.Buffer
	alignment uint64
	bytes     *rangealloc.Allocator
	resources []ArgumentResource
	resAlloc  *rangealloc.Allocator
}

func (p *argumentPool) reset() {
	p.bytes.Reset()
	p.resAlloc.Reset()
	clear(p.resources)
}

// DescriptorPool owns the storage of descriptor sets.
type DescriptorPool struct {
	maxSets uint32

	mu        sync.RWMutex
	variant   poolVariant
	live      map[*DescriptorSet]struct{}
	destroyed bool
}

// CreateDescriptorPool creates a pool for up to maxSets sets drawing from
// the given descriptor ranges.
//
// Emulated pools size one slot array per resource category to the sum of
// the ranges. Argument-buffer pools allocate one shared native buffer.
func (d *Device) CreateDescriptorPool(maxSets uint32, ranges []DescriptorRange) (*DescriptorPool, error) {
	if maxSets == 0 {
		return nil, fmt.Errorf("%w: descriptor pool with no sets", ErrInvalidDescriptor)
	}
	pool := &DescriptorPool{maxSets: maxSets, live: make(map[*DescriptorSet]struct{})}

	if !d.cfg.ArgumentBuffers {
		var counts ResourceCounts
		for _, r := range ranges {
			counts.addMany(r.Type.Content(), r.Count)
		}
		pool.variant = &emulatedPool{
			buffers:  make([]BufferSlot, counts.Buffers),
			textures: make([]TextureSlot, counts.Textures),
			samplers: make([]SamplerSlot, counts.Samplers),
			alloc: [categoryCount]*rangealloc.Allocator{
				rangealloc.New(uint64(counts.Buffers)),
				rangealloc.New(uint64(counts.Textures)),
				rangealloc.New(uint64(counts.Samplers)),
			},
		}
		return pool, nil
	}

	var arr argumentArray
	for _, r := range ranges {
		arr.pushContent(r.Type.Content(), r.Count)
	}
	alignment := d.cfg.BufferAlignment
	err := d.withNative(func(raw native.Device) error {
		enc, err := raw.NewArgumentEncoder(arr.args)
		if err != nil {
			return deviceError("create pool argument encoder", err)
		}
		// Room for every range plus alignment padding of each set.
		size := enc.EncodedLength() + uint64(maxSets)*alignment
		buf, err := raw.NewBuffer(size, native.StorageShared)
		if err != nil {
			return deviceError("create argument buffer", err)
		}
		buf.SetLabel("descriptor pool")
		pool.variant = &argumentPool{
			raw:       buf,
			alignment: alignment,
			bytes:     rangealloc.New(size),
			resources: make([]ArgumentResource, arr.total),
			resAlloc:  rangealloc.New(uint64(arr.total)),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// setVariant is *emulatedSet or *argumentSet.
type setVariant interface {
	isSetVariant()
}

// emulatedSet owns a contiguous slice of each category array.
type emulatedSet struct {
	ranges [categoryCount]rangealloc.Range
}

// argumentSet owns an aligned slice of the pool's argument buffer and of
// its shadow table.
type argumentSet struct {
	bytes     rangealloc.Range
	resources rangealloc.Range
}

func (*emulatedSet) isSetVariant()  {}
func (*argumentSet) isSetVariant() {}

// DescriptorSet is a set of descriptors allocated from a pool.
type DescriptorSet struct {
	pool    *DescriptorPool
	layout  *DescriptorSetLayout
	variant setVariant
	freed   bool
}

// Layout returns the set layout.
func (s *DescriptorSet) Layout() *DescriptorSetLayout { return s.layout }

// AllocateDescriptorSet allocates a set with the given layout.
// Returns ErrOutOfPoolMemory when the pool cannot hold it.
func (d *Device) AllocateDescriptorSet(pool *DescriptorPool, layout *DescriptorSetLayout) (*DescriptorSet, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.destroyed {
		contractViolation("AllocateDescriptorSet", "descriptor pool was destroyed")
	}
	if uint32(len(pool.live)) >= pool.maxSets {
		return nil, fmt.Errorf("%w: pool holds at most %d sets", ErrOutOfPoolMemory, pool.maxSets)
	}

	set := &DescriptorSet{pool: pool, layout: layout}
	switch p := pool.variant.(type) {
	case *emulatedPool:
		l, ok := layout.variant.(*emulatedSetLayout)
		if !ok {
			contractViolation("AllocateDescriptorSet", "argument-buffer layout in an emulated pool")
		}
		es, err := p.allocate(l)
		if err != nil {
			return nil, err
		}
		set.variant = es

	case *argumentPool:
		l, ok := layout.variant.(*argumentSetLayout)
		if !ok {
			contractViolation("AllocateDescriptorSet", "emulated layout in an argument-buffer pool")
		}
		as, err := p.allocate(l)
		if err != nil {
			return nil, err
		}
		set.variant = as
	}

	pool.live[set] = struct{}{}
	return set, nil
}

func (p *emulatedPool) allocate(l *emulatedSetLayout) (*emulatedSet, error) {
	need := [categoryCount]uint32{l.total.Buffers, l.total.Textures, l.total.Samplers}
	set := &emulatedSet{}
	for c, n := range need {
		if n == 0 {
			continue
		}
		r, err := p.alloc[c].Allocate(uint64(n), 1)
		if err != nil {
			p.release(set)
			return nil, fmt.Errorf("%w: %w", ErrOutOfPoolMemory, err)
		}
		set.ranges[c] = r
	}

	// Immutable samplers occupy their slots from the start.
	counters := set.start()
	for _, e := range l.entries {
		if e.Content.Contains(ContentImmutableSampler) {
			s := l.immutable[e.Binding][e.ArrayIndex]
			p.samplers[counters.Samplers] = SamplerSlot{Stages: e.Stages, Sampler: s.raw}
		}
		counters.add(e.Content)
	}
	return set, nil
}

func (p *emulatedPool) release(set *emulatedSet) {
	for c, r := range set.ranges {
		if r.Len() == 0 {
			continue
		}
		p.alloc[c].Free(r)
	}
	clear(p.buffers[set.ranges[categoryBuffers].Start:set.ranges[categoryBuffers].End])
	clear(p.textures[set.ranges[categoryTextures].Start:set.ranges[categoryTextures].End])
	clear(p.samplers[set.ranges[categorySamplers].Start:set.ranges[categorySamplers].End])
}

// start returns the first slot of each category owned by the set.
func (s *emulatedSet) start() ResourceCounts {
	return ResourceCounts{
		Buffers:  uint32(s.ranges[categoryBuffers].Start),
		Textures: uint32(s.ranges[categoryTextures].Start),
		Samplers: uint32(s.ranges[categorySamplers].Start),
	}
}

func (p *argumentPool) allocate(l *argumentSetLayout) (*argumentSet, error) {
	set := &argumentSet{}
	size := max(l.encoder.EncodedLength(), 1)
	align := max(l.encoder.Alignment(), p.alignment)
	r, err := p.bytes.Allocate(size, align)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutOfPoolMemory, err)
	}
	set.bytes = r
	if l.total > 0 {
		rr, err := p.resAlloc.Allocate(uint64(l.total), 1)
		if err != nil {
			p.bytes.Free(r)
			return nil, fmt.Errorf("%w: %w", ErrOutOfPoolMemory, err)
		}
		set.resources = rr
	}

	l.encMu.Lock()
	defer l.encMu.Unlock()
	l.encoder.SetArgumentBuffer(p.raw, r.Start)
	for _, ab := range l.bindings {
		for i, s := range ab.immutable {
			l.encoder.SetSampler(ab.sampler+uint32(i), s.raw)
		}
	}
	return set, nil
}

func (p *argumentPool) release(set *argumentSet) {
	p.bytes.Free(set.bytes)
	if set.resources.Len() > 0 {
		p.resAlloc.Free(set.resources)
		clear(p.resources[set.resources.Start:set.resources.End])
	}
}

// FreeDescriptorSets returns sets to their pool. Freeing a freed set is a
// no-op.
func (d *Device) FreeDescriptorSets(sets []*DescriptorSet) {
	for _, s := range sets {
		if s == nil {
			continue
		}
		pool := s.pool
		pool.mu.Lock()
		if !s.freed && !pool.destroyed {
			s.freed = true
			delete(pool.live, s)
			switch p := pool.variant.(type) {
			case *emulatedPool:
				p.release(s.variant.(*emulatedSet))
			case *argumentPool:
				p.release(s.variant.(*argumentSet))
			}
		}
		pool.mu.Unlock()
	}
}

// ResetDescriptorPool frees every set allocated from the pool.
func (d *Device) ResetDescriptorPool(pool *DescriptorPool) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for s := range pool.live {
		s.freed = true
	}
	clear(pool.live)
	pool.variant.reset()
}

// DestroyDescriptorPool frees every set and releases native storage.
// Destroying nil or a destroyed pool is a no-op.
func (d *Device) DestroyDescriptorPool(pool *DescriptorPool) {
	if pool == nil {
		return
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.destroyed {
		return
	}
	pool.destroyed = true
	for s := range pool.live {
		s.freed = true
	}
	clear(pool.live)
	if p, ok := pool.variant.(*argumentPool); ok {
		p.raw.Release()
	}
}

// Descriptor is one resource written into a set. Set Buffer, TexelBuffer,
// Image or Sampler; Image and Sampler together form a combined
// image-sampler.
type Descriptor struct {
	Sampler     *Sampler
	Image       *ImageView
	TexelBuffer *BufferView

	Buffer *Buffer
	Offset uint64
	// Size of the buffer range. Zero or WholeSize binds to the end.
	Size uint64
}

// DescriptorSetWrite writes consecutive descriptors starting at element
// ArrayOffset of Binding. Writes past the end of a binding continue into
// the next binding in layout order.
type DescriptorSetWrite struct {
	Set         *DescriptorSet
	Binding     uint32
	ArrayOffset uint32
	Descriptors []Descriptor
}

// WriteDescriptorSet applies a descriptor write.
func (d *Device) WriteDescriptorSet(w DescriptorSetWrite) {
	set := w.Set
	pool := set.pool
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if set.freed {
		contractViolation("WriteDescriptorSet", "descriptor set was freed")
	}
	switch p := pool.variant.(type) {
	case *emulatedPool:
		p.write(set.layout.variant.(*emulatedSetLayout), set.variant.(*emulatedSet), w)
	case *argumentPool:
		p.write(set.layout.variant.(*argumentSetLayout), set.variant.(*argumentSet), w)
	}
}

func (p *emulatedPool) write(l *emulatedSetLayout, set *emulatedSet, w DescriptorSetWrite) {
	counters := set.start()
	start := -1
	for i, e := range l.entries {
		if e.Binding == w.Binding && e.ArrayIndex == w.ArrayOffset {
			start = i
			break
		}
		counters.add(e.Content)
	}
	if start < 0 {
		contractViolation("WriteDescriptorSet", "no binding %d element %d in layout", w.Binding, w.ArrayOffset)
	}
	if len(w.Descriptors) > len(l.entries)-start {
		contractViolation("WriteDescriptorSet", "%d descriptors overflow the layout at binding %d", len(w.Descriptors), w.Binding)
	}

	for i, desc := range w.Descriptors {
		e := l.entries[start+i]
		immutable := e.Content.Contains(ContentImmutableSampler)
		switch {
		case desc.Buffer != nil:
			requireContent(e, ContentBuffer, "buffer")
			raw, rng := desc.Buffer.Native()
			if desc.Offset > rng.Len() {
				contractViolation("WriteDescriptorSet", "buffer offset %d exceeds buffer of %d bytes", desc.Offset, rng.Len())
			}
			size := desc.Size
			if size == 0 || size == WholeSize {
				size = rng.Len() - desc.Offset
			}
			if desc.Offset+size > rng.Len() {
				contractViolation("WriteDescriptorSet", "buffer range [%d, %d) exceeds buffer of %d bytes",
					desc.Offset, desc.Offset+size, rng.Len())
			}
			sized := uint32(math.MaxUint32)
			if e.Content.Contains(ContentSizedBuffer) {
				sized = uint32(min(size, math.MaxUint32-1))
			}
			p.buffers[counters.Buffers] = BufferSlot{
				Stages:  e.Stages,
				Buffer:  raw,
				Offset:  rng.Start + desc.Offset,
				Binding: e.Binding,
				Size:    sized,
			}
		case desc.TexelBuffer != nil:
			requireContent(e, ContentTexture, "texel buffer")
			p.textures[counters.Textures] = TextureSlot{Stages: e.Stages, Texture: desc.TexelBuffer.raw}
		case desc.Image != nil:
			requireContent(e, ContentTexture, "image")
			if desc.Sampler != nil && !immutable {
				requireContent(e, ContentSampler, "sampler")
				p.samplers[counters.Samplers] = SamplerSlot{Stages: e.Stages, Sampler: desc.Sampler.raw}
			}
			p.textures[counters.Textures] = TextureSlot{Stages: e.Stages, Texture: desc.Image.raw}
		case desc.Sampler != nil:
			requireContent(e, ContentSampler, "sampler")
			if immutable {
				contractViolation("WriteDescriptorSet", "binding %d has immutable samplers", e.Binding)
			}
			p.samplers[counters.Samplers] = SamplerSlot{Stages: e.Stages, Sampler: desc.Sampler.raw}
		default:
			contractViolation("WriteDescriptorSet", "empty descriptor for binding %d", e.Binding)
		}
		counters.add(e.Content)
	}
}

// requireContent panics unless e has slots of the category a descriptor
// writes; otherwise the write lands in another set's slots.
func requireContent(e layoutEntry, want DescriptorContent, what string) {
	if !e.Content.Contains(want) {
		contractViolation("WriteDescriptorSet", "%s descriptor written to binding %d element %d", what, e.Binding, e.ArrayIndex)
	}
}

func (p *argumentPool) write(l *argumentSetLayout, set *argumentSet, w DescriptorSetWrite) {
	ab, ok := l.bindings[w.Binding]
	if !ok || w.ArrayOffset >= ab.count {
		contractViolation("WriteDescriptorSet", "no binding %d element %d in layout", w.Binding, w.ArrayOffset)
	}
	if uint32(len(w.Descriptors)) > ab.count-w.ArrayOffset {
		contractViolation("WriteDescriptorSet", "%d descriptors overflow binding %d of %d elements",
			len(w.Descriptors), w.Binding, ab.count)
	}

	l.encMu.Lock()
	defer l.encMu.Unlock()
	enc := l.encoder
	enc.SetArgumentBuffer(p.raw, set.bytes.Start)

	immutable := ab.content.Contains(ContentImmutableSampler)
	element := w.ArrayOffset
	for _, desc := range w.Descriptors {
		arg := ab.first + element
		shadow := &p.resources[set.resources.Start+uint64(arg)]
		switch {
		case desc.Buffer != nil:
			raw, rng := desc.Buffer.Native()
			enc.SetBuffer(arg, raw, rng.Start+desc.Offset)
			*shadow = ArgumentResource{Stages: l.stages, Resource: raw}
		case desc.TexelBuffer != nil:
			enc.SetTexture(arg, desc.TexelBuffer.raw)
			*shadow = ArgumentResource{Stages: l.stages, Resource: desc.TexelBuffer.raw}
		case desc.Image != nil:
			if desc.Sampler != nil && !immutable {
				enc.SetSampler(ab.sampler+element, desc.Sampler.raw)
			}
			enc.SetTexture(arg, desc.Image.raw)
			*shadow = ArgumentResource{Stages: l.stages, Resource: desc.Image.raw}
		case desc.Sampler != nil:
			if immutable {
				contractViolation("WriteDescriptorSet", "binding %d has immutable samplers", w.Binding)
			}
			enc.SetSampler(ab.sampler+element, desc.Sampler.raw)
		default:
			contractViolation("WriteDescriptorSet", "empty descriptor for binding %d", w.Binding)
		}
		element++
	}
}

// Buffers returns a snapshot of an emulated set's buffer slots.
func (s *DescriptorSet) Buffers() []BufferSlot {
	s.pool.mu.RLock()
	defer s.pool.mu.RUnlock()
	p, es := s.emulated("DescriptorSet.Buffers")
	r := es.ranges[categoryBuffers]
	return slices.Clone(p.buffers[r.Start:r.End])
}

// Textures returns a snapshot of an emulated set's texture slots.
func (s *DescriptorSet) Textures() []TextureSlot {
	s.pool.mu.RLock()
	defer s.pool.mu.RUnlock()
	p, es := s.emulated("DescriptorSet.Textures")
	r := es.ranges[categoryTextures]
	return slices.Clone(p.textures[r.Start:r.End])
}

// Samplers returns a snapshot of an emulated set's sampler slots.
func (s *DescriptorSet) Samplers() []SamplerSlot {
	s.pool.mu.RLock()
	defer s.pool.mu.RUnlock()
	p, es := s.emulated("DescriptorSet.Samplers")
	r := es.ranges[categorySamplers]
	return slices.Clone(p.samplers[r.Start:r.End])
}

func (s *DescriptorSet) emulated(op string) (*emulatedPool, *emulatedSet) {
	p, ok := s.pool.variant.(*emulatedPool)
	if !ok {
		contractViolation(op, "descriptor set uses argument buffers")
	}
	return p, s.variant.(*emulatedSet)
}

// ArgumentBuffer returns the native argument buffer of the set and the
// byte offset of its encoded arguments.
func (s *DescriptorSet) ArgumentBuffer() (native.Buffer, uint64) {
	p, as := s.argument("DescriptorSet.ArgumentBuffer")
	return p.raw, as.bytes.Start
}

// Resources returns a snapshot of an argument-buffer set's shadow table.
func (s *DescriptorSet) Resources() []ArgumentResource {
	s.pool.mu.RLock()
	defer s.pool.mu.RUnlock()
	p, as := s.argument("DescriptorSet.Resources")
	return slices.Clone(p.resources[as.resources.Start:as.resources.End])
}

func (s *DescriptorSet) argument(op string) (*argumentPool, *argumentSet) {
	p, ok := s.pool.variant.(*argumentPool)
	if !ok {
		contractViolation(op, "descriptor set is emulated")
	}
	return p, s.variant.(*argumentSet)
}
