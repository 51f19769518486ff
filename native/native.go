// Package native defines the driver boundary that mtlhal translates into.
//
// The interfaces follow the Metal object model: a device creates buffers,
// textures, samplers, heaps, shader libraries, argument encoders, command
// queues, binary archives and pipeline states. mtlhal consumes these
// interfaces only; a concrete driver (or the in-memory driver in
// native/soft) implements them.
//
// Thread Safety:
// Implementations must allow concurrent calls on distinct objects.
// mtlhal serializes calls that create objects on a Device with its own
// device lock, so Device implementations need not be safe for concurrent
// object creation.
package native

import (
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// StorageMode controls where a resource lives and whether the CPU can see it.
type StorageMode uint8

const (
	// StorageShared resources live in system memory visible to CPU and GPU.
	StorageShared StorageMode = iota
	// StorageManaged resources keep a CPU copy that must be flushed and
	// synchronized explicitly.
	StorageManaged
	// StoragePrivate resources are GPU-only.
	StoragePrivate
)

// String returns the storage mode name.
func (m StorageMode) String() string {
	switch m {
	case StorageShared:
		return "Shared"
	case StorageManaged:
		return "Managed"
	case StoragePrivate:
		return "Private"
	default:
		return "Unknown"
	}
}

// CPUVisible reports whether resources in this mode expose contents.
func (m StorageMode) CPUVisible() bool { return m != StoragePrivate }

// SizeAndAlign is the footprint of a resource inside a heap.
type SizeAndAlign struct {
	Size  uint64
	Align uint64
}

// LanguageVersion is a shading language version.
type LanguageVersion struct {
	Major uint8
	Minor uint8
}

// CompileOptions controls native shader compilation.
type CompileOptions struct {
	LanguageVersion LanguageVersion
	FastMath        bool
}

// Resource is the common part of every native object.
type Resource interface {
	// ID returns a process-unique handle used by argument encoders and
	// residency tracking.
	ID() uint64
	// Release frees the native object. Releasing twice is a no-op.
	Release()
}

// Device creates native objects.
type Device interface {
	Info() gpucontext.AdapterInfo

	NewBuffer(length uint64, mode StorageMode) (Buffer, error)
	NewTexture(desc *gputypes.TextureDescriptor, mode StorageMode) (Texture, error)
	NewSampler(desc *gputypes.SamplerDescriptor) (Sampler, error)

	NewHeap(size uint64, mode StorageMode) (Heap, error)
	HeapBufferSizeAndAlign(length uint64, mode StorageMode) SizeAndAlign
	HeapTextureSizeAndAlign(desc *gputypes.TextureDescriptor, mode StorageMode) SizeAndAlign

	NewLibraryWithSource(source string, opts CompileOptions) (Library, error)
	NewArgumentEncoder(args []ArgumentDescriptor) (ArgumentEncoder, error)
	NewCommandQueue() (CommandQueue, error)
	NewBinaryArchive(data []byte) (BinaryArchive, error)

	NewRenderPipelineState(desc *RenderPipelineDescriptor) (RenderPipelineState, error)
	NewComputePipelineState(desc *ComputePipelineDescriptor) (ComputePipelineState, error)
}

// Buffer is a linear allocation.
type Buffer interface {
	Resource
	Length() uint64
	Storage() StorageMode
	// Contents returns the CPU view of the buffer, or nil for private storage.
	Contents() []byte
	// DidModifyRange tells the driver that the CPU wrote [offset, offset+length)
	// of a managed buffer.
	DidModifyRange(offset, length uint64)
	SetLabel(label string)
	Label() string
	AddDebugMarker(marker string, offset, length uint64)
	// NewTexture creates a linear texture that aliases the buffer memory.
	NewTexture(desc *gputypes.TextureDescriptor, offset, bytesPerRow uint64) (Texture, error)
}

// Texture is an image resource.
type Texture interface {
	Resource
	SetLabel(label string)
	Label() string
	Descriptor() gputypes.TextureDescriptor
	NewView(format gputypes.TextureFormat, dim gputypes.TextureViewDimension) (Texture, error)
}

// Sampler is an immutable sampler state.
type Sampler interface {
	Resource
}

// Heap is a pooled allocation that resources are carved out of.
type Heap interface {
	Resource
	Size() uint64
	UsedSize() uint64
	Storage() StorageMode
	// NewBuffer sub-allocates a buffer. Returns false when the heap cannot
	// hold it.
	NewBuffer(length uint64, mode StorageMode) (Buffer, bool)
	// NewTexture sub-allocates a texture. Returns false when the heap cannot
	// hold it.
	NewTexture(desc *gputypes.TextureDescriptor) (Texture, bool)
}

// Library is a compiled shader library.
type Library interface {
	Resource
	FunctionNames() []string
	NewFunction(name string) (Function, error)
}

// Function is an entry point inside a library.
type Function interface {
	Name() string
}

// ArgumentKind is the resource category of an argument buffer entry.
type ArgumentKind uint8

const (
	ArgumentBuffer ArgumentKind = iota
	ArgumentTexture
	ArgumentSampler
)

// ArgumentDescriptor declares one entry (or array of entries) of an
// argument buffer layout.
type ArgumentDescriptor struct {
	Kind     ArgumentKind
	Index    uint32
	Count    uint32
	Writable bool
}

// ArgumentEncoder writes resource handles into an argument buffer.
type ArgumentEncoder interface {
	EncodedLength() uint64
	Alignment() uint64
	SetArgumentBuffer(buf Buffer, offset uint64)
	SetBuffer(index uint32, buf Buffer, offset uint64)
	SetTexture(index uint32, tex Texture)
	SetSampler(index uint32, s Sampler)
}

// CommandQueue creates command buffers.
type CommandQueue interface {
	NewCommandBuffer() (CommandBuffer, error)
}

// CommandStatus is the lifecycle state of a command buffer.
type CommandStatus uint8

const (
	CommandNotEnqueued CommandStatus = iota
	CommandCommitted
	CommandCompleted
	CommandError
)

// CommandBuffer is a unit of submitted GPU work.
//
// Only the operations mtlhal itself issues are modelled: blit
// synchronization for memory invalidation, completion handlers and
// status polling.
type CommandBuffer interface {
	// SynchronizeResource makes GPU writes to a managed buffer visible to
	// the CPU once the command buffer completes.
	SynchronizeResource(buf Buffer)
	AddCompletedHandler(fn func())
	Commit()
	WaitUntilCompleted()
	Status() CommandStatus
}

// BinaryArchive stores precompiled pipeline state.
type BinaryArchive interface {
	AddRenderPipeline(desc *RenderPipelineDescriptor) error
	AddComputePipeline(desc *ComputePipelineDescriptor) error
	Serialize() ([]byte, error)
}

// RenderPipelineDescriptor describes a native render pipeline.
type RenderPipelineDescriptor struct {
	Label                string
	VertexFunction       Function
	FragmentFunction     Function
	RasterizationEnabled bool
	Topology             gputypes.PrimitiveTopology
	ColorFormats         []gputypes.TextureFormat
	DepthFormat          gputypes.TextureFormat
	SampleCount          uint32
	Archives             []BinaryArchive
}

// ComputePipelineDescriptor describes a native compute pipeline.
type ComputePipelineDescriptor struct {
	Label           string
	Function        Function
	ThreadgroupSize [3]uint32
	Archives        []BinaryArchive
}

// RenderPipelineState is a compiled render pipeline.
type RenderPipelineState interface {
	Resource
}

// ComputePipelineState is a compiled compute pipeline.
type ComputePipelineState interface {
	Resource
	MaxTotalThreadsPerThreadgroup() uint32
}
