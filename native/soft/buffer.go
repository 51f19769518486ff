//go:build !(js && wasm)

package soft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/mtlhal/native"
)

// DebugMarker is a labelled sub-range attached to a buffer.
type DebugMarker struct {
	Label  string
	Offset uint64
	Length uint64
}

// Buffer implements native.Buffer.
//
// Shared buffers expose one copy of the memory. Managed buffers keep a CPU
// copy (Contents) and a GPU copy: DidModifyRange copies CPU to GPU, and a
// command buffer synchronization copies GPU to CPU. Private buffers expose
// no contents.
type Buffer struct {
	dev  *Device
	id   uint64
	mode native.StorageMode

	gpu []byte
	cpu []byte // aliases gpu for shared storage, nil for private

	release  func()
	released atomic.Bool

	mu       sync.Mutex
	label    string
	markers  []DebugMarker
	modified []DebugMarker
}

var _ native.Buffer = (*Buffer)(nil)

func newBuffer(dev *Device, mem []byte, mode native.StorageMode) *Buffer {
	b := &Buffer{dev: dev, id: dev.newID(), mode: mode, gpu: mem}
	switch mode {
	case native.StorageShared:
		b.cpu = mem
	case native.StorageManaged:
		b.cpu = make([]byte, len(mem))
	}
	return b
}

// ID returns the buffer handle.
func (b *Buffer) ID() uint64 { return b.id }

// Release frees the backing memory once.
func (b *Buffer) Release() {
	if b.released.Swap(true) {
		return
	}
	if b.release != nil {
		b.release()
	}
}

// Released reports whether Release was called.
func (b *Buffer) Released() bool { return b.released.Load() }

// Length returns the buffer size in bytes.
func (b *Buffer) Length() uint64 { return uint64(len(b.gpu)) }

// Storage returns the storage mode.
func (b *Buffer) Storage() native.StorageMode { return b.mode }

// Contents returns the CPU copy, or nil for private storage.
func (b *Buffer) Contents() []byte { return b.cpu }

// GPUContents returns the GPU copy. Tests use it to simulate GPU writes.
func (b *Buffer) GPUContents() []byte { return b.gpu }

// DidModifyRange publishes CPU writes of a managed buffer to the GPU copy.
func (b *Buffer) DidModifyRange(offset, length uint64) {
	b.mu.Lock()
	b.modified = append(b.modified, DebugMarker{Offset: offset, Length: length})
	b.mu.Unlock()

	if b.mode != native.StorageManaged {
		return
	}
	end := min(offset+length, uint64(len(b.gpu)))
	copy(b.gpu[offset:end], b.cpu[offset:end])
}

// ModifiedRanges returns the ranges passed to DidModifyRange.
func (b *Buffer) ModifiedRanges() []DebugMarker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DebugMarker(nil), b.modified...)
}

// synchronize copies the GPU copy of a managed buffer back to the CPU copy.
func (b *Buffer) synchronize() {
	if b.mode == native.StorageManaged {
		copy(b.cpu, b.gpu)
	}
}

// SetLabel sets the debug label.
func (b *Buffer) SetLabel(label string) {
	b.mu.Lock()
	b.label = label
	b.mu.Unlock()
}

// Label returns the debug label.
func (b *Buffer) Label() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.label
}

// AddDebugMarker attaches a labelled range.
func (b *Buffer) AddDebugMarker(marker string, offset, length uint64) {
	b.mu.Lock()
	b.markers = append(b.markers, DebugMarker{Label: marker, Offset: offset, Length: length})
	b.mu.Unlock()
}

// Markers returns the debug markers attached so far.
func (b *Buffer) Markers() []DebugMarker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DebugMarker(nil), b.markers...)
}

// NewTexture creates a linear texture aliasing [offset, offset+size) of the
// buffer.
func (b *Buffer) NewTexture(desc *gputypes.TextureDescriptor, offset, bytesPerRow uint64) (native.Texture, error) {
	block, ok := native.TexelBlockSize(desc.Format)
	if !ok {
		return nil, fmt.Errorf("soft: unsupported linear texture format %v", desc.Format)
	}
	if bytesPerRow < uint64(desc.Size.Width)*uint64(block) {
		return nil, fmt.Errorf("soft: row pitch %d too small for width %d", bytesPerRow, desc.Size.Width)
	}
	size := bytesPerRow * uint64(max(desc.Size.Height, 1))
	if offset+size > b.Length() {
		return nil, fmt.Errorf("soft: linear texture [%d, %d) exceeds buffer length %d", offset, offset+size, b.Length())
	}
	return newTexture(b.dev, *desc, b.gpu[offset:offset+size]), nil
}
