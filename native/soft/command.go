//go:build !(js && wasm)

package soft

import (
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"github.com/gogpu/mtlhal/native"
)

// CommandQueue implements native.CommandQueue.
type CommandQueue struct {
	dev       *Device
	submitted atomic.Uint64
}

var _ native.CommandQueue = (*CommandQueue)(nil)

// NewCommandBuffer creates an empty command buffer.
func (q *CommandQueue) NewCommandBuffer() (native.CommandBuffer, error) {
	return &CommandBuffer{queue: q, done: make(chan struct{})}, nil
}

// Submitted returns how many command buffers were committed on the queue.
func (q *CommandQueue) Submitted() uint64 { return q.submitted.Load() }

// CommandBuffer implements native.CommandBuffer. Commit runs the recorded
// synchronizations on a goroutine, then marks completion and runs the
// completion handlers in registration order.
type CommandBuffer struct {
	queue *CommandQueue

	mu       sync.Mutex
	syncs    []*Buffer
	handlers []func()

	status atomic.Uint32
	done   chan struct{}
}

var _ native.CommandBuffer = (*CommandBuffer)(nil)

// SynchronizeResource records a GPU to CPU copy of a managed buffer.
func (c *CommandBuffer) SynchronizeResource(buf native.Buffer) {
	if b, ok := buf.(*Buffer); ok {
		c.mu.Lock()
		c.syncs = append(c.syncs, b)
		c.mu.Unlock()
	}
}

// AddCompletedHandler registers fn to run after completion.
func (c *CommandBuffer) AddCompletedHandler(fn func()) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// Commit submits the command buffer. Committing twice is a no-op.
func (c *CommandBuffer) Commit() {
	if !c.status.CompareAndSwap(uint32(native.CommandNotEnqueued), uint32(native.CommandCommitted)) {
		return
	}
	c.queue.submitted.Add(1)

	c.mu.Lock()
	syncs := c.syncs
	handlers := c.handlers
	c.mu.Unlock()

	go func() {
		for _, b := range syncs {
			b.synchronize()
		}
		c.status.Store(uint32(native.CommandCompleted))
		close(c.done)
		for _, fn := range handlers {
			fn()
		}
	}()
}

// WaitUntilCompleted blocks until a committed buffer completes. It returns
// immediately for a buffer that was never committed.
func (c *CommandBuffer) WaitUntilCompleted() {
	if native.CommandStatus(c.status.Load()) == native.CommandNotEnqueued {
		return
	}
	<-c.done
}

// Status returns the current lifecycle state.
func (c *CommandBuffer) Status() native.CommandStatus {
	return native.CommandStatus(c.status.Load())
}

// BinaryArchive implements native.BinaryArchive by recording pipeline
// labels. Serialized archives are CBOR arrays of those labels.
type BinaryArchive struct {
	mu      sync.Mutex
	entries []string
}

var _ native.BinaryArchive = (*BinaryArchive)(nil)

// NewBinaryArchive creates an archive, restoring entries from data when
// it is non-empty.
func (d *Device) NewBinaryArchive(data []byte) (native.BinaryArchive, error) {
	a := &BinaryArchive{}
	if len(data) == 0 {
		return a, nil
	}
	if err := cbor.Unmarshal(data, &a.entries); err != nil {
		return nil, err
	}
	return a, nil
}

// AddRenderPipeline records a render pipeline.
func (a *BinaryArchive) AddRenderPipeline(desc *native.RenderPipelineDescriptor) error {
	a.add("render:" + desc.Label)
	return nil
}

// AddComputePipeline records a compute pipeline.
func (a *BinaryArchive) AddComputePipeline(desc *native.ComputePipelineDescriptor) error {
	a.add("compute:" + desc.Label)
	return nil
}

func (a *BinaryArchive) add(entry string) {
	a.mu.Lock()
	a.entries = append(a.entries, entry)
	a.mu.Unlock()
}

// Entries returns the recorded pipelines.
func (a *BinaryArchive) Entries() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.entries...)
}

// Serialize encodes the recorded pipelines.
func (a *BinaryArchive) Serialize() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cbor.Marshal(a.entries)
}
