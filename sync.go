package mtlhal

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/mtlhal/native"
)

// Forever is a timeout that never expires.
const Forever = time.Duration(math.MaxInt64)

// fenceState is either fenceIdle or fencePending.
type fenceState interface {
	isFenceState()
}

// fenceIdle is a fence that is not waiting on any submission.
type fenceIdle struct {
	signaled bool
}

// fencePending is a fence that signals when cmd completes.
type fencePending struct {
	cmd native.CommandBuffer
}

func (fenceIdle) isFenceState()    {}
func (fencePending) isFenceState() {}

// Fence signals the CPU when a submission completes.
type Fence struct {
	mu    sync.Mutex
	state fenceState
}

// CreateFence creates a fence in the idle state.
func (d *Device) CreateFence(signaled bool) *Fence {
	return &Fence{state: fenceIdle{signaled: signaled}}
}

// ResetFence returns the fence to the unsignaled idle state.
func (d *Device) ResetFence(f *Fence) {
	f.mu.Lock()
	f.state = fenceIdle{}
	f.mu.Unlock()
}

// DestroyFence releases the fence. It is a no-op.
func (d *Device) DestroyFence(*Fence) {}

// FenceStatus reports whether the fence is signaled. It never blocks.
func (d *Device) FenceStatus(f *Fence) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollLocked()
}

// pollLocked checks the pending submission and collapses a completed fence
// to the signaled idle state.
func (f *Fence) pollLocked() bool {
	switch s := f.state.(type) {
	case fenceIdle:
		return s.signaled
	case fencePending:
		if s.cmd.Status() == native.CommandCompleted {
			f.state = fenceIdle{signaled: true}
			return true
		}
		return false
	default:
		panic(fmt.Sprintf("mtlhal: unknown fence state %T", s))
	}
}

// WaitForFence blocks until the fence signals or the timeout elapses and
// reports whether it signaled.
//
// A Forever timeout blocks on the native submission directly. A finite
// timeout polls every Config.FencePollInterval and triages waiters on each
// iteration. Waiting on an idle unsignaled fence returns false at once: no
// submission can ever signal it.
func (d *Device) WaitForFence(f *Fence, timeout time.Duration) bool {
	f.mu.Lock()
	if f.pollLocked() {
		f.mu.Unlock()
		return true
	}
	pending, ok := f.state.(fencePending)
	f.mu.Unlock()
	if !ok {
		Logger().Warn("mtlhal: waiting on a fence that was never submitted")
		return false
	}

	if timeout == Forever {
		pending.cmd.WaitUntilCompleted()
		d.triage()
		return d.FenceStatus(f)
	}

	deadline := time.Now().Add(timeout)
	for {
		if pending.cmd.Status() == native.CommandCompleted {
			return d.FenceStatus(f)
		}
		if !time.Now().Before(deadline) {
			return false
		}
		d.triage()
		time.Sleep(d.cfg.FencePollInterval)
	}
}

// WaitForFences waits for all fences, or any one when all is false, and
// reports whether the wait was satisfied before the timeout.
func (d *Device) WaitForFences(fences []*Fence, all bool, timeout time.Duration) bool {
	if len(fences) == 0 {
		return true
	}
	if all {
		start := time.Now()
		for _, f := range fences {
			remaining := timeout
			if timeout != Forever {
				remaining = max(timeout-time.Since(start), 0)
			}
			if !d.WaitForFence(f, remaining) {
				return false
			}
		}
		return true
	}

	deadline := time.Now().Add(timeout)
	for {
		for _, f := range fences {
			if d.FenceStatus(f) {
				return true
			}
		}
		if timeout != Forever && !time.Now().Before(deadline) {
			return false
		}
		d.triage()
		time.Sleep(d.cfg.FencePollInterval)
	}
}

// Submit commits command buffers to the native queue in order. When fence
// is non-nil it signals after the last buffer completes; with no buffers an
// empty one is committed to carry the signal. Every completion triages
// waiters.
func (d *Device) Submit(queue native.CommandQueue, cmds []native.CommandBuffer, fence *Fence) error {
	if len(cmds) == 0 && fence != nil {
		cmd, err := queue.NewCommandBuffer()
		if err != nil {
			return deviceError("create fence command buffer", err)
		}
		cmds = []native.CommandBuffer{cmd}
	}
	for _, cmd := range cmds {
		cmd.AddCompletedHandler(d.triage)
	}
	if fence != nil {
		fence.mu.Lock()
		fence.state = fencePending{cmd: cmds[len(cmds)-1]}
		fence.mu.Unlock()
	}
	for _, cmd := range cmds {
		cmd.Commit()
	}
	return nil
}

// Event is a CPU-visible flag shared with the GPU timeline.
type Event struct {
	set atomic.Bool
}

// CreateEvent creates an event in the reset state.
func (d *Device) CreateEvent() *Event { return &Event{} }

// DestroyEvent releases the event. It is a no-op.
func (d *Device) DestroyEvent(*Event) {}

// SetEvent sets the event and triages waiters.
func (d *Device) SetEvent(e *Event) {
	e.set.Store(true)
	d.triage()
}

// ResetEvent clears the event and triages waiters.
func (d *Device) ResetEvent(e *Event) {
	e.set.Store(false)
	d.triage()
}

// EventStatus reports whether the event is set.
func (d *Device) EventStatus(e *Event) bool { return e.set.Load() }
