package mtlhal

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/mtlhal/native"
	"github.com/gogpu/mtlhal/native/soft"
)

func newTestQueue(t *testing.T, dev *Device) *soft.CommandQueue {
	t.Helper()
	q, err := dev.Native().NewCommandQueue()
	if err != nil {
		t.Fatalf("NewCommandQueue: %v", err)
	}
	return q.(*soft.CommandQueue)
}

func TestFenceInitialState(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())
	logs := captureLogs(t)

	signaled := dev.CreateFence(true)
	if !dev.FenceStatus(signaled) || !dev.WaitForFence(signaled, 0) {
		t.Error("fence created signaled does not report signaled")
	}
	dev.ResetFence(signaled)
	if dev.FenceStatus(signaled) {
		t.Error("reset fence still signaled")
	}

	start := time.Now()
	if dev.WaitForFence(dev.CreateFence(false), Forever) {
		t.Error("fence that was never submitted signaled")
	}
	if time.Since(start) > time.Second {
		t.Error("waiting on an unsubmitted fence blocked")
	}
	if !strings.Contains(logs.String(), "never submitted") {
		t.Error("unsubmitted wait was not logged")
	}
	dev.DestroyFence(signaled)
}

func TestSubmitSignalsFence(t *testing.T) {
	tests := []struct {
		name    string
		buffers int
		timeout time.Duration
	}{
		{"empty submission", 0, Forever},
		{"single buffer", 1, time.Second},
		{"last of three", 3, Forever},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newTestDevice(t, DefaultConfig())
			q := newTestQueue(t, dev)
			var cmds []native.CommandBuffer
			for range tt.buffers {
				cmd, _ := q.NewCommandBuffer()
				cmds = append(cmds, cmd)
			}
			f := dev.CreateFence(false)
			if err := dev.Submit(q, cmds, f); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if !dev.WaitForFence(f, tt.timeout) {
				t.Fatal("fence did not signal")
			}
			if !dev.FenceStatus(f) {
				t.Error("FenceStatus false after a successful wait")
			}
			if got, want := q.Submitted(), uint64(max(tt.buffers, 1)); got != want {
				t.Errorf("Submitted() = %d, want %d", got, want)
			}
		})
	}
}

func TestSubmitWithoutFence(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())
	q := newTestQueue(t, dev)
	if err := dev.Submit(q, nil, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if q.Submitted() != 0 {
		t.Errorf("empty submission without a fence committed %d buffers", q.Submitted())
	}
}

func TestWaitForFenceTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FencePollInterval = 100 * time.Microsecond
	dev := newTestDevice(t, cfg)
	q := newTestQueue(t, dev)

	// A pending fence whose buffer is never committed cannot complete.
	cmd, _ := q.NewCommandBuffer()
	f := dev.CreateFence(false)
	f.state = fencePending{cmd: cmd}

	start := time.Now()
	if dev.WaitForFence(f, 5*time.Millisecond) {
		t.Fatal("fence signaled without completion")
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("wait returned after %v, before the timeout", elapsed)
	}

	cmd.Commit()
	if !dev.WaitForFence(f, Forever) {
		t.Error("fence did not signal after commit")
	}
	if _, idle := f.state.(fenceIdle); !idle {
		t.Errorf("completed fence state = %T, want fenceIdle", f.state)
	}
}

func TestWaitForFences(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())
	q := newTestQueue(t, dev)

	done := dev.CreateFence(true)
	stuck := dev.CreateFence(false)
	cmd, _ := q.NewCommandBuffer()
	stuck.state = fencePending{cmd: cmd}

	tests := []struct {
		name   string
		fences []*Fence
		all    bool
		want   bool
	}{
		{"none", nil, true, true},
		{"all signaled", []*Fence{done, done}, true, true},
		{"all with one stuck", []*Fence{done, stuck}, true, false},
		{"any with one signaled", []*Fence{stuck, done}, false, true},
		{"any all stuck", []*Fence{stuck}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dev.WaitForFences(tt.fences, tt.all, 2*time.Millisecond); got != tt.want {
				t.Errorf("WaitForFences() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvents(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())
	e := dev.CreateEvent()
	if dev.EventStatus(e) {
		t.Fatal("new event is set")
	}
	dev.SetEvent(e)
	if !dev.EventStatus(e) {
		t.Error("SetEvent did not set")
	}
	dev.ResetEvent(e)
	if dev.EventStatus(e) {
		t.Error("ResetEvent did not reset")
	}
	dev.DestroyEvent(e)
}

func TestEventTriagesWaiters(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())
	vis := dev.Visibility()
	pool, err := dev.CreateQueryPool(QueryOcclusion, 1)
	if err != nil {
		t.Fatalf("CreateQueryPool: %v", err)
	}
	defer dev.DestroyQueryPool(pool)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		vis.Wait(pool.Base(), 1)
	}()

	// Write availability without the broadcast so only the event wakes
	// the waiter.
	mem := vis.Native().Contents()
	vis.mu.Lock()
	mem[vis.AvailabilityOffset(pool.Base())] = 1
	vis.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	deadline := time.After(5 * time.Second)
	for {
		dev.SetEvent(dev.CreateEvent())
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("waiter was not woken by event triage")
		case <-time.After(time.Millisecond):
		}
	}
}
