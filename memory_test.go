package mtlhal

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/mtlhal/native/soft"
)

func TestMemoryTypes(t *testing.T) {
	tests := []struct {
		name    string
		managed bool
		want    []MemoryProperties
	}{
		{"default", false, []MemoryProperties{
			MemoryDeviceLocal,
			MemoryHostVisible | MemoryCoherent,
		}},
		{"managed", true, []MemoryProperties{
			MemoryDeviceLocal,
			MemoryHostVisible | MemoryCoherent,
			MemoryDeviceLocal | MemoryHostVisible,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ManagedMemory = tt.managed
			dev := newTestDevice(t, cfg)
			types := dev.MemoryTypes()
			if len(types) != len(tt.want) {
				t.Fatalf("MemoryTypes() has %d entries, want %d", len(types), len(tt.want))
			}
			for i, mt := range types {
				if mt.Index != i {
					t.Errorf("types[%d].Index = %d", i, mt.Index)
				}
				if mt.Properties != tt.want[i] {
					t.Errorf("types[%d].Properties = %b, want %b", i, mt.Properties, tt.want[i])
				}
			}
		})
	}
}

func TestAllocateMemoryHeapKind(t *testing.T) {
	tests := []struct {
		name  string
		heaps bool
		typ   int
		want  HeapKind
	}{
		{"private", false, memoryTypePrivate, HeapPrivate},
		{"shared", false, memoryTypeShared, HeapPublic},
		{"managed", false, memoryTypeManaged, HeapPublic},
		{"private with heaps", true, memoryTypePrivate, HeapNative},
		{"shared with heaps", true, memoryTypeShared, HeapPublic},
		{"managed with heaps", true, memoryTypeManaged, HeapNative},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ManagedMemory = true
			cfg.ResourceHeaps = tt.heaps
			dev := newTestDevice(t, cfg)
			m, err := dev.AllocateMemory(tt.typ, 4096)
			if err != nil {
				t.Fatalf("AllocateMemory: %v", err)
			}
			defer dev.FreeMemory(m)
			if m.Kind() != tt.want {
				t.Errorf("Kind() = %v, want %v", m.Kind(), tt.want)
			}
			if m.Size() != 4096 {
				t.Errorf("Size() = %d, want 4096", m.Size())
			}
		})
	}
}

func TestAllocateMemoryErrors(t *testing.T) {
	dev, err := NewDevice(soft.New(soft.Options{MemoryLimit: 1 << 20}), WithConfig(Config{MaxQueries: 16}))
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	defer dev.Destroy()

	if _, err := dev.AllocateMemory(7, 64); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("bad type index: error = %v, want ErrInvalidDescriptor", err)
	}
	if _, err := dev.AllocateMemory(memoryTypeShared, 0); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("zero size: error = %v, want ErrInvalidDescriptor", err)
	}
	_, err = dev.AllocateMemory(memoryTypeShared, 1<<30)
	if !errors.Is(err, ErrOutOfDeviceMemory) {
		t.Errorf("over limit: error = %v, want ErrOutOfDeviceMemory", err)
	}
	if !errors.Is(err, hal.ErrDeviceOutOfMemory) {
		t.Errorf("over limit: error = %v, want the HAL cause in the chain", err)
	}
}

func TestFreeMemoryIdempotent(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())
	m, err := dev.AllocateMemory(memoryTypeShared, 256)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	dev.FreeMemory(m)
	dev.FreeMemory(m)
	dev.FreeMemory(nil)

	expectPanic(t, "map freed memory", func() { _, _ = dev.MapMemory(m, 0, WholeSize) })
}

func TestMapMemory(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())
	m, err := dev.AllocateMemory(memoryTypeShared, 1024)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	defer dev.FreeMemory(m)

	tests := []struct {
		name    string
		offset  uint64
		size    uint64
		wantLen int
		wantErr bool
	}{
		{"whole", 0, WholeSize, 1024, false},
		{"tail", 1000, WholeSize, 24, false},
		{"middle", 256, 128, 128, false},
		{"past end", 1000, 100, 0, true},
		{"offset past end", 2048, 1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dev.MapMemory(m, tt.offset, tt.size)
			if tt.wantErr {
				if !errors.Is(err, hal.ErrInvalidMapRange) {
					t.Errorf("error = %v, want hal.ErrInvalidMapRange", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("MapMemory: %v", err)
			}
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}

	// Writes through one mapping are visible through another.
	a, _ := dev.MapMemory(m, 0, WholeSize)
	copy(a[512:], "mtlhal")
	b, _ := dev.MapMemory(m, 512, 6)
	if string(b) != "mtlhal" {
		t.Errorf("second mapping reads %q", b)
	}
	dev.UnmapMemory(m)
}

func TestMapPrivateMemoryPanics(t *testing.T) {
	for _, heaps := range []bool{false, true} {
		cfg := DefaultConfig()
		cfg.ResourceHeaps = heaps
		dev := newTestDevice(t, cfg)
		m, err := dev.AllocateMemory(memoryTypePrivate, 256)
		if err != nil {
			t.Fatalf("AllocateMemory: %v", err)
		}
		expectPanic(t, "MapMemory("+m.Kind().String()+")", func() { _, _ = dev.MapMemory(m, 0, WholeSize) })
		expectPanic(t, "UnmapMemory("+m.Kind().String()+")", func() { dev.UnmapMemory(m) })
		expectPanic(t, "FlushMappedRanges("+m.Kind().String()+")", func() {
			dev.FlushMappedRanges([]MappedRange{{Memory: m, Size: WholeSize}})
		})
		dev.FreeMemory(m)
	}
}

func TestFlushMappedRanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ManagedMemory = true
	dev := newTestDevice(t, cfg)

	shared, err := dev.AllocateMemory(memoryTypeShared, 512)
	if err != nil {
		t.Fatalf("AllocateMemory(shared): %v", err)
	}
	managed, err := dev.AllocateMemory(memoryTypeManaged, 512)
	if err != nil {
		t.Fatalf("AllocateMemory(managed): %v", err)
	}

	view, _ := dev.MapMemory(managed, 0, WholeSize)
	copy(view[64:], "flushed")
	dev.FlushMappedRanges([]MappedRange{
		{Memory: shared, Offset: 0, Size: WholeSize},
		{Memory: managed, Offset: 64, Size: 7},
	})

	sharedBuf := shared.heap.(publicHeap).buf.(*soft.Buffer)
	if got := sharedBuf.ModifiedRanges(); len(got) != 0 {
		t.Errorf("coherent memory flushed %d ranges, want 0", len(got))
	}
	managedBuf := managed.heap.(publicHeap).buf.(*soft.Buffer)
	got := managedBuf.ModifiedRanges()
	if len(got) != 1 || got[0].Offset != 64 || got[0].Length != 7 {
		t.Errorf("managed flushes = %+v, want one [64, 71)", got)
	}
	if !bytes.Equal(managedBuf.GPUContents()[64:71], []byte("flushed")) {
		t.Errorf("GPU copy = %q after flush", managedBuf.GPUContents()[64:71])
	}
}

func TestInvalidateMappedRanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ManagedMemory = true
	dev := newTestDevice(t, cfg)
	queue := dev.invalidation.(*soft.CommandQueue)

	shared, err := dev.AllocateMemory(memoryTypeShared, 256)
	if err != nil {
		t.Fatalf("AllocateMemory(shared): %v", err)
	}
	managed, err := dev.AllocateMemory(memoryTypeManaged, 256)
	if err != nil {
		t.Fatalf("AllocateMemory(managed): %v", err)
	}

	// Coherent only: nothing is submitted.
	if err := dev.InvalidateMappedRanges([]MappedRange{{Memory: shared, Size: WholeSize}}); err != nil {
		t.Fatalf("InvalidateMappedRanges(shared): %v", err)
	}
	if n := queue.Submitted(); n != 0 {
		t.Errorf("coherent invalidate submitted %d command buffers, want 0", n)
	}

	// Simulate a GPU write, then invalidate: the CPU copy must match on return.
	gpu := managed.heap.(publicHeap).buf.(*soft.Buffer).GPUContents()
	copy(gpu[16:], "from gpu")
	err = dev.InvalidateMappedRanges([]MappedRange{
		{Memory: shared, Size: WholeSize},
		{Memory: managed, Offset: 16, Size: 8},
	})
	if err != nil {
		t.Fatalf("InvalidateMappedRanges(managed): %v", err)
	}
	if n := queue.Submitted(); n != 1 {
		t.Errorf("submitted %d command buffers, want 1", n)
	}
	view, _ := dev.MapMemory(managed, 16, 8)
	if string(view) != "from gpu" {
		t.Errorf("CPU copy = %q after invalidate, want %q", view, "from gpu")
	}
}
