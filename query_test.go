package mtlhal

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestCreateQueryPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueries = 8
	dev := newTestDevice(t, cfg)

	tests := []struct {
		name  string
		typ   QueryType
		count uint32
		want  error
	}{
		{"occlusion", QueryOcclusion, 4, nil},
		{"timestamp", QueryTimestamp, 64, nil},
		{"statistics", QueryPipelineStatistics, 2, nil},
		{"empty", QueryOcclusion, 0, ErrInvalidDescriptor},
		{"unknown type", QueryType(7), 1, ErrInvalidDescriptor},
		{"beyond capacity", QueryOcclusion, 9, ErrOutOfHostMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := dev.CreateQueryPool(tt.typ, tt.count)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if err != nil {
				return
			}
			defer dev.DestroyQueryPool(p)
			if p.Type() != tt.typ || p.Count() != tt.count {
				t.Errorf("pool = %s x%d", p.Type(), p.Count())
			}
		})
	}
}

func TestQueryPoolLeases(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueries = 8
	dev := newTestDevice(t, cfg)

	a, err := dev.CreateQueryPool(QueryOcclusion, 5)
	if err != nil {
		t.Fatalf("CreateQueryPool(a): %v", err)
	}
	if _, err := dev.CreateQueryPool(QueryOcclusion, 4); !errors.Is(err, ErrOutOfHostMemory) {
		t.Fatalf("overlapping lease: error = %v, want ErrOutOfHostMemory", err)
	}
	b, err := dev.CreateQueryPool(QueryOcclusion, 3)
	if err != nil {
		t.Fatalf("CreateQueryPool(b): %v", err)
	}
	if b.Base() < a.Base()+a.Count() && a.Base() < b.Base()+b.Count() {
		t.Errorf("pools overlap: a=[%d,+%d) b=[%d,+%d)", a.Base(), a.Count(), b.Base(), b.Count())
	}

	dev.DestroyQueryPool(a)
	dev.DestroyQueryPool(a)
	dev.DestroyQueryPool(nil)
	c, err := dev.CreateQueryPool(QueryOcclusion, 5)
	if err != nil {
		t.Fatalf("lease after release: %v", err)
	}
	if !dev.Visibility().AreAvailable(c.Base(), 0) {
		t.Error("an empty range is not available")
	}
	if dev.Visibility().AreAvailable(c.Base(), c.Count()) {
		t.Error("a fresh lease reports available results")
	}
}

func TestQueryAvailability(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())
	vis := dev.Visibility()
	p, err := dev.CreateQueryPool(QueryOcclusion, 3)
	if err != nil {
		t.Fatalf("CreateQueryPool: %v", err)
	}
	defer dev.DestroyQueryPool(p)

	for i := range p.Count() {
		if vis.AreAvailable(p.Base(), p.Count()) {
			t.Fatalf("available after %d of %d results", i, p.Count())
		}
		dev.RecordOcclusionResult(p, i, uint64(100+i))
	}
	if !vis.AreAvailable(p.Base(), p.Count()) {
		t.Fatal("not available after every result was recorded")
	}

	mem := vis.Native().Contents()
	if got := binary.LittleEndian.Uint64(mem[vis.ResultOffset(p.Base()+1):]); got != 101 {
		t.Errorf("result 1 = %d, want 101", got)
	}

	dev.ResetQueryPool(p, 1, 1)
	if vis.AreAvailable(p.Base(), p.Count()) {
		t.Error("reset query still available")
	}
	if !vis.AreAvailable(p.Base(), 1) {
		t.Error("reset touched a query outside its range")
	}
}

func TestQueryPoolResultsWait(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())
	p, err := dev.CreateQueryPool(QueryOcclusion, 2)
	if err != nil {
		t.Fatalf("CreateQueryPool: %v", err)
	}
	defer dev.DestroyQueryPool(p)

	data := make([]byte, 16)
	ok, err := dev.QueryPoolResults(p, 0, 2, data, 8, QueryResult64)
	if err != nil || ok {
		t.Fatalf("non-blocking poll = %v, %v; want false before results exist", ok, err)
	}

	type outcome struct {
		ok  bool
		err error
	}
	got := make(chan outcome, 1)
	go func() {
		ok, err := dev.QueryPoolResults(p, 0, 2, data, 8, QueryResult64|QueryResultWait)
		got <- outcome{ok, err}
	}()

	dev.RecordOcclusionResult(p, 0, 7)
	select {
	case <-got:
		t.Fatal("wait returned with one result missing")
	case <-time.After(10 * time.Millisecond):
	}
	dev.RecordOcclusionResult(p, 1, 9)

	select {
	case o := <-got:
		if o.err != nil || !o.ok {
			t.Fatalf("blocking wait = %v, %v", o.ok, o.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocking wait did not return after completion")
	}
	if a, b := binary.LittleEndian.Uint64(data), binary.LittleEndian.Uint64(data[8:]); a != 7 || b != 9 {
		t.Errorf("results = %d, %d; want 7, 9", a, b)
	}
}

func TestQueryPoolResultsLayout(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())
	occ, err := dev.CreateQueryPool(QueryOcclusion, 2)
	if err != nil {
		t.Fatalf("CreateQueryPool: %v", err)
	}
	defer dev.DestroyQueryPool(occ)
	dev.RecordOcclusionResult(occ, 0, 1<<33)
	ts, err := dev.CreateQueryPool(QueryTimestamp, 2)
	if err != nil {
		t.Fatalf("CreateQueryPool: %v", err)
	}

	u32 := func(b []byte, i int) uint32 { return binary.LittleEndian.Uint32(b[4*i:]) }
	tests := []struct {
		name   string
		pool   *QueryPool
		stride uint64
		flags  QueryResultFlags
		wantOK bool
		check  func(t *testing.T, data []byte)
	}{
		{
			name:   "32-bit clamps and skips unavailable",
			pool:   occ,
			stride: 4,
			check: func(t *testing.T, data []byte) {
				if u32(data, 0) != 0xFFFFFFFF || u32(data, 1) != 0xAAAAAAAA {
					t.Errorf("data = %x", data[:8])
				}
			},
		},
		{
			name:   "partial with availability",
			pool:   occ,
			stride: 8,
			flags:  QueryResultPartial | QueryResultWithAvailability,
			check: func(t *testing.T, data []byte) {
				want := []uint32{0xFFFFFFFF, 1, 0, 0}
				for i, w := range want {
					if u32(data, i) != w {
						t.Errorf("word %d = %#x, want %#x", i, u32(data, i), w)
					}
				}
			},
		},
		{
			name:   "timestamps report zero",
			pool:   ts,
			stride: 16,
			flags:  QueryResult64 | QueryResultWithAvailability | QueryResultWait,
			wantOK: true,
			check: func(t *testing.T, data []byte) {
				if binary.LittleEndian.Uint64(data[16:]) != 0 || binary.LittleEndian.Uint64(data[24:]) != 1 {
					t.Errorf("data = %x", data[16:32])
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, 32)
			for i := range data {
				data[i] = 0xAA
			}
			ok, err := dev.QueryPoolResults(tt.pool, 0, 2, data, tt.stride, tt.flags)
			if err != nil {
				t.Fatalf("QueryPoolResults: %v", err)
			}
			if ok != tt.wantOK {
				t.Errorf("all available = %v, want %v", ok, tt.wantOK)
			}
			tt.check(t, data)
		})
	}
}

func TestQueryPoolResultsErrors(t *testing.T) {
	dev := newTestDevice(t, DefaultConfig())
	p, err := dev.CreateQueryPool(QueryOcclusion, 4)
	if err != nil {
		t.Fatalf("CreateQueryPool: %v", err)
	}

	if _, err := dev.QueryPoolResults(p, 0, 2, make([]byte, 16), 4, QueryResult64); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("short stride: error = %v, want ErrInvalidDescriptor", err)
	}
	if _, err := dev.QueryPoolResults(p, 0, 4, make([]byte, 12), 4, 0); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("short buffer: error = %v, want ErrInvalidDescriptor", err)
	}
	if ok, err := dev.QueryPoolResults(p, 2, 0, nil, 0, 0); !ok || err != nil {
		t.Errorf("empty range = %v, %v; want true, nil", ok, err)
	}

	expectPanic(t, "results past the pool", func() {
		_, _ = dev.QueryPoolResults(p, 3, 2, make([]byte, 64), 8, 0)
	})
	expectPanic(t, "reset past the pool", func() { dev.ResetQueryPool(p, 5, 1) })
	ts, _ := dev.CreateQueryPool(QueryTimestamp, 1)
	expectPanic(t, "occlusion result on timestamps", func() { dev.RecordOcclusionResult(ts, 0, 1) })
}

func TestQueryTypeString(t *testing.T) {
	tests := []struct {
		typ  QueryType
		want string
	}{
		{QueryOcclusion, "occlusion"},
		{QueryTimestamp, "timestamp"},
		{QueryPipelineStatistics, "pipeline-statistics"},
		{QueryType(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("QueryType(%d).String() = %q, want %q", tt.typ, got, tt.want)
		}
	}
}
