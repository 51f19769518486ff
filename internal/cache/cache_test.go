package cache

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

func newIntCache() *Once[int, string] {
	return NewOnce[int, string](strconv.Itoa)
}

func TestNewOnce(t *testing.T) {
	c := newIntCache()
	if c == nil {
		t.Fatal("NewOnce returned nil")
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", c.Len())
	}
}

func TestGetOrCompute(t *testing.T) {
	c := newIntCache()
	calls := 0

	val, err := c.GetOrCompute(1, func() (string, error) {
		calls++
		return "one", nil
	})
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if val != "one" {
		t.Errorf("expected one, got %q", val)
	}

	val, err = c.GetOrCompute(1, func() (string, error) {
		calls++
		return "other", nil
	})
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if val != "one" {
		t.Errorf("expected held value one, got %q", val)
	}
	if calls != 1 {
		t.Errorf("expected compute to run once, ran %d times", calls)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Computes != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestGetOrComputeErrorNotStored(t *testing.T) {
	c := newIntCache()
	errBoom := errors.New("boom")

	if _, err := c.GetOrCompute(7, func() (string, error) { return "", errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if _, ok := c.Get(7); ok {
		t.Fatal("failed computation should not be stored")
	}

	val, err := c.GetOrCompute(7, func() (string, error) { return "seven", nil })
	if err != nil || val != "seven" {
		t.Errorf("retry: got (%q, %v)", val, err)
	}
}

func TestGetOrComputeConcurrentOnce(t *testing.T) {
	c := newIntCache()
	var computes atomic.Int32
	release := make(chan struct{})

	const callers = 32
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompute(42, func() (string, error) {
				computes.Add(1)
				<-release
				return "answer", nil
			})
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
			}
			results[i] = v
		}()
	}

	close(release)
	wg.Wait()

	if n := computes.Load(); n != 1 {
		t.Errorf("expected 1 computation, got %d", n)
	}
	for i, r := range results {
		if r != "answer" {
			t.Errorf("caller %d got %q", i, r)
		}
	}
}

func TestInsertAndRange(t *testing.T) {
	c := newIntCache()

	if !c.Insert(1, "a") {
		t.Error("first Insert should store")
	}
	if c.Insert(1, "b") {
		t.Error("second Insert should not replace a held key")
	}
	c.Insert(2, "b")

	seen := map[int]string{}
	c.Range(func(k int, v string) bool {
		seen[k] = v
		return true
	})
	if len(seen) != 2 || seen[1] != "a" || seen[2] != "b" {
		t.Errorf("Range saw %v", seen)
	}

	count := 0
	c.Range(func(int, string) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("Range should stop early, visited %d", count)
	}
}
