package memoryAlloc

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
)

func TestRangeManagerFrontAndBack(t *testing.T) {
	m := newRangeManager()
	m.free(0, 100)

	low, ok := m.allocFromFront(10)
	if !ok || low != 0 {
		t.Fatalf("allocFromFront = %d, %v, want 0, true", low, ok)
	}
	high, ok := m.allocFromBack(20)
	if !ok || high != 80 {
		t.Fatalf("allocFromBack = %d, %v, want 80, true", high, ok)
	}
	if got := m.available(); got != 70 {
		t.Fatalf("available = %d, want 70", got)
	}
	if got := m.peekLowAddress(); got != 10 {
		t.Fatalf("peekLowAddress = %d, want 10", got)
	}
	if _, ok := m.allocFromFront(71); ok {
		t.Fatal("allocFromFront(71) succeeded with 70 bytes free")
	}

	m.free(low, 10)
	m.free(high, 20)
	if diff := cmp.Diff([]memoryRange{{0, 100}}, m.ranges(), cmp.AllowUnexported(memoryRange{})); diff != "" {
		t.Fatalf("ranges after free (-want +got):\n%s", diff)
	}
}

func TestRangeManagerCoalesce(t *testing.T) {
	m := newRangeManager()
	m.free(0, 10)
	m.free(20, 10)
	m.free(40, 10)
	m.free(10, 10)

	want := []memoryRange{{0, 30}, {40, 50}}
	if diff := cmp.Diff(want, m.ranges(), cmp.AllowUnexported(memoryRange{})); diff != "" {
		t.Fatalf("ranges (-want +got):\n%s", diff)
	}

	start, allocated, ok := m.allocFromFrontAtMost(50)
	if !ok || start != 0 || allocated != 30 {
		t.Fatalf("allocFromFrontAtMost = %d, %d, %v, want 0, 30, true", start, allocated, ok)
	}
}

func TestRangeManagerOverlappingFreePanics(t *testing.T) {
	tests := []struct {
		name        string
		start, size uintptr
	}{
		{"same", 10, 10},
		{"head", 5, 10},
		{"tail", 15, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newRangeManager()
			m.free(10, 10)
			defer func() {
				if recover() == nil {
					t.Fatal("overlapping free did not panic")
				}
			}()
			m.free(tt.start, tt.size)
		})
	}
}

func TestVirtualMemoryManagerPlacement(t *testing.T) {
	m := NewVirtualMemoryManager(64*mb, 2*mb)

	small, err := m.Alloc(2*mb, false)
	if err != nil {
		t.Fatal(err)
	}
	if small.Start() != 0 {
		t.Fatalf("small page at %#x, want 0", small.Start())
	}
	large, err := m.Alloc(8*mb, false)
	if err != nil {
		t.Fatal(err)
	}
	if large.End() != 64*mb {
		t.Fatalf("large page ends at %#x, want %#x", large.End(), 64*mb)
	}
	forced, err := m.Alloc(8*mb, true)
	if err != nil {
		t.Fatal(err)
	}
	if forced.Start() != 2*mb {
		t.Fatalf("low address page at %#x, want %#x", forced.Start(), 2*mb)
	}
	if got := m.LowestAvailableAddress(); got != 10*mb {
		t.Fatalf("lowest available = %#x, want %#x", got, 10*mb)
	}

	if _, err := m.Alloc(64*mb, false); !errors.Is(err, ErrAddressSpaceExhausted) {
		t.Fatalf("oversized alloc error = %v, want ErrAddressSpaceExhausted", err)
	}

	m.Free(small)
	m.Free(large)
	m.Free(forced)
	if got := m.Available(); got != 64*mb {
		t.Fatalf("available = %d, want %d", got, 64*mb)
	}
}
