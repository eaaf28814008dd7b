package dma_test

import (
	"errors"
	"math"
	"os"
	"testing"

	"github.com/c35s/vring/virtio/dma"
)

const base = 0x40000000

func TestNewArena(t *testing.T) {
	for name, newArena := range map[string]func(int, uint64) (*dma.Arena, error){
		"mmap": dma.NewArena,
		"heap": dma.NewHeapArena,
	} {
		t.Run(name, func(t *testing.T) {
			a, err := newArena(1, base)
			if err != nil {
				t.Fatal(err)
			}

			defer a.Close()

			if a.Size() != os.Getpagesize() {
				t.Errorf("size %d != %d", a.Size(), os.Getpagesize())
			}

			if a.Available() != a.Size() {
				t.Errorf("available %d != %d", a.Available(), a.Size())
			}
		})
	}

	t.Run("bad base", func(t *testing.T) {
		if _, err := dma.NewHeapArena(4096, base+1); !errors.Is(err, dma.ErrConfig) {
			t.Errorf("error isn't ErrConfig: %v", err)
		}
	})

	t.Run("bad size", func(t *testing.T) {
		if _, err := dma.NewHeapArena(0, base); !errors.Is(err, dma.ErrConfig) {
			t.Errorf("error isn't ErrConfig: %v", err)
		}
	})
}

func TestArenaAlloc(t *testing.T) {
	a, err := dma.NewHeapArena(1<<16, base)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("aligned", func(t *testing.T) {
		small, err := a.Alloc(3, 1)
		if err != nil {
			t.Fatal(err)
		}

		big, err := a.Alloc(100, 4096)
		if err != nil {
			t.Fatal(err)
		}

		if big.Addr%4096 != 0 {
			t.Errorf("addr %#x isn't aligned", big.Addr)
		}

		if len(big.Mem) != 100 {
			t.Errorf("len %d != 100", len(big.Mem))
		}

		if err := a.Free(small); err != nil {
			t.Fatal(err)
		}

		if err := a.Free(big); err != nil {
			t.Fatal(err)
		}

		if a.Available() != a.Size() {
			t.Errorf("leaked %d bytes", a.Size()-a.Available())
		}
	})

	t.Run("zeroed", func(t *testing.T) {
		r, err := a.Alloc(64, 16)
		if err != nil {
			t.Fatal(err)
		}

		for i := range r.Mem {
			r.Mem[i] = 0xff
		}

		if err := a.Free(r); err != nil {
			t.Fatal(err)
		}

		r, err = a.Alloc(64, 16)
		if err != nil {
			t.Fatal(err)
		}

		for i, b := range r.Mem {
			if b != 0 {
				t.Fatalf("byte %d is %#x", i, b)
			}
		}

		a.Free(r)
	})

	t.Run("exhausted", func(t *testing.T) {
		if _, err := a.Alloc(a.Size()+1, 1); !errors.Is(err, dma.ErrNoSpace) {
			t.Errorf("error isn't ErrNoSpace: %v", err)
		}
	})

	t.Run("double free", func(t *testing.T) {
		r, err := a.Alloc(8, 8)
		if err != nil {
			t.Fatal(err)
		}

		if err := a.Free(r); err != nil {
			t.Fatal(err)
		}

		if err := a.Free(r); !errors.Is(err, dma.ErrBadFree) {
			t.Errorf("error isn't ErrBadFree: %v", err)
		}
	})
}

func TestArenaMap(t *testing.T) {
	a, err := dma.NewHeapArena(4096, base)
	if err != nil {
		t.Fatal(err)
	}

	r, err := a.Alloc(32, 16)
	if err != nil {
		t.Fatal(err)
	}

	addr, err := a.Map(r.Mem[8:16])
	if err != nil {
		t.Fatal(err)
	}

	if addr != r.Addr+8 {
		t.Errorf("addr %#x != %#x", addr, r.Addr+8)
	}

	mem, err := a.MemAt(addr, 8)
	if err != nil {
		t.Fatal(err)
	}

	mem[0] = 42
	if r.Mem[8] != 42 {
		t.Error("MemAt doesn't alias the region")
	}

	if _, err := a.Map(make([]byte, 8)); !errors.Is(err, dma.ErrNotMapped) {
		t.Errorf("error isn't ErrNotMapped: %v", err)
	}

	for _, tt := range []struct {
		addr uint64
		size int
	}{
		{base + uint64(a.Size()), 1},
		{base - 1, 1},
		{base + 8, -1},
		{math.MaxUint64, base + 2}, // end wraps past zero
	} {
		if _, err := a.MemAt(tt.addr, tt.size); !errors.Is(err, dma.ErrRange) {
			t.Errorf("%#x+%d: error isn't ErrRange: %v", tt.addr, tt.size, err)
		}
	}
}
