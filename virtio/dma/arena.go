// Package dma provides a contiguous block of memory shared by a driver and a
// device, with a simple allocator for virtqueues and I/O buffers. Every byte in
// the arena has a stable device address: base plus its offset.
package dma

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"unsafe"

	"github.com/c35s/vring/virtio/virtq"
	"golang.org/x/sys/unix"
)

// Arena is a block of DMA-visible memory. It implements virtq.Allocator and
// virtq.Mapper, and its MemAt method serves devices that need to resolve
// addresses back into memory.
type Arena struct {
	mem     []byte
	base    uint64
	mmapped bool

	mu     sync.Mutex
	free   []span      // sorted by off, never adjacent
	allocs map[int]int // off:len
}

type span struct {
	off, len int
}

var (
	ErrConfig    = errors.New("dma: invalid config")
	ErrMmap      = errors.New("dma: mmap failed")
	ErrNoSpace   = errors.New("dma: out of memory")
	ErrNotMapped = errors.New("dma: buffer is not in the arena")
	ErrBadFree   = errors.New("dma: bad free")
	ErrRange     = errors.New("dma: address out of range")
)

// NewArena maps size bytes of anonymous memory. The device sees the first byte
// at base, which must be page aligned. The size is rounded up to a page.
func NewArena(size int, base uint64) (*Arena, error) {
	size, err := checkConfig(size, base)
	if err != nil {
		return nil, err
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMmap, err)
	}

	a := newArena(mem, base)
	a.mmapped = true

	return a, nil
}

// NewHeapArena is like NewArena but uses memory from the Go heap.
func NewHeapArena(size int, base uint64) (*Arena, error) {
	size, err := checkConfig(size, base)
	if err != nil {
		return nil, err
	}

	words := make([]uint64, size/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)

	return newArena(mem, base), nil
}

func checkConfig(size int, base uint64) (int, error) {
	pgsz := os.Getpagesize()

	if size <= 0 {
		return 0, fmt.Errorf("%w: size %d <= 0", ErrConfig, size)
	}

	if base%uint64(pgsz) != 0 {
		return 0, fmt.Errorf("%w: base %#x isn't a multiple of the page size (%d)", ErrConfig, base, pgsz)
	}

	return (size + pgsz - 1) &^ (pgsz - 1), nil
}

func newArena(mem []byte, base uint64) *Arena {
	return &Arena{
		mem:    mem,
		base:   base,
		free:   []span{{off: 0, len: len(mem)}},
		allocs: make(map[int]int),
	}
}

// Alloc returns size zeroed bytes whose address is a multiple of align.
func (a *Arena) Alloc(size, align int) (virtq.Region, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return virtq.Region{}, fmt.Errorf("%w: alloc size=%d align=%d", ErrConfig, size, align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.free {
		start := (s.off + align - 1) &^ (align - 1)
		if start+size > s.off+s.len {
			continue
		}

		var rest []span
		if start > s.off {
			rest = append(rest, span{off: s.off, len: start - s.off})
		}

		if end := s.off + s.len; start+size < end {
			rest = append(rest, span{off: start + size, len: end - start - size})
		}

		a.free = slices.Replace(a.free, i, i+1, rest...)
		a.allocs[start] = size

		mem := a.mem[start : start+size : start+size]
		clear(mem)

		return virtq.Region{Mem: mem, Addr: a.base + uint64(start)}, nil
	}

	return virtq.Region{}, fmt.Errorf("%w: no room for %d bytes aligned to %d", ErrNoSpace, size, align)
}

// Free returns a region to the arena.
func (a *Arena) Free(r virtq.Region) error {
	if r.Addr < a.base {
		return fmt.Errorf("%w: %#x", ErrBadFree, r.Addr)
	}

	off := int(r.Addr - a.base)

	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.allocs[off]
	if !ok {
		return fmt.Errorf("%w: %#x was not allocated", ErrBadFree, r.Addr)
	}

	delete(a.allocs, off)

	i, _ := slices.BinarySearchFunc(a.free, off, func(s span, off int) int {
		return s.off - off
	})

	a.free = slices.Insert(a.free, i, span{off: off, len: size})

	// merge with the neighbours
	if i+1 < len(a.free) && a.free[i].off+a.free[i].len == a.free[i+1].off {
		a.free[i].len += a.free[i+1].len
		a.free = slices.Delete(a.free, i+1, i+2)
	}

	if i > 0 && a.free[i-1].off+a.free[i-1].len == a.free[i].off {
		a.free[i-1].len += a.free[i].len
		a.free = slices.Delete(a.free, i, i+1)
	}

	return nil
}

// Map returns the device address of p, which must lie inside the arena.
func (a *Arena) Map(p []byte) (uint64, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrNotMapped)
	}

	var (
		start = uintptr(unsafe.Pointer(&a.mem[0]))
		ptr   = uintptr(unsafe.Pointer(&p[0]))
	)

	if ptr < start || ptr+uintptr(len(p)) > start+uintptr(len(a.mem)) {
		return 0, ErrNotMapped
	}

	return a.base + uint64(ptr-start), nil
}

// MemAt returns a slice aliasing size bytes at addr.
func (a *Arena) MemAt(addr uint64, size int) ([]byte, error) {
	off := addr - a.base
	if addr < a.base || size < 0 || off > uint64(len(a.mem)) || uint64(size) > uint64(len(a.mem))-off {
		return nil, fmt.Errorf("%w: %#x+%d", ErrRange, addr, size)
	}

	return a.mem[off : off+uint64(size) : off+uint64(size)], nil
}

// Base returns the device address of the first byte in the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Size returns the size of the arena in bytes.
func (a *Arena) Size() int {
	return len(a.mem)
}

// Available returns the number of unallocated bytes.
func (a *Arena) Available() (n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.free {
		n += s.len
	}

	return
}

// Close unmaps the arena's memory. Any outstanding regions become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}

	var err error
	if a.mmapped {
		err = unix.Munmap(a.mem)
	}

	a.mem = nil
	a.free = nil
	a.allocs = nil

	return err
}
