package mmio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MemRegs is a register window mapped into memory, such as a real device's
// MMIO region mapped from /dev/mem. Register accesses are single aligned 32-bit
// loads and stores.
type MemRegs struct {
	mem     []byte
	mmapped bool
}

var ErrRegs = errors.New("mmio: bad register access")

// NewMemRegs returns a register window over mem, which must be 4-byte aligned.
func NewMemRegs(mem []byte) (*MemRegs, error) {
	if len(mem) < regDeviceConfigStart || uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, fmt.Errorf("%w: unaligned or short window (%d bytes)", ErrRegs, len(mem))
	}

	return &MemRegs{mem: mem}, nil
}

// MapRegs maps size bytes of the file at path, usually /dev/mem, starting at
// the physical address addr.
func MapRegs(path string, addr int64, size int) (*MemRegs, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open %s: %w", path, err)
	}

	defer unix.Close(fd)

	mem, err := unix.Mmap(fd, addr, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: map %s at %#x: %w", path, addr, err)
	}

	r, err := NewMemRegs(mem)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}

	r.mmapped = true
	return r, nil
}

func (r *MemRegs) ReadMMIO(off int, p []byte) error {
	if err := r.check(off, p); err != nil {
		return err
	}

	if len(p) == 4 && off%4 == 0 {
		binary.NativeEndian.PutUint32(p, atomic.LoadUint32(r.word(off)))
		return nil
	}

	copy(p, r.mem[off:])
	return nil
}

func (r *MemRegs) WriteMMIO(off int, p []byte) error {
	if err := r.check(off, p); err != nil {
		return err
	}

	if len(p) == 4 && off%4 == 0 {
		atomic.StoreUint32(r.word(off), binary.NativeEndian.Uint32(p))
		return nil
	}

	copy(r.mem[off:], p)
	return nil
}

// Close unmaps a window returned by MapRegs.
func (r *MemRegs) Close() error {
	if !r.mmapped || r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	r.mem = nil

	return err
}

func (r *MemRegs) check(off int, p []byte) error {
	if off < 0 || off+len(p) > len(r.mem) {
		return fmt.Errorf("%w: %#x+%d", ErrRegs, off, len(p))
	}

	if off < regDeviceConfigStart && (len(p) != 4 || off%4 != 0) {
		return fmt.Errorf("%w: %d-byte access to register %#03x", ErrRegs, len(p), off)
	}

	return nil
}

// word returns the register at off. Its bytes are copied to and from the
// caller's buffer unchanged.
func (r *MemRegs) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}
