// Package virtq implements split virtqueues as described by the Virtual I/O Device
// (VIRTIO) Version 1.2 standard, from the driver's point of view. A Queue owns a
// descriptor table, an available ring and a used ring in DMA-visible memory and
// exchanges descriptor chains with a device that is not trusted to behave.
//
// DeviceQueue is the device's view of the same memory. It's used by software
// devices such as the emulated virtio-mmio bus in package mmio.
package virtq

import (
	"encoding/binary"
	"errors"
)

// Desc is a descriptor in a split virtqueue.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Segment is one physically contiguous buffer in a request.
type Segment struct {
	Addr uint64
	Len  uint32

	// Write marks the segment device-writable. Otherwise it's device-readable.
	Write bool
}

// Used is a completion taken from the used ring.
type Used struct {
	Head uint16 // head of the completed chain
	Len  uint32 // bytes written by the device
}

const (
	DescFNext     = 1 // buffer continues in the next descriptor
	DescFWrite    = 2 // buffer is device wo (otherwise ro)
	DescFIndirect = 4 // buffer contains a descriptor table
)

const (
	AvailFNoInterrupt = 1 // driver doesn't want used buffer notifications
	UsedFNoNotify     = 1 // device doesn't want available buffer notifications
)

// MaxSize is the largest queue size allowed by the split ring format.
const MaxSize = 1 << 15

// LegacyAlign is the used ring alignment required by legacy transports.
const LegacyAlign = 4096

// DefaultIndirectSegments is the default MaxSegments when indirect descriptors
// are enabled.
const DefaultIndirectSegments = 32

const sizeofDesc = 16

// Format selects the byte order of every ring field.
type Format uint8

const (
	// Legacy rings use the guest's native byte order.
	Legacy Format = iota

	// Modern rings are little-endian. A device is modern iff VIRTIO_F_VERSION_1
	// was negotiated.
	Modern
)

var (
	ErrConfig            = errors.New("virtq: invalid config")
	ErrAlloc             = errors.New("virtq: ring allocation failed")
	ErrQueueFull         = errors.New("virtq: not enough free descriptors")
	ErrSegments          = errors.New("virtq: bad segment count")
	ErrBufferUnavailable = errors.New("virtq: buffer unavailable")
	ErrProtocol          = errors.New("virtq: device protocol violation")
	ErrDeviceFailed      = errors.New("virtq: device failed")
)

// Region is a block of DMA-visible memory.
type Region struct {

	// Mem aliases the memory. It's zeroed when returned by an Allocator.
	Mem []byte

	// Addr is the address of Mem[0] as seen by the device.
	Addr uint64
}

// Allocator provides the physically contiguous storage backing a queue.
type Allocator interface {

	// Alloc returns size zeroed bytes whose device address is a multiple of align.
	Alloc(size, align int) (Region, error)

	// Free releases a region returned by Alloc.
	Free(r Region) error
}

// Mapper translates a driver buffer into a device address.
type Mapper interface {
	Map(p []byte) (uint64, error)
}

// Config configures a new Queue.
type Config struct {

	// Alloc provides the queue's memory. It's required.
	Alloc Allocator

	// Mapper, if set, translates the buffers passed to LoadBuffers.
	Mapper Mapper

	// Format selects the ring byte order. It's fixed for the life of the queue.
	Format Format

	// Align is the used ring alignment. If Align is 0, it's LegacyAlign for
	// Legacy rings and 4 for Modern rings.
	Align int

	// Indirect enables indirect descriptors (VIRTIO_F_INDIRECT_DESC).
	Indirect bool

	// EventIdx enables the used_event and avail_event fields (VIRTIO_F_EVENT_IDX).
	EventIdx bool

	// MaxSegments is the longest chain a request may use. It sizes the indirect
	// descriptor pool. If MaxSegments is 0, it's DefaultIndirectSegments with
	// indirect descriptors and the queue size without.
	MaxSegments int

	// InlineMax is the longest chain written directly into the descriptor table
	// when indirect descriptors are enabled. Longer chains are collapsed into a
	// single indirect descriptor. If InlineMax is 0, it's 1.
	InlineMax int

	// SmartPostpone picks how many in-flight chains PostponeIntrSmart lets the
	// device complete before it interrupts. If nil, it's 3/4 of inflight.
	SmartPostpone func(inflight int) int

	// Name labels the queue in logs and metrics.
	Name string

	// Kick notifies the device of new available buffers.
	Kick func() error

	// Done is called by the owner's interrupt handler to drain completions.
	// It returns the number of completions handled.
	Done func(q *Queue) int

	// Fatal is called when the device violates the ring protocol.
	Fatal func(err error)
}

func (f Format) order() binary.ByteOrder {
	if f == Modern {
		return binary.LittleEndian
	}

	return binary.NativeEndian
}

func (f Format) String() string {
	if f == Modern {
		return "modern"
	}

	return "legacy"
}

// NeedEvent reports whether moving an index from old to new crosses event, which
// is when the other side asked to be notified.
func NeedEvent(event, new, old uint16) bool {
	return new-event-1 < new-old
}

func defaultSmartPostpone(inflight int) int {
	return inflight * 3 / 4
}

func (c Config) withDefaults(size uint16) Config {
	if c.Align == 0 {
		if c.Format == Legacy {
			c.Align = LegacyAlign
		} else {
			c.Align = 4
		}
	}

	if c.MaxSegments == 0 {
		c.MaxSegments = int(size)
		if c.Indirect {
			c.MaxSegments = min(int(size), DefaultIndirectSegments)
		}
	}

	if c.InlineMax == 0 {
		c.InlineMax = 1
	}

	if c.SmartPostpone == nil {
		c.SmartPostpone = defaultSmartPostpone
	}

	if c.Kick == nil {
		c.Kick = func() error { return nil }
	}

	return c
}

func (c Config) validate(size uint16) error {
	if size == 0 || size > MaxSize || size&(size-1) != 0 {
		return errors.New("queue size must be a nonzero power of 2 <= 32768")
	}

	if c.Align < 4 || c.Align&(c.Align-1) != 0 {
		return errors.New("used ring alignment must be a power of 2 >= 4")
	}

	if c.MaxSegments < 1 {
		return errors.New("max segments must be positive")
	}

	if !c.Indirect && c.MaxSegments > int(size) {
		return errors.New("max segments exceeds queue size without indirect descriptors")
	}

	if c.InlineMax < 1 {
		return errors.New("inline max must be positive")
	}

	return nil
}
