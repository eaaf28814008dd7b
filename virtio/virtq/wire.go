package virtq

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// wire reads and writes ring fields in a queue's byte order. Every 16-bit field
// shared with the device goes through load16 and store16, which access the
// enclosing aligned 32-bit word atomically. That gives the index stores release
// semantics and the index loads acquire semantics, and keeps neighbouring fields
// written under different locks from clobbering each other.
//
// The memory must be at least 4-byte aligned.
type wire struct {
	mem   []byte
	order binary.ByteOrder
}

func (w wire) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&w.mem[off&^3]))
}

func (w wire) load16(off int) uint16 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(w.word(off)))
	return w.order.Uint16(b[off&3:])
}

func (w wire) store16(off int, v uint16) {
	p := w.word(off)
	for {
		old := atomic.LoadUint32(p)

		var b [4]byte
		binary.NativeEndian.PutUint32(b[:], old)
		w.order.PutUint16(b[off&3:], v)

		if atomic.CompareAndSwapUint32(p, old, binary.NativeEndian.Uint32(b[:])) {
			return
		}
	}
}

func (w wire) set16(off int, bits uint16) {
	w.store16(off, w.load16(off)|bits)
}

func (w wire) clear16(off int, bits uint16) {
	w.store16(off, w.load16(off)&^bits)
}

func (w wire) uint32(off int) uint32 {
	return w.order.Uint32(w.mem[off:])
}

func (w wire) putUint32(off int, v uint32) {
	w.order.PutUint32(w.mem[off:], v)
}

func (w wire) desc(off int) Desc {
	b := w.mem[off : off+sizeofDesc]
	return Desc{
		Addr:  w.order.Uint64(b[0:]),
		Len:   w.order.Uint32(b[8:]),
		Flags: w.order.Uint16(b[12:]),
		Next:  w.order.Uint16(b[14:]),
	}
}

func (w wire) putDesc(off int, d Desc) {
	b := w.mem[off : off+sizeofDesc]
	w.order.PutUint64(b[0:], d.Addr)
	w.order.PutUint32(b[8:], d.Len)
	w.order.PutUint16(b[12:], d.Flags)
	w.order.PutUint16(b[14:], d.Next)
}
