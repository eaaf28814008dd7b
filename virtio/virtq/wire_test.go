package virtq

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

func alignedBuf(n int) []byte {
	words := make([]uint32, (n+3)/4)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

func TestWire16(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			w := wire{mem: alignedBuf(8), order: order}

			w.store16(0, 0x1234)
			w.store16(2, 0xabcd)
			w.store16(6, 0xffff)

			if v := w.load16(0); v != 0x1234 {
				t.Errorf("field 0: %#x != 0x1234", v)
			}

			if v := w.load16(2); v != 0xabcd {
				t.Errorf("field 2: %#x != 0xabcd", v)
			}

			if v := order.Uint16(w.mem[2:]); v != 0xabcd {
				t.Errorf("field 2 isn't stored in %s order: %#x", order, v)
			}

			if v := w.load16(4); v != 0 {
				t.Errorf("field 4 was clobbered: %#x", v)
			}

			w.set16(0, 0x8000)
			w.clear16(0, 0x0004)

			if v := w.load16(0); v != 0x9230 {
				t.Errorf("flags %#x != 0x9230", v)
			}

			if v := w.load16(2); v != 0xabcd {
				t.Errorf("neighbour changed: %#x", v)
			}
		})
	}
}

func TestWireDesc(t *testing.T) {
	w := wire{mem: alignedBuf(32), order: binary.BigEndian}

	d := Desc{Addr: 0x0102030405060708, Len: 0x090a0b0c, Flags: DescFNext | DescFWrite, Next: 7}
	w.putDesc(16, d)

	if got := w.desc(16); got != d {
		t.Errorf("desc %+v != %+v", got, d)
	}

	if w.mem[16] != 0x01 || w.mem[23] != 0x08 {
		t.Errorf("addr bytes % x", w.mem[16:24])
	}

	if got := w.desc(0); got != (Desc{}) {
		t.Errorf("neighbour %+v", got)
	}
}
