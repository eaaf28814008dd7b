package virtq

import (
	"errors"
	"fmt"
)

// DeviceConfig configures the device's view of a split virtqueue.
type DeviceConfig struct {

	// MemAt resolves a device address to the driver memory behind it.
	MemAt func(addr uint64, len int) ([]byte, error)

	// Notify sends a used buffer notification to the driver.
	Notify func() error

	// Format selects the ring byte order.
	Format Format

	// EventIdx enables the used_event and avail_event fields.
	EventIdx bool
}

// DeviceQueue is the device's side of a split virtqueue. It takes chains from
// the available ring and returns them through the used ring. Its methods must
// not be called concurrently.
type DeviceQueue struct {
	size uint16
	cfg  DeviceConfig

	desc  wire
	avail wire
	used  wire

	lastAvail uint16
	usedIdx   uint16
}

// Chain is a descriptor chain taken from a DeviceQueue.
type Chain struct {
	q    *DeviceQueue
	Head uint16
	Desc []Desc
}

// NewDeviceQueue returns the device's view of the queue whose rings live at addrs.
func NewDeviceQueue(addrs Addrs, cfg DeviceConfig) (*DeviceQueue, error) {
	n := int(addrs.Size)
	if n == 0 || n > MaxSize || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: bad queue size %d", ErrConfig, n)
	}

	availLen, usedLen := 4+2*n, 4+8*n
	if cfg.EventIdx {
		availLen += 2
		usedLen += 2
	}

	desc, err := cfg.MemAt(addrs.Desc, sizeofDesc*n)
	if err != nil {
		return nil, err
	}

	avail, err := cfg.MemAt(addrs.Avail, availLen)
	if err != nil {
		return nil, err
	}

	used, err := cfg.MemAt(addrs.Used, usedLen)
	if err != nil {
		return nil, err
	}

	order := cfg.Format.order()

	q := &DeviceQueue{
		size:  addrs.Size,
		cfg:   cfg,
		desc:  wire{mem: desc, order: order},
		avail: wire{mem: avail, order: order},
		used:  wire{mem: used, order: order},
	}

	return q, nil
}

// Next returns the next available chain or nil if no chains are available.
// Malformed chains are reported as errors wrapping ErrProtocol.
func (q *DeviceQueue) Next() (*Chain, error) {
	if q.avail.load16(2) == q.lastAvail {
		return nil, nil
	}

	head := q.avail.load16(4 + 2*int(q.lastAvail%q.size))
	q.lastAvail++

	if q.cfg.EventIdx {
		q.used.store16(4+8*int(q.size), q.lastAvail)
	}

	if head >= q.size {
		return nil, fmt.Errorf("%w: avail head %d out of range", ErrProtocol, head)
	}

	c := &Chain{q: q, Head: head}

	i := head
	for n := 0; ; n++ {
		if n == int(q.size) {
			return nil, fmt.Errorf("%w: chain %d loops", ErrProtocol, head)
		}

		d := q.desc.desc(sizeofDesc * int(i))

		if d.Flags&DescFIndirect != 0 {
			if n != 0 || d.Flags&DescFNext != 0 {
				return nil, fmt.Errorf("%w: chain %d: indirect descriptor must stand alone", ErrProtocol, head)
			}

			descs, err := q.indirect(d)
			if err != nil {
				return nil, fmt.Errorf("chain %d: %w", head, err)
			}

			c.Desc = descs
			return c, nil
		}

		c.Desc = append(c.Desc, d)

		if d.Flags&DescFNext == 0 {
			return c, nil
		}

		if i = d.Next; i >= q.size {
			return nil, fmt.Errorf("%w: chain %d: next %d out of range", ErrProtocol, head, i)
		}
	}
}

func (q *DeviceQueue) indirect(d Desc) ([]Desc, error) {
	if d.Len == 0 || d.Len%sizeofDesc != 0 {
		return nil, fmt.Errorf("%w: indirect table length %d", ErrProtocol, d.Len)
	}

	mem, err := q.cfg.MemAt(d.Addr, int(d.Len))
	if err != nil {
		return nil, err
	}

	t := wire{mem: mem, order: q.desc.order}
	n := int(d.Len / sizeofDesc)

	descs := make([]Desc, 0, n)
	for i := 0; ; {
		e := t.desc(sizeofDesc * i)
		if e.Flags&DescFIndirect != 0 {
			return nil, fmt.Errorf("%w: nested indirect descriptor", ErrProtocol)
		}

		descs = append(descs, e)

		if e.Flags&DescFNext == 0 {
			return descs, nil
		}

		if len(descs) == n || int(e.Next) >= n {
			return nil, fmt.Errorf("%w: indirect next %d out of range", ErrProtocol, e.Next)
		}

		i = int(e.Next)
	}
}

// Len returns the number of descriptors in the chain.
func (c *Chain) Len() int {
	return len(c.Desc)
}

// IsRO reports whether the i-th descriptor is device read-only.
func (c *Chain) IsRO(i int) bool {
	return c.Desc[i].Flags&DescFWrite == 0
}

// IsWO reports whether the i-th descriptor is device write-only.
func (c *Chain) IsWO(i int) bool {
	return c.Desc[i].Flags&DescFWrite != 0
}

// Buf returns a slice aliasing the i-th descriptor's buffer.
// It panics if i is out of range.
func (c *Chain) Buf(i int) ([]byte, error) {
	d := &c.Desc[i]
	if d.Len == 0 {
		return nil, nil
	}

	return c.q.cfg.MemAt(d.Addr, int(d.Len))
}

// Release returns the chain to the driver through the used ring, reporting that
// n bytes were written. It notifies the driver unless the driver has suppressed
// notification.
func (c *Chain) Release(n int) error {
	q := c.q

	off := 4 + 8*int(q.usedIdx%q.size)
	q.used.putUint32(off, uint32(c.Head))
	q.used.putUint32(off+4, uint32(n))

	old := q.usedIdx
	q.usedIdx++
	q.used.store16(2, q.usedIdx)

	var notify bool
	if q.cfg.EventIdx {
		notify = NeedEvent(q.avail.load16(4+2*int(q.size)), q.usedIdx, old)
	} else {
		notify = q.avail.load16(0)&AvailFNoInterrupt == 0
	}

	if !notify || q.cfg.Notify == nil {
		return nil
	}

	return q.cfg.Notify()
}

// SuppressNotify sets or clears the used ring's NO_NOTIFY flag, asking the
// driver not to kick. It's only meaningful without event indices.
func (q *DeviceQueue) SuppressNotify(suppress bool) {
	if suppress {
		q.used.set16(0, UsedFNoNotify)
	} else {
		q.used.clear16(0, UsedFNoNotify)
	}
}

// SetAvailEvent asks the driver to kick once its available index moves past idx.
func (q *DeviceQueue) SetAvailEvent(idx uint16) error {
	if !q.cfg.EventIdx {
		return errors.New("virtq: event indices are disabled")
	}

	q.used.store16(4+8*int(q.size), idx)
	return nil
}
