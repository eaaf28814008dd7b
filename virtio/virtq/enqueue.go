package virtq

import (
	"fmt"
)

// Reserve takes enough descriptors for a request of nsegs segments and returns
// the head of the new chain. A chain longer than InlineMax is collapsed into one
// indirect descriptor when indirect descriptors are enabled.
//
// Reserve never waits. If there aren't enough free descriptors it returns
// ErrQueueFull and the queue is unchanged; the caller should retry after some
// completions have been returned with DequeueCommit.
func (q *Queue) Reserve(nsegs int) (head uint16, err error) {
	if err := q.check(); err != nil {
		return 0, err
	}

	indirect, ndesc, err := q.plan(nsegs)
	if err != nil {
		return 0, err
	}

	q.freeMu.Lock()
	defer q.freeMu.Unlock()

	if ndesc > q.numFree {
		q.stats.full.Add(1)
		return 0, ErrQueueFull
	}

	head = q.take(ndesc)
	q.setReserved(head, nsegs, ndesc, indirect)

	return head, nil
}

// Prep takes a single descriptor to serve as the head of a new chain. The chain
// must be grown with ReserveSlot before it's loaded.
func (q *Queue) Prep() (head uint16, err error) {
	if err := q.check(); err != nil {
		return 0, err
	}

	q.freeMu.Lock()
	defer q.freeMu.Unlock()

	if q.numFree == 0 {
		q.stats.full.Add(1)
		return 0, ErrQueueFull
	}

	head = q.take(1)
	q.setReserved(head, 1, 1, false)

	return head, nil
}

// ReserveSlot grows a chain returned by Prep to nsegs segments. If the
// reservation fails, head is returned to the free list, leaving the queue as
// it was before Prep.
func (q *Queue) ReserveSlot(head uint16, nsegs int) error {
	c := q.reserved(head)
	if c.loaded != 0 || c.ndesc != 1 {
		panic(fmt.Sprintf("virtq: chain %d was not prepped", head))
	}

	if err := q.check(); err != nil {
		q.Abort(head)
		return err
	}

	indirect, ndesc, err := q.plan(nsegs)
	if err != nil {
		q.Abort(head)
		return err
	}

	q.freeMu.Lock()
	defer q.freeMu.Unlock()

	if ndesc-1 > q.numFree {
		q.stats.full.Add(1)
		q.putLocked(head, 1)
		c.state.Store(stateFree)
		return ErrQueueFull
	}

	if ndesc > 1 {
		rest := q.take(ndesc - 1)
		q.next[head] = rest
	}

	q.setReserved(head, nsegs, ndesc, indirect)

	return nil
}

// Load writes segments into a reserved chain, in order, after any segments
// already loaded. A chain may be loaded by several calls as long as the total
// matches the reservation.
func (q *Queue) Load(head uint16, segs ...Segment) {
	q.mustBeLive()

	c := q.reserved(head)
	if c.loaded+len(segs) > c.nsegs {
		panic(fmt.Sprintf("virtq: chain %d: loading %d segments into %d reserved (%d loaded)",
			head, len(segs), c.nsegs, c.loaded))
	}

	for _, s := range segs {
		q.loadOne(head, c, s)
	}
}

// LoadP loads one segment given by its device address.
func (q *Queue) LoadP(head uint16, addr uint64, len uint32, write bool) {
	q.Load(head, Segment{Addr: addr, Len: len, Write: write})
}

// LoadBuffers translates each buffer with the queue's Mapper and loads it. If a
// buffer can't be mapped, the whole reservation is aborted and the error wraps
// ErrBufferUnavailable. The caller must not Abort the chain again.
func (q *Queue) LoadBuffers(head uint16, write bool, bufs ...[]byte) error {
	if q.cfg.Mapper == nil {
		panic("virtq: LoadBuffers called without a mapper")
	}

	segs := make([]Segment, len(bufs))
	for i, b := range bufs {
		addr, err := q.cfg.Mapper.Map(b)
		if err != nil {
			q.Abort(head)
			return fmt.Errorf("%w: segment %d: %w", ErrBufferUnavailable, i, err)
		}

		segs[i] = Segment{Addr: addr, Len: uint32(len(b)), Write: write}
	}

	q.Load(head, segs...)
	return nil
}

// Abort returns a reserved chain that was never committed to the free list.
func (q *Queue) Abort(head uint16) {
	q.mustBeLive()

	c := q.reserved(head)

	q.freeMu.Lock()
	defer q.freeMu.Unlock()

	q.clearChain(head, c)
	q.putLocked(head, c.ndesc)
	c.state.Store(stateFree)
}

// Commit publishes a fully loaded chain to the device. If notify is true and the
// device hasn't suppressed notifications, the device is kicked. Callers batching
// several chains may pass false and call Notify afterwards.
func (q *Queue) Commit(head uint16, notify bool) error {
	if err := q.check(); err != nil {
		return err
	}

	c := q.reserved(head)
	if c.loaded != c.nsegs {
		panic(fmt.Sprintf("virtq: chain %d committed with %d of %d segments loaded", head, c.loaded, c.nsegs))
	}

	c.state.Store(stateCommitted)

	q.availMu.Lock()
	defer q.availMu.Unlock()

	q.w.store16(q.layout.availSlot(q.availIdx&q.mask), head)
	q.availIdx++
	q.w.store16(q.layout.availIdx(), q.availIdx)
	q.published.Store(uint32(q.availIdx))
	q.stats.enqueued.Add(1)

	if !notify {
		return nil
	}

	return q.notifyLocked()
}

// Notify kicks the device if chains were committed since the last notification
// and the device wants to hear about them.
func (q *Queue) Notify() error {
	if err := q.check(); err != nil {
		return err
	}

	q.availMu.Lock()
	defer q.availMu.Unlock()

	return q.notifyLocked()
}

func (q *Queue) notifyLocked() error {
	old, new := q.kickedIdx, q.availIdx
	if old == new {
		return nil
	}

	q.kickedIdx = new

	var kick bool
	if q.cfg.EventIdx {
		kick = NeedEvent(q.w.load16(q.layout.AvailEvent), new, old)
	} else {
		kick = q.w.load16(q.layout.Used)&UsedFNoNotify == 0
	}

	if !kick {
		q.stats.suppressed.Add(1)
		return nil
	}

	q.stats.kicks.Add(1)
	return q.cfg.Kick()
}

// IsEnqueued reports whether the device has completions that haven't been
// dequeued yet.
func (q *Queue) IsEnqueued() bool {
	q.mustBeLive()

	q.usedMu.Lock()
	defer q.usedMu.Unlock()

	return q.w.load16(q.layout.usedIdx()) != q.usedIdx
}

// plan decides how a request of nsegs segments is laid out.
func (q *Queue) plan(nsegs int) (indirect bool, ndesc int, err error) {
	if nsegs < 1 || nsegs > q.cfg.MaxSegments {
		return false, 0, fmt.Errorf("%w: %d not in [1, %d]", ErrSegments, nsegs, q.cfg.MaxSegments)
	}

	if q.cfg.Indirect && nsegs > q.cfg.InlineMax {
		return true, 1, nil
	}

	if nsegs > int(q.size) {
		return false, 0, fmt.Errorf("%w: %d exceeds queue size %d", ErrSegments, nsegs, q.size)
	}

	return false, nsegs, nil
}

// take unlinks n descriptors from the free list. They stay linked to each other
// through q.next in the order they'll be loaded.
func (q *Queue) take(n int) (head uint16) {
	head = q.freeHead

	tail := head
	for i := 1; i < n; i++ {
		tail = q.next[tail]
	}

	q.freeHead = q.next[tail]
	q.numFree -= n

	return head
}

// putLocked links a chain of n descriptors starting at head back into the free list.
func (q *Queue) putLocked(head uint16, n uint16) {
	tail := head
	for i := uint16(1); i < n; i++ {
		tail = q.next[tail]
	}

	q.next[tail] = q.freeHead
	q.freeHead = head
	q.numFree += int(n)
}

func (q *Queue) setReserved(head uint16, nsegs, ndesc int, indirect bool) {
	c := &q.chains[head]
	c.nsegs = nsegs
	c.ndesc = uint16(ndesc)
	c.loaded = 0
	c.cur = head
	c.indirect = indirect
	c.state.Store(stateReserved)
}

func (q *Queue) reserved(head uint16) *chain {
	if int(head) >= len(q.chains) {
		panic(fmt.Sprintf("virtq: chain %d out of range", head))
	}

	c := &q.chains[head]
	if c.state.Load() != stateReserved {
		panic(fmt.Sprintf("virtq: chain %d is not reserved", head))
	}

	return c
}

func (q *Queue) loadOne(head uint16, c *chain, s Segment) {
	var flags uint16
	if s.Write {
		flags |= DescFWrite
	}

	last := c.loaded == c.nsegs-1

	if c.indirect {
		d := Desc{Addr: s.Addr, Len: s.Len, Flags: flags}
		if !last {
			d.Flags |= DescFNext
			d.Next = uint16(c.loaded + 1)
		}

		q.w.putDesc(q.indirectOff(head, c.loaded), d)
		c.loaded++

		if last {
			q.w.putDesc(q.descOff(head), Desc{
				Addr:  q.region.Addr + uint64(q.indirectOff(head, 0)),
				Len:   uint32(c.nsegs * sizeofDesc),
				Flags: DescFIndirect,
			})
		}

		return
	}

	d := Desc{Addr: s.Addr, Len: s.Len, Flags: flags}
	if !last {
		d.Flags |= DescFNext
		d.Next = q.next[c.cur]
	}

	q.w.putDesc(q.descOff(c.cur), d)
	c.loaded++
	c.cur = q.next[c.cur]
}

// clearChain zeroes the descriptors of a chain before it's freed.
func (q *Queue) clearChain(head uint16, c *chain) {
	if c.indirect {
		for i := 0; i < c.nsegs; i++ {
			q.w.putDesc(q.indirectOff(head, i), Desc{})
		}
	}

	i := head
	for n := uint16(0); n < c.ndesc; n++ {
		q.w.putDesc(q.descOff(i), Desc{})
		i = q.next[i]
	}
}
