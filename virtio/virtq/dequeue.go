package virtq

import (
	"fmt"
)

// Dequeue takes the next completion from the used ring. It returns ok=false
// immediately if the device hasn't completed anything new.
//
// The device is not trusted: a completion naming a descriptor that isn't the
// head of a committed chain, or a used index that runs ahead of the available
// index, breaks the queue and returns an error wrapping ErrProtocol.
//
// The returned chain stays out of the free list until DequeueCommit.
func (q *Queue) Dequeue() (u Used, ok bool, err error) {
	if err := q.check(); err != nil {
		return Used{}, false, err
	}

	q.usedMu.Lock()
	defer q.usedMu.Unlock()

	devIdx := q.w.load16(q.layout.usedIdx())
	if devIdx == q.usedIdx {
		return Used{}, false, nil
	}

	if outstanding := uint16(q.published.Load()) - q.usedIdx; devIdx-q.usedIdx > outstanding {
		return Used{}, false, q.fatal(fmt.Errorf("%w: used idx %d is more than %d past %d",
			ErrProtocol, devIdx, outstanding, q.usedIdx))
	}

	off := q.layout.usedSlot(q.usedIdx & q.mask)
	id := q.w.uint32(off)
	n := q.w.uint32(off + 4)

	if id >= uint32(q.size) {
		return Used{}, false, q.fatal(fmt.Errorf("%w: used id %d out of range", ErrProtocol, id))
	}

	c := &q.chains[id]
	if !c.state.CompareAndSwap(stateCommitted, stateDequeued) {
		return Used{}, false, q.fatal(fmt.Errorf("%w: used id %d is not in flight", ErrProtocol, id))
	}

	q.pending.Add(int32(c.ndesc))
	q.usedIdx++
	q.stats.completed.Add(1)

	return Used{Head: uint16(id), Len: n}, true, nil
}

// DequeueCommit returns a dequeued chain's descriptors to the free list.
func (q *Queue) DequeueCommit(head uint16) {
	q.mustBeLive()

	c := q.dequeued(head)

	q.freeMu.Lock()
	defer q.freeMu.Unlock()

	q.clearChain(head, c)
	q.putLocked(head, c.ndesc)
	q.pending.Add(-int32(c.ndesc))
	c.state.Store(stateFree)
}

// Chain returns the segments of a dequeued chain in order. It follows the
// driver's own links rather than the next fields in the descriptor table.
func (q *Queue) Chain(head uint16) []Segment {
	q.mustBeLive()

	c := q.dequeued(head)
	segs := make([]Segment, 0, c.nsegs)

	if c.indirect {
		for i := 0; i < c.nsegs; i++ {
			segs = append(segs, segment(q.w.desc(q.indirectOff(head, i))))
		}

		return segs
	}

	i := head
	for n := 0; n < c.nsegs; n++ {
		segs = append(segs, segment(q.w.desc(q.descOff(i))))
		i = q.next[i]
	}

	return segs
}

// Descs returns the descriptor placed in the table for a dequeued chain's head
// and the descriptors holding its segments. For an indirect chain those are the
// entries of its private indirect table.
func (q *Queue) Descs(head uint16) (published Desc, descs []Desc) {
	q.mustBeLive()

	c := q.dequeued(head)
	published = q.w.desc(q.descOff(head))

	if c.indirect {
		for i := 0; i < c.nsegs; i++ {
			descs = append(descs, q.w.desc(q.indirectOff(head, i)))
		}

		return
	}

	i := head
	for n := 0; n < c.nsegs; n++ {
		descs = append(descs, q.w.desc(q.descOff(i)))
		i = q.next[i]
	}

	return
}

// Drain dequeues every completion published by the device, calls fn for each
// and returns its chain to the free list. It stops at the first error.
func (q *Queue) Drain(fn func(u Used) error) (n int, err error) {
	for {
		u, ok, err := q.Dequeue()
		if err != nil || !ok {
			return n, err
		}

		err = fn(u)
		q.DequeueCommit(u.Head)
		n++

		if err != nil {
			return n, err
		}
	}
}

func (q *Queue) dequeued(head uint16) *chain {
	if int(head) >= len(q.chains) {
		panic(fmt.Sprintf("virtq: chain %d out of range", head))
	}

	c := &q.chains[head]
	if c.state.Load() != stateDequeued {
		panic(fmt.Sprintf("virtq: chain %d is not dequeued", head))
	}

	return c
}

func segment(d Desc) Segment {
	return Segment{
		Addr:  d.Addr,
		Len:   d.Len,
		Write: d.Flags&DescFWrite != 0,
	}
}
