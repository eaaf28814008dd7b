package virtq

// StopIntr asks the device not to send used buffer notifications. With event
// indices the used_event field is pushed a full ring past the available index,
// otherwise the NO_INTERRUPT flag is set. Either way it's only a hint.
func (q *Queue) StopIntr() {
	q.mustBeLive()

	q.usedMu.Lock()
	defer q.usedMu.Unlock()

	if q.cfg.EventIdx {
		q.w.store16(q.layout.UsedEvent, uint16(q.published.Load())+q.size)
		return
	}

	q.w.set16(q.layout.Avail, AvailFNoInterrupt)
}

// StartIntr asks the device to notify after every completion. It returns true
// if completions arrived while notifications were off, in which case the caller
// should drain the queue again instead of waiting for an interrupt.
func (q *Queue) StartIntr() (pending bool) {
	q.mustBeLive()

	q.usedMu.Lock()
	defer q.usedMu.Unlock()

	if q.cfg.EventIdx {
		q.w.store16(q.layout.UsedEvent, q.usedIdx)
	} else {
		q.w.clear16(q.layout.Avail, AvailFNoInterrupt)
	}

	return q.w.load16(q.layout.usedIdx()) != q.usedIdx
}

// PostponeIntr asks the device not to notify until n more chains are complete.
// n <= 1 is the same as StartIntr and n is capped at the queue size. Without event indices it always behaves like
// StartIntr. It returns true if the device has already passed that point.
func (q *Queue) PostponeIntr(n int) (pending bool) {
	q.mustBeLive()

	q.usedMu.Lock()
	defer q.usedMu.Unlock()

	return q.postponeLocked(n)
}

// PostponeIntrSmart postpones notification by the number of in-flight chains
// chosen by the queue's SmartPostpone policy. The result is clamped so the
// device is never asked to wait for chains that don't exist.
func (q *Queue) PostponeIntrSmart() (pending bool) {
	q.mustBeLive()

	q.usedMu.Lock()
	defer q.usedMu.Unlock()

	inflight := q.inflightLocked()
	n := q.cfg.SmartPostpone(inflight)
	n = max(0, min(n, inflight))

	return q.postponeLocked(n)
}

// PostponeIntrFar postpones notification until every in-flight chain is complete.
func (q *Queue) PostponeIntrFar() (pending bool) {
	q.mustBeLive()

	q.usedMu.Lock()
	defer q.usedMu.Unlock()

	return q.postponeLocked(q.inflightLocked())
}

// UsedEvent returns the current used_event value, or false if event indices are
// disabled.
func (q *Queue) UsedEvent() (uint16, bool) {
	if !q.cfg.EventIdx {
		return 0, false
	}

	return q.w.load16(q.layout.UsedEvent), true
}

func (q *Queue) postponeLocked(n int) bool {
	if !q.cfg.EventIdx {
		q.w.clear16(q.layout.Avail, AvailFNoInterrupt)
		return q.w.load16(q.layout.usedIdx()) != q.usedIdx
	}

	// the device notifies when its used idx moves past used_event
	n = min(max(n, 1), int(q.size))
	q.w.store16(q.layout.UsedEvent, q.usedIdx+uint16(n-1))

	// the device may have gone past the new event before seeing it
	return q.w.load16(q.layout.usedIdx())-q.usedIdx >= uint16(n)
}

// inflightLocked counts chains published to the device and not yet dequeued.
func (q *Queue) inflightLocked() int {
	return int(uint16(q.published.Load()) - q.usedIdx)
}
