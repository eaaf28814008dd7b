package virtq

// Layout describes where each part of a split virtqueue lives in its region.
// All offsets are relative to the start of the region.
type Layout struct {
	Size uint16

	Desc  int // descriptor table, 16*Size bytes
	Avail int // available ring
	Used  int // used ring, aligned to the config's Align

	// UsedEvent and AvailEvent locate the event suppression fields. They're -1
	// when event indices are disabled.
	UsedEvent  int
	AvailEvent int

	// Indirect locates the indirect descriptor pool, one table of MaxSegments
	// descriptors per descriptor in the queue. It's -1 when indirect
	// descriptors are disabled.
	Indirect int

	// Total is the size of the whole region.
	Total int
}

// Addrs are the device addresses of a queue's rings.
type Addrs struct {
	Size  uint16
	Align int

	Desc  uint64
	Avail uint64
	Used  uint64
}

// ComputeLayout returns the layout of a queue of the given size.
func ComputeLayout(size uint16, cfg Config) (Layout, error) {
	cfg = cfg.withDefaults(size)
	if err := cfg.validate(size); err != nil {
		return Layout{}, err
	}

	return computeLayout(size, cfg), nil
}

func computeLayout(size uint16, cfg Config) Layout {
	n := int(size)

	l := Layout{
		Size:       size,
		Desc:       0,
		Avail:      sizeofDesc * n,
		UsedEvent:  -1,
		AvailEvent: -1,
		Indirect:   -1,
	}

	// flags, idx, ring[n], used_event. Legacy transports locate the used
	// ring as if used_event were always there.
	availLen := 4 + 2*n
	if cfg.EventIdx {
		l.UsedEvent = l.Avail + availLen
	}

	if cfg.EventIdx || cfg.Format == Legacy {
		availLen += 2
	}

	l.Used = alignUp(l.Avail+availLen, cfg.Align)

	// flags, idx, ring[n]{id, len}, avail_event
	usedLen := 4 + 8*n
	if cfg.EventIdx {
		l.AvailEvent = l.Used + usedLen
		usedLen += 2
	}

	l.Total = l.Used + usedLen

	if cfg.Indirect {
		l.Indirect = alignUp(l.Total, sizeofDesc)
		l.Total = l.Indirect + n*cfg.MaxSegments*sizeofDesc
	}

	return l
}

func (l Layout) availIdx() int {
	return l.Avail + 2
}

func (l Layout) availSlot(i uint16) int {
	return l.Avail + 4 + 2*int(i)
}

func (l Layout) usedIdx() int {
	return l.Used + 2
}

func (l Layout) usedSlot(i uint16) int {
	return l.Used + 4 + 8*int(i)
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
