package virtq

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Queue is the driver's side of a split virtqueue.
//
// A Queue has three independently locked parts. The free list is shared by
// Reserve and Abort on the producer side and DequeueCommit on the consumer side.
// The available ring is touched only by producers (Commit, Notify). The used
// cursor is touched only by consumers (Dequeue and the interrupt controls).
// Producers and consumers never wait for each other.
type Queue struct {
	index  int
	size   uint16
	mask   uint16
	cfg    Config
	layout Layout
	region Region
	w      wire

	released atomic.Bool
	broken   atomic.Bool

	freeMu   sync.Mutex
	freeHead uint16
	numFree  int
	next     []uint16 // private copy of the links, immune to device writes
	chains   []chain  // indexed by head
	pending  atomic.Int32

	availMu   sync.Mutex
	availIdx  uint16
	kickedIdx uint16
	published atomic.Uint32 // availIdx as last seen by the device

	usedMu  sync.Mutex
	usedIdx uint16

	stats counters
}

type chain struct {
	state atomic.Uint32

	nsegs    int    // segments requested by Reserve
	ndesc    uint16 // descriptors taken from the table
	loaded   int    // segments written by Load
	cur      uint16 // descriptor receiving the next segment
	indirect bool
}

const (
	stateFree = iota
	stateReserved
	stateCommitted
	stateDequeued
)

type counters struct {
	enqueued   atomic.Uint64
	completed  atomic.Uint64
	kicks      atomic.Uint64
	suppressed atomic.Uint64
	full       atomic.Uint64
}

// Stats is a snapshot of a queue's accounting.
type Stats struct {
	Size int

	// Free, InFlight and PendingReturn count descriptors. They always sum to Size.
	Free          int
	InFlight      int // reserved or committed, not yet dequeued
	PendingReturn int // dequeued, not yet returned by DequeueCommit

	AvailIdx uint16
	UsedIdx  uint16

	Enqueued        uint64 // chains committed
	Completed       uint64 // chains dequeued
	Kicks           uint64 // notifications sent to the device
	KicksSuppressed uint64 // notifications the device asked us to skip
	Full            uint64 // reservations refused for lack of descriptors
}

// New allocates and initializes a queue of the given size. The size is usually
// the one offered by the device and must be a nonzero power of 2.
func New(index int, size uint16, cfg Config) (*Queue, error) {
	cfg = cfg.withDefaults(size)
	if err := cfg.validate(size); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if cfg.Alloc == nil {
		return nil, fmt.Errorf("%w: missing allocator", ErrConfig)
	}

	layout := computeLayout(size, cfg)

	align := sizeofDesc
	if cfg.Format == Legacy {
		align = LegacyAlign
	}

	region, err := cfg.Alloc.Alloc(layout.Total, align)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	if len(region.Mem) < layout.Total {
		cfg.Alloc.Free(region)
		return nil, fmt.Errorf("%w: region is too small: %d < %d", ErrAlloc, len(region.Mem), layout.Total)
	}

	q := &Queue{
		index:  index,
		size:   size,
		mask:   size - 1,
		cfg:    cfg,
		layout: layout,
		region: region,
		w:      wire{mem: region.Mem, order: cfg.Format.order()},
		next:   make([]uint16, size),
		chains: make([]chain, size),
	}

	q.init()
	return q, nil
}

// init links every descriptor into the free list and zeroes both cursors.
func (q *Queue) init() {
	clear(q.region.Mem[:q.layout.Total])

	for i := range q.next {
		q.next[i] = uint16(i + 1)
		q.chains[i] = chain{}
	}

	q.freeHead = 0
	q.numFree = int(q.size)
	q.pending.Store(0)

	q.availIdx = 0
	q.kickedIdx = 0
	q.published.Store(0)
	q.usedIdx = 0
}

// Reset returns every descriptor to the free list and zeroes the rings and both
// cursors, discarding all outstanding chains. It must not be called while any
// other method is running, and the device must have been reset first.
func (q *Queue) Reset() {
	q.mustBeLive()

	q.freeMu.Lock()
	q.availMu.Lock()
	q.usedMu.Lock()
	defer q.freeMu.Unlock()
	defer q.availMu.Unlock()
	defer q.usedMu.Unlock()

	q.init()
	q.broken.Store(false)
}

// Release frees the queue's memory. The queue is unusable afterwards.
func (q *Queue) Release() error {
	if q.released.Swap(true) {
		return nil
	}

	return q.cfg.Alloc.Free(q.region)
}

// Break makes every subsequent operation fail with ErrDeviceFailed until Reset.
func (q *Queue) Break() {
	q.broken.Store(true)
}

// Index returns the queue's index on its device.
func (q *Queue) Index() int {
	return q.index
}

// Size returns the number of descriptors in the queue.
func (q *Queue) Size() int {
	return int(q.size)
}

// Name returns the queue's configured name.
func (q *Queue) Name() string {
	return q.cfg.Name
}

// Format returns the queue's wire format.
func (q *Queue) Format() Format {
	return q.cfg.Format
}

// Layout returns the queue's memory layout.
func (q *Queue) Layout() Layout {
	return q.layout
}

// Region returns the queue's memory.
func (q *Queue) Region() Region {
	return q.region
}

// Addrs returns the device addresses of the queue's rings.
func (q *Queue) Addrs() Addrs {
	return Addrs{
		Size:  q.size,
		Align: q.cfg.Align,
		Desc:  q.region.Addr + uint64(q.layout.Desc),
		Avail: q.region.Addr + uint64(q.layout.Avail),
		Used:  q.region.Addr + uint64(q.layout.Used),
	}
}

// Done calls the queue's Done callback, if any.
func (q *Queue) Done() int {
	if q.cfg.Done == nil {
		return 0
	}

	return q.cfg.Done(q)
}

// Stats returns a consistent snapshot of the queue's accounting.
func (q *Queue) Stats() Stats {
	q.freeMu.Lock()
	q.availMu.Lock()
	q.usedMu.Lock()
	defer q.freeMu.Unlock()
	defer q.availMu.Unlock()
	defer q.usedMu.Unlock()

	pending := int(q.pending.Load())

	return Stats{
		Size:            int(q.size),
		Free:            q.numFree,
		InFlight:        int(q.size) - q.numFree - pending,
		PendingReturn:   pending,
		AvailIdx:        q.availIdx,
		UsedIdx:         q.usedIdx,
		Enqueued:        q.stats.enqueued.Load(),
		Completed:       q.stats.completed.Load(),
		Kicks:           q.stats.kicks.Load(),
		KicksSuppressed: q.stats.suppressed.Load(),
		Full:            q.stats.full.Load(),
	}
}

func (q *Queue) mustBeLive() {
	if q.released.Load() {
		panic(fmt.Sprintf("virtq: queue %d used after release", q.index))
	}
}

func (q *Queue) check() error {
	q.mustBeLive()

	if q.broken.Load() {
		return ErrDeviceFailed
	}

	return nil
}

func (q *Queue) fatal(err error) error {
	q.broken.Store(true)
	if q.cfg.Fatal != nil {
		q.cfg.Fatal(err)
	}

	return err
}

func (q *Queue) descOff(i uint16) int {
	return q.layout.Desc + int(i)*sizeofDesc
}

func (q *Queue) indirectOff(head uint16, i int) int {
	return q.layout.Indirect + (int(head)*q.cfg.MaxSegments+i)*sizeofDesc
}
