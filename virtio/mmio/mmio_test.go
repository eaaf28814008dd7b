package mmio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/c35s/vring/virtio"
	"github.com/c35s/vring/virtio/dma"
	"github.com/c35s/vring/virtio/mmio"
	"github.com/c35s/vring/virtio/virtq"
)

const arenaBase = 0x40000000

var le = binary.LittleEndian

func le32(v uint32) []byte {
	return le.AppendUint32(nil, v)
}

func alignedBytes(n int) []byte {
	words := make([]uint32, n/4)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

// syncBuffer is a bytes.Buffer safe for use by the console's goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type loopback struct {
	arena *dma.Arena
	bus   *mmio.Bus
	t     *mmio.Transport
	dev   *virtio.Device
	irq   chan int
}

func newLoopback(t *testing.T, h virtio.DeviceHandler, opts ...mmio.BusOption) *loopback {
	t.Helper()

	arena, err := dma.NewHeapArena(1<<20, arenaBase)
	if err != nil {
		t.Fatal(err)
	}

	lb := &loopback{
		arena: arena,
		irq:   make(chan int, 1),
	}

	lb.bus = mmio.NewBus([]virtio.DeviceHandler{h}, arena.MemAt, func(irq int) error {
		select {
		case lb.irq <- irq:
		default:
		}

		return nil
	}, opts...)

	if lb.t, err = mmio.NewTransport(lb.bus.Regs(0), mmio.TransportConfig{}); err != nil {
		t.Fatal(err)
	}

	if lb.dev, err = virtio.NewDevice(lb.t, virtio.Config{Alloc: arena, Mapper: arena}); err != nil {
		t.Fatal(err)
	}

	return lb
}

func (lb *loopback) attach(t *testing.T, required uint64, qcs ...virtio.QueueConfig) {
	t.Helper()

	if err := lb.dev.AttachStart(required, virtio.RingFeatures); err != nil {
		lb.dev.AttachFailed(err)
		t.Fatal(err)
	}

	if err := lb.dev.AttachSetVQs(qcs); err != nil {
		lb.dev.AttachFailed(err)
		t.Fatal(err)
	}

	if err := lb.dev.AttachFinish(); err != nil {
		lb.dev.AttachFailed(err)
		t.Fatal(err)
	}
}

// wait services interrupts until done returns true.
func (lb *loopback) wait(t *testing.T, done func() bool) {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for !done() {
		select {
		case <-lb.irq:
			lb.dev.Intr()

		case <-timeout:
			t.Fatal("timed out waiting for the device")
		}
	}
}

func drainInto(used *[]virtq.Used, mu *sync.Mutex) func(q *virtq.Queue) int {
	return func(q *virtq.Queue) int {
		n, err := q.Drain(func(u virtq.Used) error {
			mu.Lock()
			*used = append(*used, u)
			mu.Unlock()
			return nil
		})

		if err != nil {
			panic(err)
		}

		return n
	}
}

func TestConsoleLoopback(t *testing.T) {
	for name, opts := range map[string][]mmio.BusOption{
		"modern": nil,
		"legacy": {mmio.WithLegacy()},
	} {
		t.Run(name, func(t *testing.T) {
			var (
				out = new(syncBuffer)
				con = &virtio.Console{In: strings.NewReader("ping"), Out: out}
				lb  = newLoopback(t, con, opts...)

				mu       sync.Mutex
				rx, tx   []virtq.Used
				required uint64
			)

			if name == "modern" {
				required = virtio.FVersion1
			}

			lb.attach(t, required,
				virtio.QueueConfig{Name: "rx", Done: drainInto(&rx, &mu)},
				virtio.QueueConfig{Name: "tx", Done: drainInto(&tx, &mu)})

			wantFormat := virtq.Modern
			if name == "legacy" {
				wantFormat = virtq.Legacy
			}

			if f := lb.dev.Format(); f != wantFormat {
				t.Errorf("format %v != %v", f, wantFormat)
			}

			if !lb.dev.HasFeature(virtio.FEventIdx | virtio.FIndirectDesc) {
				t.Errorf("features %#x", lb.dev.Features())
			}

			// transmit
			txq := lb.dev.Queue(virtio.ConsoleTxQ)
			msg, err := lb.arena.Alloc(5, 1)
			if err != nil {
				t.Fatal(err)
			}

			copy(msg.Mem, "hello")

			head, err := txq.Reserve(1)
			if err != nil {
				t.Fatal(err)
			}

			if err := txq.LoadBuffers(head, false, msg.Mem); err != nil {
				t.Fatal(err)
			}

			if err := txq.Commit(head, true); err != nil {
				t.Fatal(err)
			}

			lb.wait(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(tx) == 1
			})

			if s := out.String(); s != "hello" {
				t.Errorf("console wrote %q", s)
			}

			// receive
			rxq := lb.dev.Queue(virtio.ConsoleRxQ)
			in, err := lb.arena.Alloc(64, 1)
			if err != nil {
				t.Fatal(err)
			}

			head, err = rxq.Reserve(1)
			if err != nil {
				t.Fatal(err)
			}

			if err := rxq.LoadBuffers(head, true, in.Mem); err != nil {
				t.Fatal(err)
			}

			if err := rxq.Commit(head, true); err != nil {
				t.Fatal(err)
			}

			lb.wait(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(rx) == 1
			})

			if rx[0].Len != 4 || string(in.Mem[:4]) != "ping" {
				t.Errorf("received %q (len %d)", in.Mem[:rx[0].Len], rx[0].Len)
			}

			if err := lb.dev.Detach(); err != nil {
				t.Fatal(err)
			}

			if lb.arena.Available() != lb.arena.Size()-64-5 {
				t.Errorf("queues leaked memory: %d available", lb.arena.Available())
			}
		})
	}
}

func TestVersion1Required(t *testing.T) {
	lb := newLoopback(t, &virtio.Console{})

	err := lb.dev.AttachStart(0, virtio.FEventIdx)
	if !errors.Is(err, virtio.ErrFeatures) {
		t.Fatalf("error isn't ErrFeatures: %v", err)
	}

	s, err := lb.t.Status()
	if err != nil {
		t.Fatal(err)
	}

	if s&virtio.StatusFailed == 0 || s&virtio.StatusFeaturesOK != 0 {
		t.Errorf("status %v", s)
	}

	if !lb.dev.Failed() {
		t.Error("device isn't failed")
	}

	t.Run("retry", func(t *testing.T) {
		lb.attach(t, virtio.FVersion1, virtio.QueueConfig{}, virtio.QueueConfig{})

		want := virtio.StatusAcknowledge | virtio.StatusDriver | virtio.StatusFeaturesOK | virtio.StatusDriverOK
		if s := lb.dev.Status(); s != want {
			t.Errorf("status %v != %v", s, want)
		}

		if lb.dev.Failed() {
			t.Error("device is still failed")
		}
	})
}

func TestResetRecovery(t *testing.T) {
	out := new(syncBuffer)
	lb := newLoopback(t, &virtio.Console{Out: out})

	var (
		mu   sync.Mutex
		used []virtq.Used
	)

	lb.attach(t, virtio.FVersion1,
		virtio.QueueConfig{},
		virtio.QueueConfig{Done: drainInto(&used, &mu)})

	txq := lb.dev.Queue(virtio.ConsoleTxQ)

	// leave a chain reserved and one committed without a kick
	if _, err := txq.Reserve(2); err != nil {
		t.Fatal(err)
	}

	head, err := txq.Reserve(1)
	if err != nil {
		t.Fatal(err)
	}

	txq.LoadP(head, arenaBase, 1, false)
	if err := txq.Commit(head, false); err != nil {
		t.Fatal(err)
	}

	if err := lb.dev.Reset(); err != nil {
		t.Fatal(err)
	}

	s := txq.Stats()
	if s.Free != s.Size || s.AvailIdx != 0 || s.UsedIdx != 0 {
		t.Fatalf("after reset: %+v", s)
	}

	lb.attach(t, virtio.FVersion1,
		virtio.QueueConfig{},
		virtio.QueueConfig{Done: drainInto(&used, &mu)})

	if lb.dev.Queue(virtio.ConsoleTxQ) != txq {
		t.Error("reset queue was reallocated")
	}

	msg, err := lb.arena.Alloc(2, 1)
	if err != nil {
		t.Fatal(err)
	}

	copy(msg.Mem, "ok")

	head, err = txq.Reserve(1)
	if err != nil {
		t.Fatal(err)
	}

	if err := txq.LoadBuffers(head, false, msg.Mem); err != nil {
		t.Fatal(err)
	}

	if err := txq.Commit(head, true); err != nil {
		t.Fatal(err)
	}

	lb.wait(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(used) == 1
	})

	if s := out.String(); s != "ok" {
		t.Errorf("console wrote %q", s)
	}
}

func TestNewTransport(t *testing.T) {
	mem := alignedBytes(0x100)
	regs, err := mmio.NewMemRegs(mem)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mmio.NewTransport(regs, mmio.TransportConfig{}); !errors.Is(err, mmio.ErrNotVirtio) {
		t.Errorf("error isn't ErrNotVirtio: %v", err)
	}

	put := func(off int, v uint32) {
		if err := regs.WriteMMIO(off, le32(v)); err != nil {
			t.Fatal(err)
		}
	}

	put(0x000, mmio.MagicValue)
	put(0x004, 3)

	if _, err := mmio.NewTransport(regs, mmio.TransportConfig{}); !errors.Is(err, mmio.ErrVersion) {
		t.Errorf("error isn't ErrVersion: %v", err)
	}

	put(0x004, mmio.VersionLegacy)

	if _, err := mmio.NewTransport(regs, mmio.TransportConfig{}); !errors.Is(err, mmio.ErrNoDevice) {
		t.Errorf("error isn't ErrNoDevice: %v", err)
	}

	put(0x008, uint32(virtio.BlockDeviceID))

	tr, err := mmio.NewTransport(regs, mmio.TransportConfig{PageSize: 8192})
	if err != nil {
		t.Fatal(err)
	}

	if !tr.Legacy() {
		t.Error("version 1 transport isn't legacy")
	}

	if id, _ := tr.DeviceID(); id != virtio.BlockDeviceID {
		t.Errorf("device id %v", id)
	}

	if got := le.Uint32(mem[0x028:]); got != 8192 {
		t.Errorf("guest page size %d != 8192", got)
	}

	t.Run("legacy queue", func(t *testing.T) {
		put(0x034, 1024)

		addrs := virtq.Addrs{Size: 8, Align: 4096, Desc: 0x10000}
		addrs.Avail = addrs.Desc + 16*8
		addrs.Used = 0x11000

		if err := tr.SetupQueue(2, addrs); err != nil {
			t.Fatal(err)
		}

		want := map[int]uint32{
			0x030: 2,
			0x038: 8,
			0x03c: 4096,
			0x040: 0x10000 / 8192,
		}

		for off, v := range want {
			if got := le.Uint32(mem[off:]); got != v {
				t.Errorf("register %#03x: %#x != %#x", off, got, v)
			}
		}

		if err := tr.SetupQueue(2, addrs); !errors.Is(err, mmio.ErrQueueInUse) {
			t.Errorf("error isn't ErrQueueInUse: %v", err)
		}

		put(0x040, 0)
		addrs.Used += 4
		if err := tr.SetupQueue(3, addrs); !errors.Is(err, mmio.ErrQueueAddrs) {
			t.Errorf("error isn't ErrQueueAddrs: %v", err)
		}
	})
}

func TestMemRegs(t *testing.T) {
	if _, err := mmio.NewMemRegs(make([]byte, 16)); !errors.Is(err, mmio.ErrRegs) {
		t.Errorf("error isn't ErrRegs: %v", err)
	}

	regs, err := mmio.NewMemRegs(alignedBytes(0x120))
	if err != nil {
		t.Fatal(err)
	}

	if err := regs.WriteMMIO(0x070, le32(0x0f)); err != nil {
		t.Fatal(err)
	}

	p := make([]byte, 4)
	if err := regs.ReadMMIO(0x070, p); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(p, le32(0x0f)) {
		t.Errorf("read % x", p)
	}

	if err := regs.ReadMMIO(0x071, p); !errors.Is(err, mmio.ErrRegs) {
		t.Errorf("unaligned read: %v", err)
	}

	if err := regs.ReadMMIO(0x070, p[:2]); !errors.Is(err, mmio.ErrRegs) {
		t.Errorf("short read: %v", err)
	}

	// config space may be accessed a byte at a time
	if err := regs.WriteMMIO(0x101, []byte{0xaa}); err != nil {
		t.Fatal(err)
	}

	if err := regs.ReadMMIO(0x100, p); err != nil {
		t.Fatal(err)
	}

	if p[1] != 0xaa {
		t.Errorf("config % x", p)
	}

	if err := regs.ReadMMIO(0x11e, p); !errors.Is(err, mmio.ErrRegs) {
		t.Errorf("read past the window: %v", err)
	}
}
