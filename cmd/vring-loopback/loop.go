package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c35s/vring/virtio"
	"github.com/c35s/vring/virtio/dma"
	"github.com/c35s/vring/virtio/mmio"
	"github.com/c35s/vring/virtio/virtq"
)

const arenaBase = 0x40000000

var errDeviceFailed = errors.New("vring: device failed")

// loopback drives an emulated virtio-mmio console whose device side echoes
// everything the driver transmits back into the driver's receive queue.
type loopback struct {
	cfg Config
	log *slog.Logger
	out io.Writer

	arena *dma.Arena
	bus   *mmio.Bus
	dev   *virtio.Device

	echoR *io.PipeReader
	echoW *io.PipeWriter

	irq    chan struct{}
	txDone chan struct{}

	mu     sync.Mutex
	rxBufs map[uint16]virtq.Region
	txBufs map[uint16]virtq.Region

	sent   atomic.Int64
	echoed atomic.Int64
}

func newLoopback(cfg Config, out io.Writer, log *slog.Logger, arena *dma.Arena) (*loopback, error) {
	lb := &loopback{
		cfg:    cfg,
		log:    log,
		out:    out,
		arena:  arena,
		irq:    make(chan struct{}, 1),
		txDone: make(chan struct{}, 1),
		rxBufs: make(map[uint16]virtq.Region),
		txBufs: make(map[uint16]virtq.Region),
	}

	lb.echoR, lb.echoW = io.Pipe()

	opts := []mmio.BusOption{
		mmio.WithQueueNumMax(cfg.Queue.Size),
		mmio.WithLogger(log),
	}

	if cfg.Legacy {
		opts = append(opts, mmio.WithLegacy())
	}

	con := &virtio.Console{In: lb.echoR, Out: lb.echoW}
	lb.bus = mmio.NewBus([]virtio.DeviceHandler{con}, arena.MemAt, lb.notify, opts...)

	t, err := mmio.NewTransport(lb.bus.Regs(0), mmio.TransportConfig{})
	if err != nil {
		return nil, err
	}

	lb.dev, err = virtio.NewDevice(t, virtio.Config{Alloc: arena, Mapper: arena, Log: log})
	if err != nil {
		return nil, err
	}

	return lb, nil
}

// notify runs on the device's goroutines and must not call back into the bus.
func (lb *loopback) notify(int) error {
	select {
	case lb.irq <- struct{}{}:
	default:
	}

	return nil
}

func (lb *loopback) attach() (err error) {
	defer func() {
		if err != nil {
			lb.dev.AttachFailed(err)
		}
	}()

	var required uint64
	if !lb.cfg.Legacy {
		required = virtio.FVersion1
	}

	if err := lb.dev.AttachStart(required, lb.cfg.features()); err != nil {
		return err
	}

	qc := virtio.QueueConfig{
		Size:        lb.cfg.Queue.Size,
		MaxSegments: lb.cfg.Queue.MaxSegments,
		InlineMax:   lb.cfg.Queue.InlineMax,
	}

	rx, tx := qc, qc
	rx.Name, rx.Done = "rx", lb.rxDone
	tx.Name, tx.Done = "tx", lb.txComplete

	if err := lb.dev.AttachSetVQs([]virtio.QueueConfig{rx, tx}); err != nil {
		return err
	}

	if err := lb.dev.AttachFinish(); err != nil {
		return err
	}

	for {
		buf, err := lb.arena.Alloc(lb.cfg.Queue.BufSize, 8)
		if err != nil {
			return err
		}

		if err := lb.postRx(buf); err != nil {
			lb.arena.Free(buf)

			if errors.Is(err, virtq.ErrQueueFull) {
				return nil
			}

			return err
		}
	}
}

func (lb *loopback) postRx(buf virtq.Region) error {
	q := lb.dev.Queue(virtio.ConsoleRxQ)

	head, err := q.Reserve(1)
	if err != nil {
		return err
	}

	q.LoadP(head, buf.Addr, uint32(len(buf.Mem)), true)

	lb.mu.Lock()
	lb.rxBufs[head] = buf
	lb.mu.Unlock()

	return q.Commit(head, true)
}

// rxDone copies echoed bytes to out and gives the buffers back to the device.
func (lb *loopback) rxDone(q *virtq.Queue) int {
	var bufs []virtq.Region

	n, err := q.Drain(func(u virtq.Used) error {
		lb.mu.Lock()
		buf := lb.rxBufs[u.Head]
		delete(lb.rxBufs, u.Head)
		lb.mu.Unlock()

		bufs = append(bufs, buf)

		data := buf.Mem[:min(int(u.Len), len(buf.Mem))]
		lb.echoed.Add(int64(len(data)))

		_, err := lb.out.Write(data)
		return err
	})

	if err != nil {
		lb.log.Error("vring: receive", "err", err)
	}

	for _, buf := range bufs {
		if err := lb.postRx(buf); err != nil {
			lb.log.Error("vring: repost receive buffer", "err", err)
			lb.arena.Free(buf)
		}
	}

	return n
}

func (lb *loopback) txComplete(q *virtq.Queue) int {
	n, err := q.Drain(func(u virtq.Used) error {
		lb.mu.Lock()
		buf := lb.txBufs[u.Head]
		delete(lb.txBufs, u.Head)
		lb.mu.Unlock()

		return lb.arena.Free(buf)
	})

	if err != nil {
		lb.log.Error("vring: transmit completion", "err", err)
	}

	if n > 0 {
		select {
		case lb.txDone <- struct{}{}:
		default:
		}
	}

	return n
}

// send transmits p in chunks of at most BufSize bytes. It waits for
// completions when the queue or the arena is full.
func (lb *loopback) send(ctx context.Context, p []byte) error {
	q := lb.dev.Queue(virtio.ConsoleTxQ)

	for len(p) > 0 {
		chunk := p[:min(len(p), lb.cfg.Queue.BufSize)]

		buf, err := lb.arena.Alloc(len(chunk), 1)
		for errors.Is(err, dma.ErrNoSpace) {
			if err := lb.waitTx(ctx); err != nil {
				return err
			}

			buf, err = lb.arena.Alloc(len(chunk), 1)
		}

		if err != nil {
			return err
		}

		copy(buf.Mem, chunk)

		head, err := q.Reserve(1)
		for errors.Is(err, virtq.ErrQueueFull) {
			if err := lb.waitTx(ctx); err != nil {
				lb.arena.Free(buf)
				return err
			}

			head, err = q.Reserve(1)
		}

		if err != nil {
			lb.arena.Free(buf)
			return err
		}

		// a failed load has already given the chain back
		if err := q.LoadBuffers(head, false, buf.Mem); err != nil {
			lb.arena.Free(buf)
			return err
		}

		lb.mu.Lock()
		lb.txBufs[head] = buf
		lb.mu.Unlock()

		lb.sent.Add(int64(len(chunk)))

		if err := q.Commit(head, true); err != nil {
			return err
		}

		p = p[len(chunk):]
	}

	return nil
}

func (lb *loopback) waitTx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-lb.txDone:
		return nil
	}
}

// serve handles device interrupts until ctx is done or the device fails.
func (lb *loopback) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-lb.irq:
			lb.dev.Intr()

			if lb.dev.Failed() {
				return errDeviceFailed
			}
		}
	}
}

// flush waits until every byte sent has been echoed back.
func (lb *loopback) flush(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for lb.echoed.Load() < lb.sent.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}

	return nil
}

// close stops the device and frees its memory. Nothing may use the queues
// once close has been called.
func (lb *loopback) close() error {
	lb.echoR.Close()
	lb.echoW.Close()
	lb.bus.Close()

	err := lb.dev.Detach()

	lb.mu.Lock()
	defer lb.mu.Unlock()

	for _, bufs := range []map[uint16]virtq.Region{lb.rxBufs, lb.txBufs} {
		for head, buf := range bufs {
			lb.arena.Free(buf)
			delete(bufs, head)
		}
	}

	return err
}
