package virtio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c35s/vring/virtio/virtq"
)

// Config configures a Device.
type Config struct {

	// Alloc provides DMA memory for the device's queues. It's required.
	Alloc virtq.Allocator

	// Mapper, if set, lets drivers load Go buffers with Queue.LoadBuffers.
	Mapper virtq.Mapper

	// Log receives the device's log records. If nil, slog.Default() is used.
	Log *slog.Logger
}

// QueueConfig describes one queue requested by a device driver.
type QueueConfig struct {
	Name string

	// Size is the number of descriptors. If Size is 0, the largest size
	// allowed by the device is used.
	Size uint16

	// MaxSegments, InlineMax and SmartPostpone are passed to virtq.Config.
	MaxSegments   int
	InlineMax     int
	SmartPostpone func(inflight int) int

	// Done drains the queue's completions when the device interrupts. It
	// returns the number of completions handled.
	Done func(q *virtq.Queue) int
}

// Device is the driver's side of a virtio device. It runs the status state
// machine, negotiates features and owns the device's queues.
//
// Attaching a device is a sequence of calls: AttachStart, AttachSetVQs and
// AttachFinish. If any of them fails, the caller should call AttachFailed.
type Device struct {
	t   Transport
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	status     Status
	features   uint64
	format     virtq.Format
	queues     []*virtq.Queue
	programmed bool
	intrs      bool

	failed atomic.Bool
}

var (
	ErrConfig           = errors.New("virtio: invalid config")
	ErrState            = errors.New("virtio: operation not allowed in this state")
	ErrFeatures         = errors.New("virtio: device lacks required features")
	ErrFeaturesRejected = errors.New("virtio: device rejected the negotiated features")
	ErrTransport        = errors.New("virtio: transport error")
)

// NewDevice returns a device attached to t.
func NewDevice(t Transport, cfg Config) (*Device, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: missing transport", ErrConfig)
	}

	if cfg.Alloc == nil {
		return nil, fmt.Errorf("%w: missing allocator", ErrConfig)
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	d := &Device{
		t:   t,
		cfg: cfg,
		log: cfg.Log,
	}

	return d, nil
}

// AttachStart resets the device, announces the driver and negotiates features.
func (d *Device) AttachStart(required, supported uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range []Status{0, StatusAcknowledge, StatusAcknowledge | StatusDriver} {
		if err := d.setStatusLocked(s); err != nil {
			return err
		}
	}

	d.failed.Store(false)

	return d.negotiateLocked(required, supported)
}

// Negotiate accepts the features offered by the device that are also in
// supported. It fails with ErrFeatures if any required feature is missing and
// with ErrFeaturesRejected if the device refuses the result. Either way the
// device is marked FAILED.
func (d *Device) Negotiate(required, supported uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.negotiateLocked(required, supported)
}

func (d *Device) negotiateLocked(required, supported uint64) error {
	if d.status&StatusDriver == 0 || d.status&(StatusFeaturesOK|StatusDriverOK) != 0 {
		return fmt.Errorf("%w: negotiate in status %v", ErrState, d.status)
	}

	accepted, err := d.t.NegotiateFeatures(supported | required)
	if err != nil {
		return d.failLocked(fmt.Errorf("%w: negotiate features: %w", ErrTransport, err))
	}

	accepted &= supported | required

	if missing := required &^ accepted; missing != 0 {
		return d.failLocked(fmt.Errorf("%w: missing %#x", ErrFeatures, missing))
	}

	d.features = accepted
	d.format = virtq.Legacy
	if accepted&FVersion1 != 0 {
		d.format = virtq.Modern
	}

	// legacy devices don't know FEATURES_OK
	if d.format == virtq.Legacy {
		d.log.Debug("virtio: negotiated features", "features", fmt.Sprintf("%#x", accepted), "format", d.format)
		return nil
	}

	if err := d.setStatusLocked(d.status | StatusFeaturesOK); err != nil {
		return d.failLocked(err)
	}

	s, err := d.t.Status()
	if err != nil {
		return d.failLocked(fmt.Errorf("%w: read status: %w", ErrTransport, err))
	}

	if s&StatusFeaturesOK == 0 {
		return d.failLocked(fmt.Errorf("%w: %#x", ErrFeaturesRejected, accepted))
	}

	d.log.Debug("virtio: negotiated features", "features", fmt.Sprintf("%#x", accepted), "format", d.format)

	return nil
}

// AttachSetVQs allocates a queue for each config and tells the device about it.
// If the device already has queues from an earlier attach, they're reused when
// they fit the newly negotiated features and reallocated otherwise.
func (d *Device) AttachSetVQs(qcs []QueueConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.status&StatusDriver == 0 || d.status&StatusDriverOK != 0 ||
		(d.format == virtq.Modern && d.status&StatusFeaturesOK == 0) {
		return fmt.Errorf("%w: set up queues in status %v", ErrState, d.status)
	}

	if d.queues != nil && !d.queuesFitLocked(qcs) {
		d.releaseQueuesLocked()
	}

	if d.queues == nil {
		if err := d.allocQueuesLocked(qcs); err != nil {
			return err
		}
	}

	return d.programQueuesLocked()
}

func (d *Device) allocQueuesLocked(qcs []QueueConfig) error {
	queues := make([]*virtq.Queue, 0, len(qcs))

	for i, qc := range qcs {
		limit, err := d.t.QueueSize(i)
		if err != nil {
			d.releaseQueues(queues)
			return fmt.Errorf("%w: queue %d size: %w", ErrTransport, i, err)
		}

		size := qc.Size
		if size == 0 {
			size = limit
		}

		if limit == 0 || size > limit {
			d.releaseQueues(queues)
			return fmt.Errorf("%w: queue %d: size %d, device allows %d", ErrConfig, i, size, limit)
		}

		q, err := virtq.New(i, size, d.queueConfig(i, qc))
		if err != nil {
			d.releaseQueues(queues)
			return fmt.Errorf("queue %d: %w", i, err)
		}

		queues = append(queues, q)
	}

	d.queues = queues
	return nil
}

func (d *Device) queueConfig(i int, qc QueueConfig) virtq.Config {
	name := qc.Name
	if name == "" {
		name = fmt.Sprintf("vq%d", i)
	}

	return virtq.Config{
		Alloc:         d.cfg.Alloc,
		Mapper:        d.cfg.Mapper,
		Format:        d.format,
		Indirect:      d.features&FIndirectDesc != 0,
		EventIdx:      d.features&FEventIdx != 0,
		MaxSegments:   qc.MaxSegments,
		InlineMax:     qc.InlineMax,
		SmartPostpone: qc.SmartPostpone,
		Name:          name,
		Kick:          func() error { return d.t.Kick(i) },
		Done:          qc.Done,
		Fatal:         d.fatal,
	}
}

// queuesFitLocked reports whether the current queues can serve qcs under the
// current features.
func (d *Device) queuesFitLocked(qcs []QueueConfig) bool {
	if len(d.queues) != len(qcs) {
		return false
	}

	for i, q := range d.queues {
		c := d.queueConfig(i, qcs[i])
		l, err := virtq.ComputeLayout(uint16(q.Size()), c)
		if err != nil || l != q.Layout() || q.Format() != d.format {
			return false
		}

		if qcs[i].Size != 0 && int(qcs[i].Size) != q.Size() {
			return false
		}
	}

	return true
}

func (d *Device) programQueuesLocked() error {
	for i, q := range d.queues {
		limit, err := d.t.QueueSize(i)
		if err != nil {
			return fmt.Errorf("%w: queue %d size: %w", ErrTransport, i, err)
		}

		if q.Size() > int(limit) {
			return fmt.Errorf("%w: queue %d: size %d, device allows %d", ErrConfig, i, q.Size(), limit)
		}

		if err := d.t.SetupQueue(i, q.Addrs()); err != nil {
			return fmt.Errorf("%w: set up queue %d: %w", ErrTransport, i, err)
		}
	}

	if !d.intrs {
		if err := d.t.SetupInterrupts(len(d.queues)); err != nil {
			return fmt.Errorf("%w: set up interrupts: %w", ErrTransport, err)
		}

		d.intrs = true
	}

	d.programmed = true
	return nil
}

// AttachFinish tells the device the driver is ready. Queues kept by Reset are
// reprogrammed first.
func (d *Device) AttachFinish() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.status&StatusDriver == 0 || d.status&StatusDriverOK != 0 || d.queues == nil {
		return fmt.Errorf("%w: finish attach in status %v with %d queues", ErrState, d.status, len(d.queues))
	}

	if !d.programmed {
		if err := d.programQueuesLocked(); err != nil {
			return err
		}
	}

	if err := d.setStatusLocked(d.status | StatusDriverOK); err != nil {
		return err
	}

	d.log.Info("virtio: device attached",
		"status", d.status,
		"format", d.format,
		"queues", len(d.queues))

	return nil
}

// AttachFailed marks the device FAILED and releases its queues and interrupts.
func (d *Device) AttachFailed(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Error("virtio: attach failed", "err", cause)

	if err := d.setStatusLocked(d.status | StatusFailed); err != nil {
		d.log.Error("virtio: can't mark device failed", "err", err)
	}

	d.teardownLocked()
}

// Detach resets the device and releases its queues and interrupts. The caller
// must make sure nothing is using the queues.
func (d *Device) Detach() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.setStatusLocked(0)
	d.teardownLocked()

	return err
}

// Reset resets the device and reinitializes every queue in place, discarding
// all outstanding chains and clearing any failure. The queues keep their
// memory and are reprogrammed by the next AttachSetVQs or AttachFinish. Reset
// must not be called concurrently with any other use of the device's queues.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.setStatusLocked(0); err != nil {
		return err
	}

	for _, q := range d.queues {
		q.Reset()
	}

	d.programmed = false
	d.failed.Store(false)

	return nil
}

// Intr acknowledges an interrupt and drains every queue with its Done
// callback. It reports whether any work was done.
func (d *Device) Intr() bool {
	if d.failed.Load() {
		return false
	}

	changed, err := d.t.AckInterrupt()
	if err != nil {
		d.log.Warn("virtio: interrupt ack failed", "err", err)
	}

	if changed {
		d.log.Info("virtio: device configuration changed")
	}

	d.mu.Lock()
	queues := d.queues
	d.mu.Unlock()

	var n int
	for _, q := range queues {
		n += q.Done()
	}

	return n > 0 || changed
}

// ReadConfig reads the device-specific configuration space at off into p.
func (d *Device) ReadConfig(p []byte, off int) error {
	return d.t.ReadConfig(p, off)
}

// Queue returns the i-th queue.
func (d *Device) Queue(i int) *virtq.Queue {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.queues[i]
}

// Queues returns the device's queues in index order.
func (d *Device) Queues() []*virtq.Queue {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]*virtq.Queue(nil), d.queues...)
}

// Status returns the last status written by the driver.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.status
}

// Features returns the negotiated features.
func (d *Device) Features() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.features
}

// HasFeature reports whether every bit in f was negotiated.
func (d *Device) HasFeature(f uint64) bool {
	return d.Features()&f == f
}

// Format returns the ring format fixed by negotiation.
func (d *Device) Format() virtq.Format {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.format
}

// Failed reports whether the device has violated the ring protocol since the
// last Reset.
func (d *Device) Failed() bool {
	return d.failed.Load()
}

// fatal is every queue's Fatal hook. It marks the device FAILED and breaks all
// of its queues so they refuse further work until Reset.
func (d *Device) fatal(err error) {
	if d.failed.Swap(true) {
		return
	}

	d.log.Error("virtio: device failed", "err", err)

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, q := range d.queues {
		q.Break()
	}

	if err := d.setStatusLocked(d.status | StatusFailed); err != nil {
		d.log.Error("virtio: can't mark device failed", "err", err)
	}
}

func (d *Device) failLocked(err error) error {
	d.failed.Store(true)

	if serr := d.setStatusLocked(d.status | StatusFailed); serr != nil {
		d.log.Error("virtio: can't mark device failed", "err", serr)
	}

	return err
}

func (d *Device) setStatusLocked(s Status) error {
	if err := d.t.SetStatus(s); err != nil {
		return fmt.Errorf("%w: set status %v: %w", ErrTransport, s, err)
	}

	d.status = s
	return nil
}

func (d *Device) teardownLocked() {
	d.releaseQueuesLocked()

	if d.intrs {
		if err := d.t.ReleaseInterrupts(); err != nil {
			d.log.Error("virtio: release interrupts", "err", err)
		}

		d.intrs = false
	}
}

func (d *Device) releaseQueuesLocked() {
	d.releaseQueues(d.queues)
	d.queues = nil
	d.programmed = false
}

func (d *Device) releaseQueues(queues []*virtq.Queue) {
	for _, q := range queues {
		if err := q.Release(); err != nil {
			d.log.Error("virtio: release queue", "queue", q.Index(), "err", err)
		}
	}
}
