package mmio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/vring/virtio"
	"github.com/c35s/vring/virtio/virtq"
	"golang.org/x/sys/unix"
)

// Bus emulates a set of virtio-mmio devices. Each device is served by a
// virtio.DeviceHandler, and its queues are read and written through memAt.
type Bus struct {
	handlers []virtio.DeviceHandler
	memAt    func(addr uint64, size int) ([]byte, error)
	notify   func(irq int) error
	opts     busOptions
	devices  []*device
}

// BusOption configures a Bus.
type BusOption func(*busOptions)

type busOptions struct {
	legacy      bool
	queueNumMax uint32
	log         *slog.Logger
}

// WithLegacy makes every device on the bus use the legacy register layout.
func WithLegacy() BusOption {
	return func(o *busOptions) { o.legacy = true }
}

// WithQueueNumMax sets the largest queue size the devices allow. The default is 256.
func WithQueueNumMax(n uint16) BusOption {
	return func(o *busOptions) { o.queueNumMax = uint32(n) }
}

// WithLogger sets the bus's logger. The default is slog.Default().
func WithLogger(l *slog.Logger) BusOption {
	return func(o *busOptions) { o.log = l }
}

const maxQueues = 16

type device struct {
	bus  *Bus
	info DeviceInfo

	mu      sync.Mutex
	handler virtio.DeviceHandler
	state   deviceState

	// qC wakes a ready queue's handler goroutine. Channels are created when a
	// queue becomes ready and closed when the device is reset.
	qC [maxQueues]chan struct{}
	wg sync.WaitGroup
}

type deviceState struct {
	status  uint32
	version uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	guestPageSize uint32

	queueSel uint32
	queue    [maxQueues]queueState

	intStatus uint32
}

type queueState struct {
	Ready      uint32
	NumDesc    uint32
	Align      uint32 // used ring alignment (legacy)
	PFN        uint32 // page frame number of the queue (legacy)
	DescAddr   uint64 // address of the descriptor area
	DriverAddr uint64 // address of the driver area
	DeviceAddr uint64 // address of the device area
}

const (
	statusAcknowledge = uint32(virtio.StatusAcknowledge)
	statusDriver      = uint32(virtio.StatusDriver)
	statusFeaturesOK  = uint32(virtio.StatusFeaturesOK)
	statusDriverOK    = uint32(virtio.StatusDriverOK)
	statusNeedsReset  = uint32(virtio.StatusNeedsReset)
	statusFailed      = uint32(virtio.StatusFailed)

	negotiatingFeatures = statusAcknowledge | statusDriver
	configuringQueues   = negotiatingFeatures | statusFeaturesOK
)

// NewBus creates a new bus and installs a device for each of the given handlers.
// The memAt callback is called when a device needs to access a virtqueue in guest memory.
// The notify callback is called when a device needs to notify the guest of a config or
// buffer event. It must not call back into the bus before returning.
//
// Devices are assigned an IRQ and a 4K memory region. See the Devices method.
func NewBus(handlers []virtio.DeviceHandler, memAt func(addr uint64, size int) ([]byte, error), notify func(irq int) error, opts ...BusOption) *Bus {
	const sz = 0x1000

	var (
		irq  = 5
		addr = uint64(0xd0000000)
	)

	b := &Bus{
		handlers: handlers,
		memAt:    memAt,
		notify:   notify,
		opts:     busOptions{queueNumMax: 256, log: slog.Default()},
		devices:  make([]*device, len(handlers)),
	}

	for _, opt := range opts {
		opt(&b.opts)
	}

	for i, h := range handlers {
		b.devices[i] = &device{
			bus: b,

			info: DeviceInfo{
				Type: h.GetType(),
				IRQ:  irq,
				Addr: addr,
				Size: sz,
			},

			handler: h,
		}

		irq++
		addr += sz
	}

	return b
}

// HandleMMIO routes an MMIO event to the appropriate device.
// It returns (found=false, err=nil) if no device is found.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) (found bool, err error) {
	var dev *device
	for _, d := range b.devices {
		if addr >= d.info.Addr && addr < d.info.Addr+d.info.Size {
			dev = d
			break
		}
	}

	if dev == nil {
		return false, nil
	}

	off := int(addr - dev.info.Addr)
	return true, dev.HandleMMIO(off, data, isWrite)
}

// Devices returns a slice describing the installed devices.
func (b *Bus) Devices() []DeviceInfo {
	dd := make([]DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		dd[i] = d.info
	}

	return dd
}

// Close resets every device and waits for their queue handlers to return.
// Handlers blocked on I/O must be unblocked by the caller, usually by closing
// the handler's reader or writer first.
func (b *Bus) Close() {
	for _, d := range b.devices {
		d.mu.Lock()
		d.reset()
		d.mu.Unlock()
	}

	for _, d := range b.devices {
		d.wg.Wait()
	}
}

// Regs returns the register window of the i-th device.
func (b *Bus) Regs(i int) Regs {
	return b.devices[i]
}

func (d *device) ReadMMIO(off int, p []byte) error {
	return d.HandleMMIO(off, p, false)
}

func (d *device) WriteMMIO(off int, p []byte) error {
	return d.HandleMMIO(off, p, true)
}

func (d *device) HandleMMIO(off int, data []byte, isWrite bool) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if err != nil && !(d.needsReset() || d.driverFailed()) {
			d.failLocked(err)
		}
	}()

	if off < regDeviceConfigStart && len(data) != 4 {
		return unix.EINVAL
	}

	if isWrite {
		return d.writeMMIO(off, data)
	}

	return d.readMMIO(off, data)
}

// failLocked sets DEVICE_NEEDS_RESET and tells a running driver about it.
func (d *device) failLocked(cause error) {
	d.bus.opts.log.Warn("virtio-mmio device needs reset",
		"type", d.info.Type, "irq", d.info.IRQ, "err", cause)

	notify := d.isOperatingNormally()
	d.state.status |= statusNeedsReset
	d.state.version++

	if notify {
		d.state.intStatus |= intStatusConfigChange
		if err := d.bus.notify(d.info.IRQ); err != nil {
			d.bus.opts.log.Error("virtio config change notification failed",
				"irq", d.info.IRQ, "err", err)
		}
	}
}

func (d *device) readMMIO(off int, p []byte) error {
	switch off {
	case regMagicValue:
		le.PutUint32(p, MagicValue)

	case regVersion:
		le.PutUint32(p, d.version())

	case regDeviceID:
		le.PutUint32(p, uint32(d.handler.GetType()))

	case regVendorID:
		le.PutUint32(p, 0xffff)

	case regDeviceFeatures:
		var v uint32
		if d.state.deviceFeaturesSel < 2 {
			v = uint32(d.getFeatures() >> (32 * d.state.deviceFeaturesSel))
		}

		le.PutUint32(p, v)

	case regQueueNumMax:
		var v uint32
		if d.state.queueSel < maxQueues {
			v = d.bus.opts.queueNumMax
		}

		le.PutUint32(p, v)

	case regQueueReady:
		if d.bus.opts.legacy {
			return unix.EINVAL
		}

		le.PutUint32(p, d.selectedQueue().Ready)

	case regQueuePFN:
		if !d.bus.opts.legacy {
			return unix.EINVAL
		}

		le.PutUint32(p, d.selectedQueue().PFN)

	case regInterruptStatus:
		le.PutUint32(p, d.state.intStatus)

	case regStatus:
		le.PutUint32(p, d.state.status)

	case regConfigGeneration:
		le.PutUint32(p, d.state.version)

	default:
		if off < regDeviceConfigStart {
			return unix.EINVAL
		}

		return d.handler.ReadConfig(p, off-regDeviceConfigStart)
	}

	return nil
}

func (d *device) writeMMIO(off int, p []byte) error {
	// if the device or driver has failed, only allow status register writes (to reset)
	if d.state.status&(statusNeedsReset|statusFailed) > 0 && off != regStatus {
		return unix.EPERM
	}

	v := le.Uint32(p)

	switch off {
	case regDeviceFeaturesSel:
		return d.writeDeviceFeaturesSel(v)

	case regDriverFeatures:
		return d.writeDriverFeatures(v)

	case regDriverFeaturesSel:
		return d.writeDriverFeaturesSel(v)

	case regGuestPageSize:
		return d.writeGuestPageSize(v)

	case regQueueSel:
		return d.writeQueueSel(v)

	case regQueueNum:
		return d.writeQueueNum(v)

	case regQueueAlign:
		return d.writeQueueAlign(v)

	case regQueuePFN:
		return d.writeQueuePFN(v)

	case regQueueReady:
		return d.writeQueueReady(v)

	case regQueueNotify:
		return d.writeQueueNotify(v)

	case regInterruptAck:
		return d.writeInterruptAck(v)

	case regStatus:
		return d.writeStatus(v)

	case regQueueDescLow, regQueueDescHigh:
		return d.writeQueueAddr(&d.selectedQueue().DescAddr, off == regQueueDescHigh, v)

	case regQueueDriverLow, regQueueDriverHigh:
		return d.writeQueueAddr(&d.selectedQueue().DriverAddr, off == regQueueDriverHigh, v)

	case regQueueDeviceLow, regQueueDeviceHigh:
		return d.writeQueueAddr(&d.selectedQueue().DeviceAddr, off == regQueueDeviceHigh, v)

	default:
		return unix.EINVAL
	}
}

func (d *device) writeStatus(v uint32) error {
	if v == 0 {
		d.reset()
		return nil
	}

	if v&statusNeedsReset > 0 || v&d.state.status != d.state.status&^statusNeedsReset {
		return unix.EINVAL
	}

	if v&statusFailed > 0 {
		d.bus.opts.log.Warn("virtio driver gave up on device", "type", d.info.Type, "irq", d.info.IRQ)
		d.state.status |= statusFailed
		return nil
	}

	added := v &^ d.state.status

	// the device may refuse FEATURES_OK; the driver finds out by reading it back
	if added&statusFeaturesOK != 0 && !d.acceptFeatures() {
		v &^= statusFeaturesOK
	}

	d.state.status = v
	d.state.version++

	if added&statusDriverOK != 0 {
		if err := d.handler.Ready(d.state.driverFeatures); err != nil {
			return err
		}
	}

	return nil
}

// acceptFeatures reports whether the driver's features are usable. A modern
// device refuses drivers that didn't accept VIRTIO_F_VERSION_1.
func (d *device) acceptFeatures() bool {
	if d.bus.opts.legacy {
		return true
	}

	return d.state.driverFeatures&virtio.FVersion1 != 0
}

// reset forgets everything the driver configured except the guest page size
// and stops the queue goroutines.
func (d *device) reset() {
	for i, c := range d.qC {
		if c != nil {
			close(c)
			d.qC[i] = nil
		}
	}

	d.state = deviceState{guestPageSize: d.state.guestPageSize}
}

func (d *device) writeDeviceFeaturesSel(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	d.state.deviceFeaturesSel = v
	return nil
}

func (d *device) writeDriverFeaturesSel(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.state.driverFeaturesSel = v
	return nil
}

func (d *device) writeDriverFeatures(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	shift := 32 * d.state.driverFeaturesSel
	features := d.state.driverFeatures&^(0xffffffff<<shift) | uint64(v)<<shift

	if features&^d.getFeatures() != 0 {
		return unix.EINVAL
	}

	d.state.driverFeatures = features
	return nil
}

func (d *device) writeGuestPageSize(v uint32) error {
	if !d.bus.opts.legacy {
		return unix.EINVAL
	}

	if v == 0 || v&(v-1) != 0 {
		return unix.EINVAL
	}

	d.state.guestPageSize = v
	return nil
}

func (d *device) writeQueueSel(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v >= maxQueues {
		return unix.EINVAL
	}

	d.state.queueSel = v
	return nil
}

func (d *device) writeQueueNum(v uint32) error {
	if !d.isConfiguringQueues() || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	if v == 0 || v > d.bus.opts.queueNumMax || v&(v-1) != 0 {
		return unix.EINVAL
	}

	d.selectedQueue().NumDesc = v
	return nil
}

func (d *device) writeQueueAlign(v uint32) error {
	if !d.bus.opts.legacy {
		return unix.EINVAL
	}

	if !d.isConfiguringQueues() || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	if v < 4 || v&(v-1) != 0 {
		return unix.EINVAL
	}

	d.selectedQueue().Align = v
	return nil
}

func (d *device) writeQueueAddr(addr *uint64, high bool, v uint32) error {
	if d.bus.opts.legacy {
		return unix.EINVAL
	}

	if !d.isConfiguringQueues() || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	if high {
		*addr = *addr&0xffffffff | uint64(v)<<32
	} else {
		*addr = *addr&^0xffffffff | uint64(v)
	}

	return nil
}

// writeQueuePFN locates a legacy queue. The other rings follow the descriptor
// table at fixed offsets.
func (d *device) writeQueuePFN(v uint32) error {
	if !d.bus.opts.legacy {
		return unix.EINVAL
	}

	if !d.isConfiguringQueues() || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	qs := d.selectedQueue()
	if v == 0 || qs.NumDesc == 0 || d.state.guestPageSize == 0 {
		return unix.EINVAL
	}

	if qs.Align == 0 {
		qs.Align = virtq.LegacyAlign
	}

	qs.PFN = v
	qs.DescAddr = uint64(v) * uint64(d.state.guestPageSize)
	qs.DriverAddr, qs.DeviceAddr = legacyRingAddrs(qs.DescAddr, qs.NumDesc, qs.Align)

	return d.startQueue()
}

func (d *device) writeQueueReady(v uint32) error {
	if d.bus.opts.legacy {
		return unix.EINVAL
	}

	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v != 1 {
		return unix.EINVAL
	}

	if d.selectedQueue().Ready == 1 || d.selectedQueue().NumDesc == 0 {
		return unix.EPERM
	}

	return d.startQueue()
}

// startQueue maps the selected queue and starts a goroutine that runs the
// handler whenever the driver notifies it.
func (d *device) startQueue() error {
	qs := d.selectedQueue()

	format := virtq.Modern
	if d.bus.opts.legacy {
		format = virtq.Legacy
	}

	vq, err := virtq.NewDeviceQueue(virtq.Addrs{
		Size:  uint16(qs.NumDesc),
		Align: int(qs.Align),
		Desc:  qs.DescAddr,
		Avail: qs.DriverAddr,
		Used:  qs.DeviceAddr,
	}, virtq.DeviceConfig{
		MemAt:    d.bus.memAt,
		Notify:   d.notifyUsed,
		Format:   format,
		EventIdx: d.state.driverFeatures&virtio.FEventIdx != 0,
	})

	if err != nil {
		return err
	}

	qs.Ready = 1
	d.state.version++

	var (
		qn = int(d.state.queueSel)
		qC = make(chan struct{}, 1)
	)

	d.qC[qn] = qC
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		for range qC {
			if err := d.handler.Handle(qn, vq); err != nil {
				d.mu.Lock()
				if !d.needsReset() {
					d.failLocked(fmt.Errorf("%v: handle queue %d: %w", d.info.Type, qn, err))
				}
				d.mu.Unlock()

				return
			}
		}
	}()

	return nil
}

func (d *device) notifyUsed() error {
	d.mu.Lock()
	d.state.intStatus |= intStatusUsedBuffer
	d.mu.Unlock()

	return d.bus.notify(d.info.IRQ)
}

func (d *device) writeQueueNotify(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	if v >= maxQueues || d.qC[v] == nil {
		return unix.EPERM
	}

	select {
	case d.qC[v] <- struct{}{}:
	default:
	}

	return nil
}

func (d *device) writeInterruptAck(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	// clear flags
	d.state.intStatus &^= v

	return nil
}

func (d *device) version() uint32 {
	if d.bus.opts.legacy {
		return VersionLegacy
	}

	return VersionModern
}

func (d *device) getFeatures() uint64 {
	f := uint64(virtio.FIndirectDesc|virtio.FEventIdx) | d.handler.GetFeatures()
	if !d.bus.opts.legacy {
		f |= virtio.FVersion1
	}

	return f
}

func (d *device) isNegotiatingFeatures() bool {
	return d.state.status == negotiatingFeatures
}

func (d *device) isConfiguringQueues() bool {
	if d.bus.opts.legacy {
		return d.state.status == negotiatingFeatures
	}

	return d.state.status == configuringQueues
}

func (d *device) isOperatingNormally() bool {
	return d.state.status&statusDriverOK != 0 && d.state.status&(statusNeedsReset|statusFailed) == 0
}

func (d *device) needsReset() bool {
	return d.state.status&statusNeedsReset != 0
}

func (d *device) driverFailed() bool {
	return d.state.status&statusFailed != 0
}

func (d *device) selectedQueue() *queueState {
	return &d.state.queue[d.state.queueSel]
}
