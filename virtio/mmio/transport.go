package mmio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/c35s/vring/virtio"
	"github.com/c35s/vring/virtio/virtq"
)

// Transport drives a virtio-mmio device. It implements virtio.Transport for
// both register layouts.
type Transport struct {
	regs     Regs
	version  uint32
	pageSize uint32
	nintr    int
}

// TransportConfig configures a Transport.
type TransportConfig struct {

	// PageSize is written to the GuestPageSize register of legacy devices and
	// used to compute queue page frame numbers. If PageSize is 0, it's 4096.
	PageSize uint32
}

var (
	ErrNotVirtio  = errors.New("mmio: bad magic value")
	ErrVersion    = errors.New("mmio: unsupported version")
	ErrNoDevice   = errors.New("mmio: no device behind the window")
	ErrQueueInUse = errors.New("mmio: queue is already in use")
	ErrQueueAddrs = errors.New("mmio: queue addresses don't fit the register layout")
	ErrReset      = errors.New("mmio: device didn't finish reset")
)

var _ virtio.Transport = (*Transport)(nil)

var le = binary.LittleEndian

// resetPolls bounds how many times SetStatus(0) reads the status register
// waiting for the reset to complete.
const resetPolls = 1000

// NewTransport probes the register window and returns a transport for the
// device behind it.
func NewTransport(regs Regs, cfg TransportConfig) (*Transport, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}

	if cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, fmt.Errorf("mmio: page size %d isn't a power of 2", cfg.PageSize)
	}

	t := &Transport{regs: regs, pageSize: cfg.PageSize}

	magic, err := t.read32(regMagicValue)
	if err != nil {
		return nil, err
	}

	if magic != MagicValue {
		return nil, fmt.Errorf("%w: %#x", ErrNotVirtio, magic)
	}

	if t.version, err = t.read32(regVersion); err != nil {
		return nil, err
	}

	if t.version != VersionLegacy && t.version != VersionModern {
		return nil, fmt.Errorf("%w: %d", ErrVersion, t.version)
	}

	id, err := t.read32(regDeviceID)
	if err != nil {
		return nil, err
	}

	if id == 0 {
		return nil, ErrNoDevice
	}

	if t.Legacy() {
		if err := t.write32(regGuestPageSize, t.pageSize); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Version returns the device's register layout version.
func (t *Transport) Version() int {
	return int(t.version)
}

// Legacy reports whether the device uses the legacy register layout.
func (t *Transport) Legacy() bool {
	return t.version == VersionLegacy
}

func (t *Transport) DeviceID() (virtio.DeviceID, error) {
	id, err := t.read32(regDeviceID)
	return virtio.DeviceID(id), err
}

func (t *Transport) Status() (virtio.Status, error) {
	v, err := t.read32(regStatus)
	return virtio.Status(v), err
}

func (t *Transport) SetStatus(s virtio.Status) error {
	if err := t.write32(regStatus, uint32(s)); err != nil {
		return err
	}

	if s != 0 {
		return nil
	}

	for i := 0; i < resetPolls; i++ {
		v, err := t.read32(regStatus)
		if err != nil {
			return err
		}

		if v == 0 {
			return nil
		}
	}

	return ErrReset
}

func (t *Transport) NegotiateFeatures(supported uint64) (uint64, error) {
	var offered uint64
	for sel := uint32(0); sel < 2; sel++ {
		if err := t.write32(regDeviceFeaturesSel, sel); err != nil {
			return 0, err
		}

		v, err := t.read32(regDeviceFeatures)
		if err != nil {
			return 0, err
		}

		offered |= uint64(v) << (32 * sel)
	}

	accepted := offered & supported

	if !t.Legacy() && accepted&virtio.FVersion1 == 0 {
		return 0, fmt.Errorf("%w: version %d devices require VIRTIO_F_VERSION_1", virtio.ErrFeatures, t.version)
	}

	for sel := uint32(0); sel < 2; sel++ {
		if err := t.write32(regDriverFeaturesSel, sel); err != nil {
			return 0, err
		}

		if err := t.write32(regDriverFeatures, uint32(accepted>>(32*sel))); err != nil {
			return 0, err
		}
	}

	return accepted, nil
}

func (t *Transport) QueueSize(q int) (uint16, error) {
	if err := t.write32(regQueueSel, uint32(q)); err != nil {
		return 0, err
	}

	n, err := t.read32(regQueueNumMax)
	if err != nil {
		return 0, err
	}

	return uint16(min(n, virtq.MaxSize)), nil
}

func (t *Transport) SetupQueue(q int, addrs virtq.Addrs) error {
	if err := t.write32(regQueueSel, uint32(q)); err != nil {
		return err
	}

	inUse := regQueueReady
	if t.Legacy() {
		inUse = regQueuePFN
	}

	if v, err := t.read32(inUse); err != nil {
		return err
	} else if v != 0 {
		return fmt.Errorf("%w: %d", ErrQueueInUse, q)
	}

	if err := t.write32(regQueueNum, uint32(addrs.Size)); err != nil {
		return err
	}

	if t.Legacy() {
		return t.setupLegacyQueue(q, addrs)
	}

	for _, r := range []struct {
		off  int
		addr uint64
	}{
		{regQueueDescLow, addrs.Desc},
		{regQueueDriverLow, addrs.Avail},
		{regQueueDeviceLow, addrs.Used},
	} {
		if err := t.write64(r.off, r.addr); err != nil {
			return err
		}
	}

	return t.write32(regQueueReady, 1)
}

// setupLegacyQueue locates a queue by its page frame number. The device derives
// the other ring addresses from the size and alignment, so they must match.
func (t *Transport) setupLegacyQueue(q int, addrs virtq.Addrs) error {
	avail, used := legacyRingAddrs(addrs.Desc, uint32(addrs.Size), uint32(addrs.Align))
	if addrs.Desc%uint64(t.pageSize) != 0 || addrs.Avail != avail || addrs.Used != used {
		return fmt.Errorf("%w: queue %d: desc=%#x avail=%#x used=%#x align=%d",
			ErrQueueAddrs, q, addrs.Desc, addrs.Avail, addrs.Used, addrs.Align)
	}

	pfn := addrs.Desc / uint64(t.pageSize)
	if pfn > 0xffffffff {
		return fmt.Errorf("%w: queue %d: pfn %#x", ErrQueueAddrs, q, pfn)
	}

	if err := t.write32(regGuestPageSize, t.pageSize); err != nil {
		return err
	}

	if err := t.write32(regQueueAlign, uint32(addrs.Align)); err != nil {
		return err
	}

	return t.write32(regQueuePFN, uint32(pfn))
}

func (t *Transport) Kick(q int) error {
	return t.write32(regQueueNotify, uint32(q))
}

// SetupInterrupts records the number of queues. A virtio-mmio device has a
// single interrupt line shared by every queue and the config space.
func (t *Transport) SetupInterrupts(n int) error {
	t.nintr = n
	return nil
}

func (t *Transport) ReleaseInterrupts() error {
	t.nintr = 0
	return nil
}

func (t *Transport) AckInterrupt() (configChanged bool, err error) {
	v, err := t.read32(regInterruptStatus)
	if err != nil || v == 0 {
		return false, err
	}

	if err := t.write32(regInterruptAck, v); err != nil {
		return false, err
	}

	return v&intStatusConfigChange != 0, nil
}

// ReadConfig reads the device config space. On modern devices the read is
// retried until the config generation is stable across it.
func (t *Transport) ReadConfig(p []byte, off int) error {
	if t.Legacy() {
		return t.regs.ReadMMIO(regDeviceConfigStart+off, p)
	}

	for {
		before, err := t.read32(regConfigGeneration)
		if err != nil {
			return err
		}

		if err := t.regs.ReadMMIO(regDeviceConfigStart+off, p); err != nil {
			return err
		}

		after, err := t.read32(regConfigGeneration)
		if err != nil {
			return err
		}

		if before == after {
			return nil
		}
	}
}

func (t *Transport) read32(off int) (uint32, error) {
	var b [4]byte
	if err := t.regs.ReadMMIO(off, b[:]); err != nil {
		return 0, fmt.Errorf("mmio: read %#03x: %w", off, err)
	}

	return le.Uint32(b[:]), nil
}

func (t *Transport) write32(off int, v uint32) error {
	var b [4]byte
	le.PutUint32(b[:], v)

	if err := t.regs.WriteMMIO(off, b[:]); err != nil {
		return fmt.Errorf("mmio: write %#03x: %w", off, err)
	}

	return nil
}

// write64 writes a 64-bit address to a low/high register pair.
func (t *Transport) write64(off int, v uint64) error {
	if err := t.write32(off, uint32(v)); err != nil {
		return err
	}

	return t.write32(off+4, uint32(v>>32))
}
