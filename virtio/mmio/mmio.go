// Package mmio implements both sides of the virtio-mmio transport. Transport
// drives a device through its register window, and Bus emulates a set of
// devices in software so a driver can run against them in-process.
//
// Both register layouts are supported: the legacy layout (version 1), where a
// queue is located by a single page frame number, and the modern layout
// (version 2), where each ring has its own address.
package mmio

import "github.com/c35s/vring/virtio"

// DeviceInfo describes an installed virtio-mmio device.
type DeviceInfo struct {
	Type virtio.DeviceID
	IRQ  int
	Addr uint64
	Size uint64
}

// Regs is a virtio-mmio register window. Offsets are relative to the start of
// the window. Registers below the device config space are accessed 4 bytes at a
// time in little-endian order.
type Regs interface {
	ReadMMIO(off int, p []byte) error
	WriteMMIO(off int, p []byte) error
}

const (
	MagicValue    = 0x74726976 // "virt"
	VersionLegacy = 0x1
	VersionModern = 0x2
)

// interrupt status bits

const (
	intStatusUsedBuffer   = 1 << 0 // the device has used at least 1 buffer
	intStatusConfigChange = 1 << 1 // the configuration of the device has changed
)

// mmio register offsets

const (
	regMagicValue        = 0x000 // always 0x74726976 (R; "virt")
	regVersion           = 0x004 // 0x1 (legacy) or 0x2 (R)
	regDeviceID          = 0x008 // virtio subsystem device id (R)
	regVendorID          = 0x00c // virtio subsystem vendor id (R)
	regDeviceFeatures    = 0x010 // flags, depends on regDeviceFeaturesSel (R)
	regDeviceFeaturesSel = 0x014 // word selection for regDeviceFeatures (W)
	regDriverFeatures    = 0x020 // feature flags activated by the driver (W)
	regDriverFeaturesSel = 0x024 // word selection for regDriverFeatures (W)
	regGuestPageSize     = 0x028 // guest page size in bytes (W; legacy)
	regQueueSel          = 0x030 // virtual queue index (W)
	regQueueNumMax       = 0x034 // maximum virtual queue size (R)
	regQueueNum          = 0x038 // virtual queue size (W)
	regQueueAlign        = 0x03c // used ring alignment in bytes (W; legacy)
	regQueuePFN          = 0x040 // queue page frame number (RW; legacy)
	regQueueReady        = 0x044 // virtual queue ready bit (RW)
	regQueueNotify       = 0x050 // queue notifier (W)
	regInterruptStatus   = 0x060 // interrupt status (R)
	regInterruptAck      = 0x064 // interrupt acknowledge (W)
	regStatus            = 0x070 // device status (RW)
	regQueueDescLow      = 0x080 // descriptor area GPA, low word (W)
	regQueueDescHigh     = 0x084 // descriptor area GPA, high word (W)
	regQueueDriverLow    = 0x090 // driver area GPA, low word (W)
	regQueueDriverHigh   = 0x094 // driver area GPA, high word (W)
	regQueueDeviceLow    = 0x0a0 // device area GPA, low word (W)
	regQueueDeviceHigh   = 0x0a4 // device area GPA, high word (W)
	regConfigGeneration  = 0x0fc // configuration atomicity value (R)
	regDeviceConfigStart = 0x100 // device specific configuration space >= 0x100 (RW)
)

// legacyRingAddrs returns the avail and used ring addresses of a legacy queue
// whose descriptor table is at desc. The legacy layout always reserves room
// for used_event.
func legacyRingAddrs(desc uint64, num, align uint32) (avail, used uint64) {
	avail = desc + 16*uint64(num)
	used = avail + 6 + 2*uint64(num)
	used = (used + uint64(align) - 1) &^ (uint64(align) - 1)

	return avail, used
}
