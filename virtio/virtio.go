// Package virtio drives virtio devices over split virtqueues. A Device runs the
// status state machine and feature negotiation through a Transport and owns the
// device's queues. DeviceHandler is the other half: it's implemented by software
// devices served by an emulated bus such as mmio.Bus.
package virtio

import (
	"fmt"
	"strings"

	"github.com/c35s/vring/virtio/virtq"
)

type DeviceHandler interface {

	// GetType identifies the type of the device.
	GetType() DeviceID

	// GetFeatures returns additional feature bits supported by the device.
	GetFeatures() uint64

	// Ready is called after feature negotiation is complete.
	Ready(negotiatedFeatures uint64) error

	// Handle is called when new buffers are available to the device. It is
	// called in a separate goroutine per queueNum, and calls with the same
	// queueNum do not overlap. It's fine to block in Handle. Notifications are
	// coalesced, so Handle may only be called once in response to multiple
	// driver notifications.
	Handle(queueNum int, q *virtq.DeviceQueue) error

	// ReadConfig reads the device configuration register at off into p.
	ReadConfig(p []byte, off int) error
}

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
	EntropyDeviceID = DeviceID(4)
	SocketDeviceID  = DeviceID(19)
)

// Reserved feature bits. Bits 0-23 and 50-127 are device type specific.
const (
	FIndirectDesc     = 1 << 28 // VIRTIO_F_INDIRECT_DESC: descriptors may point to descriptor tables
	FEventIdx         = 1 << 29 // VIRTIO_F_EVENT_IDX: used_event and avail_event are valid
	FVersion1         = 1 << 32 // VIRTIO_F_VERSION_1: the device isn't legacy; rings are little-endian
	FAccessPlatform   = 1 << 33 // VIRTIO_F_ACCESS_PLATFORM: device memory access is translated or limited
	FRingPacked       = 1 << 34 // VIRTIO_F_RING_PACKED: packed virtqueue layout
	FInOrder          = 1 << 35 // VIRTIO_F_IN_ORDER: buffers are used in the order they were made available
	FOrderPlatform    = 1 << 36 // VIRTIO_F_ORDER_PLATFORM: the platform orders memory accesses
	FSRIOV            = 1 << 37 // VIRTIO_F_SR_IOV: single root I/O virtualization
	FNotificationData = 1 << 38 // VIRTIO_F_NOTIFICATION_DATA: driver notifications carry extra data
	FNotifConfigData  = 1 << 39 // VIRTIO_F_NOTIF_CONFIG_DATA: the device supplies a notification identifier
	FRingReset        = 1 << 40 // VIRTIO_F_RING_RESET: queues can be reset individually
)

// RingFeatures are the transport feature bits implemented by package virtq.
const RingFeatures = FVersion1 | FIndirectDesc | FEventIdx

// Status is the device status register.
type Status uint8

const (
	StatusAcknowledge Status = 1   // the guest has noticed the device
	StatusDriver      Status = 2   // the guest knows how to drive the device
	StatusDriverOK    Status = 4   // the driver is ready
	StatusFeaturesOK  Status = 8   // feature negotiation is complete
	StatusNeedsReset  Status = 64  // the device has hit an error it can't recover from
	StatusFailed      Status = 128 // the driver has given up on the device
)

var statusNames = []struct {
	s    Status
	name string
}{
	{StatusAcknowledge, "ACKNOWLEDGE"},
	{StatusDriver, "DRIVER"},
	{StatusFeaturesOK, "FEATURES_OK"},
	{StatusDriverOK, "DRIVER_OK"},
	{StatusNeedsReset, "DEVICE_NEEDS_RESET"},
	{StatusFailed, "FAILED"},
}

func (s Status) String() string {
	if s == 0 {
		return "RESET"
	}

	var names []string
	for _, n := range statusNames {
		if s&n.s != 0 {
			names = append(names, n.name)
			s &^= n.s
		}
	}

	if s != 0 {
		names = append(names, fmt.Sprintf("%#x", uint8(s)))
	}

	return strings.Join(names, "|")
}

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"

	case NetworkDeviceID:
		return "network"

	case BlockDeviceID:
		return "block"

	case ConsoleDeviceID:
		return "console"

	case EntropyDeviceID:
		return "entropy"

	case SocketDeviceID:
		return "socket"

	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}
