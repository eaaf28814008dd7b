package virtio

import "github.com/c35s/vring/virtio/virtq"

// Transport is the bus a device is attached to. It hides the differences
// between buses and between revisions of the same bus. A Device calls its
// methods from one goroutine at a time, except Kick, which is called by
// producers on any queue.
type Transport interface {

	// DeviceID returns the type of the attached device.
	DeviceID() (DeviceID, error)

	// Status reads the device status register.
	Status() (Status, error)

	// SetStatus writes the device status register. Writing 0 resets the
	// device, and SetStatus doesn't return until the reset is complete.
	SetStatus(s Status) error

	// NegotiateFeatures reads the features offered by the device, writes back
	// the intersection with supported and returns it.
	NegotiateFeatures(supported uint64) (accepted uint64, err error)

	// QueueSize returns the largest size the device allows for queue q, or 0
	// if the queue doesn't exist.
	QueueSize(q int) (uint16, error)

	// SetupQueue tells the device where queue q lives and enables it.
	SetupQueue(q int, addrs virtq.Addrs) error

	// Kick sends an available buffer notification for queue q.
	Kick(q int) error

	// SetupInterrupts prepares n queue interrupts plus the config interrupt.
	SetupInterrupts(n int) error

	// ReleaseInterrupts undoes SetupInterrupts.
	ReleaseInterrupts() error

	// AckInterrupt acknowledges a pending interrupt. It reports whether the
	// device's configuration changed.
	AckInterrupt() (configChanged bool, err error)

	// ReadConfig reads the device-specific configuration space at off into p.
	ReadConfig(p []byte, off int) error
}
