package virtio

import (
	"errors"
	"fmt"
	"io"

	"github.com/c35s/vring/virtio/virtq"
)

// Console is an emulated virtio console with a single port. Bytes read from In
// are delivered to the driver's receive queue and bytes the driver transmits
// are written to Out.
type Console struct {
	In  io.Reader
	Out io.Writer
}

const (
	ConsoleRxQ = 0
	ConsoleTxQ = 1
)

var errBadDirection = errors.New("virtio: console descriptor has the wrong direction")

func (c *Console) GetType() DeviceID {
	return ConsoleDeviceID
}

func (*Console) GetFeatures() uint64 {
	return 0
}

func (*Console) Ready(negotiatedFeatures uint64) error {
	return nil
}

func (c *Console) Handle(queueNum int, q *virtq.DeviceQueue) error {
	switch queueNum {
	case ConsoleRxQ:
		if c.In != nil {
			return c.handleRx(q)
		}

	case ConsoleTxQ:
		if c.Out != nil {
			return c.handleTx(q)
		}
	}

	return nil
}

// ReadConfig serves the console config space. Neither size nor multiport is
// offered, so it reads as zeros.
func (*Console) ReadConfig(p []byte, off int) error {
	clear(p)
	return nil
}

// handleRx fills each receive buffer with one read from In. It blocks until
// In has data.
func (dev *Console) handleRx(q *virtq.DeviceQueue) error {
	for {
		c, err := q.Next()
		if err != nil || c == nil {
			return err
		}

		var total int
		for i := 0; i < c.Len(); i++ {
			if !c.IsWO(i) {
				return fmt.Errorf("%w: rx descriptor %d is read-only", errBadDirection, i)
			}

			buf, err := c.Buf(i)
			if err != nil {
				return err
			}

			n, err := dev.In.Read(buf)
			total += n

			if err != nil {
				c.Release(total)
				return err
			}

			if n < len(buf) {
				break
			}
		}

		if err := c.Release(total); err != nil {
			return err
		}
	}
}

func (dev *Console) handleTx(q *virtq.DeviceQueue) error {
	for {
		c, err := q.Next()
		if err != nil || c == nil {
			return err
		}

		for i := 0; i < c.Len(); i++ {
			if !c.IsRO(i) {
				return fmt.Errorf("%w: tx descriptor %d is write-only", errBadDirection, i)
			}

			buf, err := c.Buf(i)
			if err != nil {
				return err
			}

			if _, err := dev.Out.Write(buf); err != nil {
				return err
			}
		}

		if err := c.Release(0); err != nil {
			return err
		}
	}
}
