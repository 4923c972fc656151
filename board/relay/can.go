package relay

import (
	"io"
	"sync"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// maxFrameData is the payload size of a classic CAN frame.
const maxFrameData = 8

type frameSocket interface {
	Send(msg canbus.Frame) (int, error)
	Recv() (canbus.Frame, error)
	Close() error
}

// canConn carries the firmware's byte stream over a CAN gateway. Writes are split into
// standard frames on txID and reads reassemble the payloads of frames on rxID.
type canConn struct {
	txID uint32
	rxID uint32
	tx   frameSocket
	rx   frameSocket

	readMu  sync.Mutex
	pending []byte
}

func openCAN(conf Config) (io.ReadWriteCloser, error) {
	iface := conf.CANInterface
	if iface == "" {
		iface = DefaultCANInterface
	}
	txID, rxID := conf.TxID, conf.RxID
	if txID == 0 {
		txID = DefaultTxID
	}
	if rxID == 0 {
		rxID = DefaultRxID
	}

	socketSend, err := canbus.New()
	if err != nil {
		return nil, err
	}
	if err := socketSend.Bind(iface); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "cannot bind %q", iface), socketSend.Close())
	}

	socketRecv, err := canbus.New()
	if err != nil {
		return nil, multierr.Combine(err, socketSend.Close())
	}
	err = socketRecv.SetFilters([]unix.CanFilter{
		{Id: rxID, Mask: unix.CAN_SFF_MASK},
	})
	if err == nil {
		err = socketRecv.Bind(iface)
	}
	if err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "cannot listen on %q", iface), socketSend.Close(), socketRecv.Close())
	}
	return newCANConn(socketSend, socketRecv, txID, rxID), nil
}

func newCANConn(tx, rx frameSocket, txID, rxID uint32) *canConn {
	return &canConn{txID: txID, rxID: rxID, tx: tx, rx: rx}
}

// splitFrames cuts p into frames of at most maxFrameData bytes on id.
func splitFrames(id uint32, p []byte) []canbus.Frame {
	frames := make([]canbus.Frame, 0, (len(p)+maxFrameData-1)/maxFrameData)
	for len(p) > 0 {
		n := len(p)
		if n > maxFrameData {
			n = maxFrameData
		}
		data := make([]byte, n)
		copy(data, p[:n])
		frames = append(frames, canbus.Frame{ID: id, Data: data, Kind: canbus.SFF})
		p = p[n:]
	}
	return frames
}

func (c *canConn) Write(p []byte) (int, error) {
	written := 0
	for _, frame := range splitFrames(c.txID, p) {
		if _, err := c.tx.Send(frame); err != nil {
			return written, errors.Wrapf(err, "cannot send frame 0x%x", c.txID)
		}
		written += len(frame.Data)
	}
	return written, nil
}

func (c *canConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.pending) == 0 {
		frame, err := c.rx.Recv()
		if err != nil {
			return 0, err
		}
		if frame.ID != c.rxID || frame.Kind != canbus.SFF {
			continue
		}
		c.pending = append(c.pending, frame.Data...)
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *canConn) Close() error {
	return multierr.Combine(c.tx.Close(), c.rx.Close())
}
