package relay

import (
	"io"

	slib "github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
)

// serialReadTimeout is how long a read waits for the next byte before reporting an idle
// line. The port driver counts it in tenths of a second.
const serialReadTimeout = 100 // ms

// serialOpen opens a serial port. It's a variable in case you need to override it during tests.
var serialOpen = slib.Open

func serialOptions(conf Config) slib.OpenOptions {
	baud := conf.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return slib.OpenOptions{
		PortName:              conf.Port,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: serialReadTimeout,
	}
}

func openSerial(conf Config) (io.ReadWriteCloser, error) {
	port, err := serialOpen(serialOptions(conf))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open serial port %q", conf.Port)
	}
	return port, nil
}
