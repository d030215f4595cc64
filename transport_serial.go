package picprog

import (
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// DefaultBaud is the bridge's serial speed.
const DefaultBaud = 115200

// pollInterval is the serial read timeout used to re-check the receive
// deadline.
const pollInterval = 100 * time.Millisecond

// SerialOptions configures a serial transport.
type SerialOptions struct {
	// Timeout bounds each receive. Defaults to DefaultTimeout.
	Timeout time.Duration
	// ResetDelay is waited after opening the port, before the handshake, for
	// bridges that reset when the port opens.
	ResetDelay time.Duration
}

type serialTransport struct {
	portConfig serial.Config
	options    SerialOptions
	port       *serial.Port
	stream     Transport
}

// NewSerialTransport creates a transport on the named serial port. The port is
// opened by Connect.
func NewSerialTransport(port string, baud int, options SerialOptions) Transport {
	t := new(serialTransport)

	t.portConfig.Name = port
	t.portConfig.Baud = baud
	t.portConfig.ReadTimeout = pollInterval
	t.options = options

	return t
}

func (t *serialTransport) Connect(lvp bool) error {
	var err error
	t.port, err = serial.OpenPort(&t.portConfig)
	if err != nil {
		return &HandshakeError{Err: errors.Wrapf(err, "failed to open %s", t.portConfig.Name)}
	}
	if t.options.ResetDelay > 0 {
		pkgLog.Debugf("waiting %v for the bridge to start", t.options.ResetDelay)
		time.Sleep(t.options.ResetDelay)
	}
	// On Linux with USB serial ports, in order for flush to work properly
	// we need to delay a little before flushing to make sure that any
	// received data has made its way up the driver stack.
	time.Sleep(time.Millisecond * 100)
	t.port.Flush()

	t.stream = NewStreamTransport(t.port, t.options.Timeout)
	if err := t.stream.Connect(lvp); err != nil {
		t.port.Close()
		t.port = nil
		return err
	}
	return nil
}

func (t *serialTransport) Disconnect() error {
	if t.port == nil {
		return nil
	}
	err := t.stream.Disconnect()
	t.port.Flush()
	if cerr := t.port.Close(); err == nil {
		err = cerr
	}
	t.port = nil
	return err
}

func (t *serialTransport) Send(b []byte) error {
	if t.port == nil {
		return &TimeoutError{Op: "send", Want: len(b), Err: errors.New("port not open")}
	}
	return t.stream.Send(b)
}

func (t *serialTransport) RecvExact(n int) ([]byte, error) {
	if t.port == nil {
		return nil, &TimeoutError{Op: "recv", Want: n, Err: errors.New("port not open")}
	}
	return t.stream.RecvExact(n)
}
