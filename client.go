package picprog

import (
	"github.com/pkg/errors"
)

// Client issues bridge commands over a Transport. Each call is one
// request/reply exchange.
type Client struct {
	transport Transport
}

// NewClient creates a client using the given transport.
func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// Connect performs the handshake, in LVP mode if lvp is set.
func (c *Client) Connect(lvp bool) error {
	return c.transport.Connect(lvp)
}

// Disconnect ends the programming session.
func (c *Client) Disconnect() error {
	return c.transport.Disconnect()
}

// expectOK reads the single reply byte of a write or erase command.
func (c *Client) expectOK(op string, f Frame) error {
	if err := c.transport.Send(f.Bytes()); err != nil {
		return errors.Wrapf(err, "%s", f)
	}
	reply, err := c.transport.RecvExact(1)
	if err != nil {
		return errors.Wrapf(err, "%s", f)
	}
	if reply[0] != ReplyOK {
		return &WriteRejectedError{Op: op, Address: f.Address, Reply: reply[0]}
	}
	return nil
}

// WriteBlock writes words starting at address. The bridge erases the row and
// programs it before replying.
func (c *Client) WriteBlock(address uint16, words []uint16) error {
	return c.expectOK("write", NewWriteFrame(address, words))
}

// ReadBlock reads length words starting at address.
func (c *Client) ReadBlock(address, length uint16) ([]uint16, error) {
	f := NewReadFrame(address, length)
	if err := c.transport.Send(f.Bytes()); err != nil {
		return nil, &ReadFailureError{Address: address, Want: f.ResponseLength(), Err: err}
	}
	resp, err := c.transport.RecvExact(f.ResponseLength())
	if err != nil {
		if len(resp) == 0 {
			pkgLog.Warnf("read at %04X: no response (0 of %d bytes)", address, f.ResponseLength())
		} else {
			pkgLog.Warnf("read at %04X: link out of sync (%d of %d bytes)", address, len(resp), f.ResponseLength())
		}
		return nil, &ReadFailureError{Address: address, Want: f.ResponseLength(), Got: len(resp), Err: err}
	}
	return BytesToWords(resp), nil
}

// EraseRow erases the row containing address. Alignment to the row boundary
// is left to the device.
func (c *Client) EraseRow(address uint16) error {
	return c.expectOK("erase row", NewEraseRowFrame(address))
}

// BulkErase erases the whole program memory. The address is passed through
// uninterpreted; BulkEraseAddress is the conventional value.
func (c *Client) BulkErase(address uint16) error {
	return c.expectOK("bulk erase", NewBulkEraseFrame(address))
}
