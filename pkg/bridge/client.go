package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tarm/serial"
	"golang.org/x/exp/io/spi/driver"
)

// Client is a driver.Conn whose chip sits at the other end of a stream.
type Client struct {
	name string
	rwc  io.ReadWriteCloser

	mu  sync.Mutex
	enc *cbor.Encoder
	dec *cbor.Decoder
}

var _ driver.Conn = (*Client)(nil)

// NewClient performs the handshake on rwc and returns a ready connection.
// rwc is closed if the handshake fails.
func NewClient(name string, rwc io.ReadWriteCloser) (*Client, error) {
	if err := handshake(rwc); err != nil {
		rwc.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &Client{
		name: name,
		rwc:  rwc,
		enc:  newEncoder(rwc),
		dec:  newDecoder(rwc),
	}, nil
}

func handshake(rw io.ReadWriter) error {
	if _, err := rw.Write([]byte{ping}); err != nil {
		return fmt.Errorf("cannot send ping: %v", err)
	}
	reply := []byte{0x00}
	if _, err := io.ReadFull(rw, reply); err != nil {
		return fmt.Errorf("cannot read ping reply: %v", err)
	}
	if reply[0] != pong {
		return fmt.Errorf("unknown ping reply %X", reply[0])
	}
	return nil
}

// DialUnix connects to a server listening on a unix socket.
func DialUnix(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %q: %v", path, err)
	}
	return NewClient(fmt.Sprintf("bridge on %q", path), conn)
}

// DialSerial opens a serial port with a bridge firmware on the other end.
func DialSerial(name string, baud int) (*Client, error) {
	serialPortConfig := &serial.Config{Name: name, Baud: baud, ReadTimeout: 5 * time.Second}
	serialPort, err := serial.OpenPort(serialPortConfig)
	if err != nil {
		return nil, fmt.Errorf("cannot open serial port %q: %v", name, err)
	}
	return NewClient(fmt.Sprintf("bridge at %q", name), serialPort)
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) roundTrip(req request) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp response
	if err := c.enc.Encode(req); err != nil {
		return resp, fmt.Errorf("cannot send %v request: %v", req.Op, err)
	}
	if err := c.dec.Decode(&resp); err != nil {
		return resp, fmt.Errorf("cannot read %v response: %v", req.Op, err)
	}
	if resp.Err != "" {
		return resp, errors.New(resp.Err)
	}
	return resp, nil
}

func (c *Client) Configure(k, v int) error {
	_, err := c.roundTrip(request{Op: opConfigure, Key: k, Value: v})
	return err
}

func (c *Client) Transfer(tx, rx []byte, delay time.Duration) error {
	resp, err := c.roundTrip(request{Op: opTransfer, Tx: tx, RxLen: len(rx), Delay: delay})
	if err != nil {
		return err
	}
	if len(resp.Rx) != len(rx) {
		return fmt.Errorf("got %d bytes back, want %d", len(resp.Rx), len(rx))
	}
	copy(rx, resp.Rx)
	return nil
}

func (c *Client) Close() error {
	return c.rwc.Close()
}
