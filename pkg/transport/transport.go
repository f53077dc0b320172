// Package transport is the bus a flash driver talks to its chip through.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// Event names a transport-level completion.
type Event int

const (
	// TransferComplete fires when the bytes queued in the last locked
	// section have been clocked out.
	TransferComplete Event = iota
)

func (e Event) String() string {
	if e == TransferComplete {
		return "TRANSFER_COMPLETE"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

var (
	ErrClosed  = errors.New("transport closed")
	ErrTimeout = errors.New("transport timeout")
)

// Transport gives scoped exclusive access to a chip. Everything written and
// read between Lock and Unlock belongs to one chip-select frame. Its lifetime
// is owned by whoever opened the bus, not by the driver using it.
type Transport interface {
	Lock()
	Unlock()
	Write(p []byte) error
	Read(p []byte) error
	// Await waits for a transport event and returns the result of the
	// transfer it belongs to.
	Await(ev Event, timeout time.Duration) error
}

// Command runs a write-only frame and waits for it to complete.
func Command(t Transport, timeout time.Duration, tx ...byte) error {
	t.Lock()
	err := t.Write(tx)
	t.Unlock()
	if err != nil {
		return err
	}
	return t.Await(TransferComplete, timeout)
}

// Query writes tx and reads len(rx) bytes back within one frame.
func Query(t Transport, tx, rx []byte) error {
	t.Lock()
	defer t.Unlock()
	if err := t.Write(tx); err != nil {
		return err
	}
	return t.Read(rx)
}
