package transport

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/io/spi/driver"
)

// SPI adapts a full-duplex driver.Conn to Transport. Writes are queued while
// the bus is locked; a Read clocks the queued bytes and the read in a single
// transfer, and Unlock flushes whatever is still queued.
type SPI struct {
	conn  driver.Conn
	delay time.Duration

	mu      sync.Mutex
	pending []byte

	resMu  sync.Mutex
	result error
	closed bool
}

// NewSPI wraps conn. delay is inserted after each transfer.
func NewSPI(conn driver.Conn, delay time.Duration) *SPI {
	return &SPI{conn: conn, delay: delay}
}

// Configure sets the SPI mode (0-3) and the maximum clock speed.
func (s *SPI) Configure(mode, speedHz int) error {
	if err := s.conn.Configure(driver.Mode, mode); err != nil {
		return fmt.Errorf("cannot set SPI mode %d: %w", mode, err)
	}
	if err := s.conn.Configure(driver.Bits, 8); err != nil {
		return fmt.Errorf("cannot set 8 bits per word: %w", err)
	}
	if err := s.conn.Configure(driver.Speed, speedHz); err != nil {
		return fmt.Errorf("cannot set speed to %d Hz: %w", speedHz, err)
	}
	return nil
}

func (s *SPI) Lock() {
	s.mu.Lock()
	s.pending = s.pending[:0]
}

func (s *SPI) Unlock() {
	if len(s.pending) > 0 {
		err := s.transfer(s.pending, nil)
		s.pending = s.pending[:0]
		s.setResult(err)
	}
	s.mu.Unlock()
}

// setResult records the outcome of a flushed frame. A failure stays until
// Await reports it, so a frame that follows on another goroutine cannot hide
// it.
func (s *SPI) setResult(err error) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if s.result == nil {
		s.result = err
	}
}

func (s *SPI) Write(p []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.pending = append(s.pending, p...)
	return nil
}

func (s *SPI) Read(p []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.transfer(s.pending, p)
	s.pending = s.pending[:0]
	return err
}

// Await returns the first flush failure since the previous Await, or nil.
// Transfers are synchronous, so it never has to wait.
func (s *SPI) Await(ev Event, _ time.Duration) error {
	if ev != TransferComplete {
		return fmt.Errorf("unsupported transport event %v", ev)
	}
	s.resMu.Lock()
	defer s.resMu.Unlock()
	err := s.result
	s.result = nil
	return err
}

// Close closes the underlying connection. Later transfers fail with ErrClosed.
func (s *SPI) Close() error {
	s.resMu.Lock()
	if s.closed {
		s.resMu.Unlock()
		return nil
	}
	s.closed = true
	s.resMu.Unlock()
	return s.conn.Close()
}

func (s *SPI) isClosed() bool {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	return s.closed
}

// transfer sends head followed by len(tail) filler bytes and copies what was
// received during the filler into tail.
func (s *SPI) transfer(head, tail []byte) error {
	tx := make([]byte, len(head)+len(tail))
	copy(tx, head)
	for i := len(head); i < len(tx); i++ {
		tx[i] = 0xFF
	}
	rx := make([]byte, len(tx))
	if err := s.conn.Transfer(tx, rx, s.delay); err != nil {
		return fmt.Errorf("cannot transfer %d bytes: %w", len(tx), err)
	}
	copy(tail, rx[len(head):])
	return nil
}
