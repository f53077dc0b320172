// Package at25 drives the Adesto AT25 family of SPI NOR flash.
package at25

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/siemens-mobile-hacks/flashmem/pkg/clock"
	"github.com/siemens-mobile-hacks/flashmem/pkg/geometry"
	"github.com/siemens-mobile-hacks/flashmem/pkg/memory"
	"github.com/siemens-mobile-hacks/flashmem/pkg/opstate"
	"github.com/siemens-mobile-hacks/flashmem/pkg/parts"
	"github.com/siemens-mobile-hacks/flashmem/pkg/spinor"
	"github.com/siemens-mobile-hacks/flashmem/pkg/transport"
)

// JEDECManufacturer is Adesto's JEDEC vendor code.
const JEDECManufacturer = 0x1F

const (
	defaultPollInterval = time.Millisecond
	defaultAwait        = time.Second
	// maxTransfer bounds a single read frame.
	maxTransfer = 64 * 1024
)

func init() {
	memory.Register(JEDECManufacturer, func(t transport.Transport) memory.Device {
		return New(t)
	})
}

type state int

const (
	closed state = iota
	opened
	failed
)

// Driver is a memory.Device for one AT25 chip.
type Driver struct {
	t            transport.Transport
	table        *parts.Table
	clock        clock.Clock
	log          *log.Entry
	start        int64
	busyTimeout  time.Duration
	pollInterval time.Duration
	ops          *opstate.Tracker

	mu    sync.Mutex
	state state
	part  parts.Part
	props geometry.Properties
}

var _ memory.Device = (*Driver)(nil)

type Option func(*Driver)

// WithParts replaces the built-in part table.
func WithParts(table *parts.Table) Option {
	return func(d *Driver) { d.table = table }
}

func WithClock(c clock.Clock) Option {
	return func(d *Driver) { d.clock = c }
}

// WithStartAddress places the device at a non-zero linear address.
func WithStartAddress(addr int64) Option {
	return func(d *Driver) { d.start = addr }
}

func WithLogger(l *log.Entry) Option {
	return func(d *Driver) { d.log = l }
}

// WithBusyTimeout bounds how long any erase or program may keep the chip
// busy. By default the part's datasheet maximum is used.
func WithBusyTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.busyTimeout = timeout }
}

// WithPollInterval sets how often the status register is read while busy.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Driver) { d.pollInterval = interval }
}

// New returns an unopened driver talking over t.
func New(t transport.Transport, opts ...Option) *Driver {
	d := &Driver{
		t:            t,
		clock:        clock.System,
		pollInterval: defaultPollInterval,
		ops:          opstate.NewTracker(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.table == nil {
		d.table = parts.Builtin()
	}
	if d.log == nil {
		d.log = log.WithField("component", "at25")
	}
	return d
}

// Open reads the chip identity and loads its geometry. On an open device it
// re-reads the identity and fails if the chip was swapped. A failed identity
// check sticks until Close.
func (d *Driver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == failed {
		return fmt.Errorf("previous identity check failed, close the device first: %w", memory.ErrIdentity)
	}

	id, err := spinor.ReadJEDEC(d.t)
	if err != nil {
		return fmt.Errorf("%w: %v", memory.ErrFail, err)
	}

	if d.state == opened {
		if id != d.props.JEDEC {
			d.state = failed
			return fmt.Errorf("chip changed from 0x%06X to 0x%06X: %w", d.props.JEDEC, id, memory.ErrIdentity)
		}
		return nil
	}

	if byte(id>>16) != JEDECManufacturer {
		d.state = failed
		return fmt.Errorf("manufacturer 0x%02X is not Adesto (ID 0x%06X): %w", byte(id>>16), id, memory.ErrIdentity)
	}
	part, ok := d.table.Lookup(id)
	if !ok {
		d.state = failed
		return fmt.Errorf("unknown Adesto part 0x%06X: %w", id, memory.ErrIdentity)
	}
	props := part.Properties(d.start)
	if err := props.Validate(); err != nil {
		d.state = failed
		return fmt.Errorf("%w: %v", memory.ErrFail, err)
	}

	d.part = part
	d.props = props
	d.state = opened
	d.ops.Reset()
	d.log.Infof("Opened %s (JEDEC 0x%06X), %d KB at 0x%X", part.Name, id, props.Size()/1024, props.StartAddress)
	return nil
}

// Close drops the write-enable latch and forgets any unconsumed completion.
// It does not wait for an erase or program in flight.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case closed:
		return nil
	case opened:
		if err := transport.Command(d.t, defaultAwait, spinor.CmdWriteDisable); err != nil {
			d.log.Warnf("Cannot clear write enable on close: %v", err)
		}
	}
	d.state = closed
	d.ops.Reset()
	return nil
}

func (d *Driver) DeviceProperties() geometry.Properties {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props
}

// Part returns the part the driver identified.
func (d *Driver) Part() (parts.Part, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.part, d.state == opened
}

// Busy reports whether an erase or program is still running.
func (d *Driver) Busy() bool {
	return d.ops.Busy()
}

func (d *Driver) openedProps() (parts.Part, geometry.Properties, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case opened:
		return d.part, d.props, nil
	case failed:
		return parts.Part{}, geometry.Properties{}, memory.ErrIdentity
	}
	return parts.Part{}, geometry.Properties{}, memory.ErrNotOpen
}

// Read is performed on the calling goroutine. It still goes through the
// operation tracker, so it fails while an erase or program is pending and
// latches ReadComplete when done.
func (d *Driver) Read(addr int64, buf []byte) error {
	_, props, err := d.openedProps()
	if err != nil {
		return err
	}
	length := int64(len(buf))
	if !geometry.Contains(props, addr, length) {
		return fmt.Errorf("read of 0x%X bytes at 0x%X outside [0x%X, 0x%X]: %w", length, addr, props.StartAddress, props.EndAddress, memory.ErrBadArg)
	}

	rec, err := d.ops.Begin(opstate.Read, addr, length)
	if err != nil {
		return err
	}
	phys := addr - props.StartAddress
	for off := int64(0); off < length && err == nil; off += maxTransfer {
		end := min(off+maxTransfer, length)
		err = transport.Query(d.t, spinor.Addressed(spinor.CmdRead, phys+off), buf[off:end])
	}
	d.ops.Complete(rec.ID, err)
	if err != nil {
		return fmt.Errorf("%w: read at 0x%X: %v", memory.ErrFail, addr, err)
	}
	return nil
}

// Write programs buf into one page. A range that crosses a page boundary is
// rejected rather than wrapped. buf is copied before Write returns.
func (d *Driver) Write(addr int64, buf []byte) error {
	part, props, err := d.openedProps()
	if err != nil {
		return err
	}
	length := int64(len(buf))
	if !geometry.Contains(props, addr, length) {
		return fmt.Errorf("write of 0x%X bytes at 0x%X outside [0x%X, 0x%X]: %w", length, addr, props.StartAddress, props.EndAddress, memory.ErrBadArg)
	}
	phys := addr - props.StartAddress
	if phys%props.PageSize+length > props.PageSize {
		return fmt.Errorf("write of 0x%X bytes at 0x%X crosses a 0x%X byte page boundary: %w", length, addr, props.PageSize, memory.ErrBadArg)
	}

	rec, err := d.ops.Begin(opstate.Write, addr, length)
	if err != nil {
		return err
	}
	data := append([]byte(nil), buf...)
	d.run(rec, func() error {
		cmd := append(spinor.Addressed(spinor.CmdPageProgram, phys), data...)
		return d.modify(cmd, d.busyLimit(part.Timing.PageProgram))
	})
	return nil
}

// Erase erases [addr, addr+length). The coarsest supported granularity that
// both ends are aligned to is used; a range covering the device becomes a
// chip erase.
func (d *Driver) Erase(addr, length int64) error {
	part, props, err := d.openedProps()
	if err != nil {
		return err
	}
	if !geometry.Contains(props, addr, length) {
		return fmt.Errorf("erase of 0x%X bytes at 0x%X outside [0x%X, 0x%X]: %w", length, addr, props.StartAddress, props.EndAddress, memory.ErrBadArg)
	}
	if addr == props.StartAddress && length == props.Size() && props.EraseChunks.Has(geometry.Chip) {
		return d.EraseChip()
	}

	chunk, ok := eraseGranularity(props, addr, length)
	if !ok {
		return fmt.Errorf("erase of 0x%X bytes at 0x%X is not aligned to any of %s: %w", length, addr, props.EraseChunks, memory.ErrBadArg)
	}
	op, _ := part.EraseOpcode(chunk)
	size := geometry.ChunkSize(props, chunk)
	limit := d.busyLimit(part.EraseTime(chunk))

	rec, err := d.ops.Begin(opstate.Erase, addr, length)
	if err != nil {
		return err
	}
	phys := addr - props.StartAddress
	d.run(rec, func() error {
		for off := int64(0); off < length; off += size {
			if err := d.modify(spinor.Addressed(op, phys+off), limit); err != nil {
				return fmt.Errorf("%s erase at 0x%X: %w", chunk, addr+off, err)
			}
		}
		return nil
	})
	return nil
}

func eraseGranularity(props geometry.Properties, addr, length int64) (geometry.Chunk, bool) {
	for _, c := range []geometry.Chunk{geometry.Sector, geometry.Block, geometry.Page} {
		size := geometry.ChunkSize(props, c)
		if props.EraseChunks.Has(c) && geometry.Aligned(props, c, addr) && length%size == 0 {
			return c, true
		}
	}
	return 0, false
}

func (d *Driver) EraseChunk(c geometry.Chunk, idx int) error {
	_, props, err := d.openedProps()
	if err != nil {
		return err
	}
	addr, err := geometry.ChunkStartAddress(props, c, idx)
	if err != nil {
		return fmt.Errorf("%v: %w", err, memory.ErrBadArg)
	}
	if c == geometry.Chip {
		return d.EraseChip()
	}
	if !props.EraseChunks.Has(c) {
		return fmt.Errorf("device cannot erase a single %s: %w", c, memory.ErrBadArg)
	}
	return d.Erase(addr, geometry.ChunkSize(props, c))
}

func (d *Driver) EraseChip() error {
	part, props, err := d.openedProps()
	if err != nil {
		return err
	}
	op, ok := part.EraseOpcode(geometry.Chip)
	if !ok {
		op = spinor.CmdChipEraseAlt
	}
	rec, err := d.ops.Begin(opstate.EraseChip, props.StartAddress, props.Size())
	if err != nil {
		return err
	}
	limit := d.busyLimit(part.EraseTime(geometry.Chip))
	d.run(rec, func() error {
		return d.modify([]byte{op}, limit)
	})
	return nil
}

func (d *Driver) PendEvent(ev memory.Event, timeout time.Duration) error {
	if _, _, err := d.openedProps(); err != nil {
		return err
	}
	return d.ops.Pend(ev, timeout)
}

// run finishes rec on its own goroutine, the way an interrupt would.
func (d *Driver) run(rec *opstate.Record, fn func() error) {
	entry := d.log.WithFields(log.Fields{
		"op":   rec.ID.String(),
		"kind": rec.Kind.String(),
		"addr": fmt.Sprintf("0x%X", rec.Address),
		"len":  rec.Length,
	})
	entry.Debug("Issued")
	go func() {
		start := d.clock.Now()
		err := fn()
		if !d.ops.Complete(rec.ID, err) {
			entry.Warn("Completion dropped, the device was closed")
			return
		}
		if err != nil {
			entry.WithError(err).Error("Failed")
			return
		}
		entry.WithField("took", d.clock.Now().Sub(start)).Debug("Completed")
	}()
}

// modify sets the write-enable latch, sends cmd and waits until the chip
// is ready again.
func (d *Driver) modify(cmd []byte, limit time.Duration) error {
	if err := transport.Command(d.t, defaultAwait, spinor.CmdWriteEnable); err != nil {
		return err
	}
	if err := transport.Command(d.t, defaultAwait, cmd...); err != nil {
		return err
	}
	return d.waitReady(limit)
}

var errProgramErase = errors.New("chip reported an erase/program error")

func (d *Driver) waitReady(limit time.Duration) error {
	deadline := d.clock.Now().Add(limit)
	for {
		sr, err := spinor.ReadStatus(d.t)
		if err != nil {
			return err
		}
		if sr&spinor.StatusBusy == 0 {
			if sr&spinor.StatusEraseFail != 0 {
				return errProgramErase
			}
			return nil
		}
		if d.clock.Now().After(deadline) {
			return fmt.Errorf("chip still busy after %v", limit)
		}
		d.clock.Sleep(d.pollInterval)
	}
}

// busyLimit is the longest a single command may keep the chip busy.
func (d *Driver) busyLimit(datasheetMax time.Duration) time.Duration {
	if d.busyTimeout > 0 {
		return d.busyTimeout
	}
	return 2*datasheetMax + 10*time.Millisecond
}
