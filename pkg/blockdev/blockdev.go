// Package blockdev presents a memory.Device as a flat byte array with
// explicit erase, the shape filesystems and patchers expect. Offsets are
// relative to the start of the device.
package blockdev

import (
	"bytes"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/siemens-mobile-hacks/flashmem/pkg/geometry"
	"github.com/siemens-mobile-hacks/flashmem/pkg/memory"
)

type Device struct {
	dev     memory.Device
	props   geometry.Properties
	unit    int64
	timeout time.Duration
	log     *log.Entry
}

type Option func(*Device)

// WithTimeout bounds every pend. The default waits as long as it takes.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Device) { d.timeout = timeout }
}

func WithLogger(l *log.Entry) Option {
	return func(d *Device) { d.log = l }
}

// New wraps an open device.
func New(dev memory.Device, opts ...Option) (*Device, error) {
	props := dev.DeviceProperties()
	if err := props.Validate(); err != nil {
		return nil, fmt.Errorf("device is not usable as a block device (is it open?): %w", err)
	}
	d := &Device{
		dev:     dev,
		props:   props,
		unit:    geometry.ChunkSize(props, props.EraseChunk),
		timeout: memory.TimeoutBlock,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = log.WithField("component", "blockdev")
	}
	return d, nil
}

func (d *Device) Size() int64 {
	return d.props.Size()
}

// WriteBlockSize is the largest write the device takes in one go.
func (d *Device) WriteBlockSize() int64 {
	return d.props.PageSize
}

// EraseBlockSize is the unit EraseBlocks and Rewrite work in.
func (d *Device) EraseBlockSize() int64 {
	return d.unit
}

// ParamsForAddr returns the erase unit that holds off.
func (d *Device) ParamsForAddr(off int64) (baseAddr, size int64, err error) {
	if off < 0 || off >= d.Size() {
		return -1, -1, fmt.Errorf("offset 0x%X is out of bounds [0, 0x%X)", off, d.Size())
	}
	return off - off%d.unit, d.unit, nil
}

// ReadAt implements io.ReaderAt.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset 0x%X: %w", off, memory.ErrBadArg)
	}
	if off >= d.Size() {
		return 0, io.EOF
	}
	n := min(int64(len(p)), d.Size()-off)
	if n > 0 {
		if err := d.dev.Read(d.props.StartAddress+off, p[:n]); err != nil {
			return 0, err
		}
	}
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// WriteAt implements io.WriterAt. The range must have been erased; p is
// split on page boundaries and each page is programmed to completion.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int64(len(p)) > d.Size()-off {
		return 0, fmt.Errorf("write of 0x%X bytes at 0x%X does not fit 0x%X bytes: %w", len(p), off, d.Size(), memory.ErrBadArg)
	}
	written := 0
	for written < len(p) {
		pos := off + int64(written)
		n := min(d.props.PageSize-pos%d.props.PageSize, int64(len(p)-written))
		if err := d.program(pos, p[written:written+int(n)]); err != nil {
			return written, err
		}
		written += int(n)
	}
	return written, nil
}

func (d *Device) program(off int64, page []byte) error {
	if err := d.dev.Write(d.props.StartAddress+off, page); err != nil {
		return err
	}
	return d.dev.PendEvent(memory.WriteComplete, d.timeout)
}

// EraseBlocks erases n erase units starting with unit start.
func (d *Device) EraseBlocks(start, n int) error {
	count := geometry.ChunkCount(d.props, d.props.EraseChunk)
	if start < 0 || n <= 0 || start+n > count {
		return fmt.Errorf("cannot erase units [%d, %d) of %d: %w", start, start+n, count, memory.ErrBadArg)
	}
	addr := geometry.MustChunkStartAddress(d.props, d.props.EraseChunk, start)
	if err := d.dev.Erase(addr, int64(n)*d.unit); err != nil {
		return err
	}
	return d.dev.PendEvent(memory.EraseComplete, d.timeout)
}

// Rewrite stores data at off whatever was there before. Every erase unit the
// range touches is read, merged and written back. Units that only need bits
// cleared are programmed in place; the rest are erased first.
func (d *Device) Rewrite(off int64, data []byte) error {
	if off < 0 || int64(len(data)) > d.Size()-off {
		return fmt.Errorf("rewrite of 0x%X bytes at 0x%X does not fit 0x%X bytes: %w", len(data), off, d.Size(), memory.ErrBadArg)
	}
	end := off + int64(len(data))
	for base := off - off%d.unit; base < end; base += d.unit {
		old := make([]byte, d.unit)
		if _, err := d.ReadAt(old, base); err != nil {
			return fmt.Errorf("cannot read unit @ %08X: %w", base, err)
		}
		merged := append([]byte(nil), old...)
		from := max(off, base)
		to := min(end, base+d.unit)
		copy(merged[from-base:to-base], data[from-off:to-off])

		if err := d.rewriteUnit(base, old, merged); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) rewriteUnit(base int64, old, merged []byte) error {
	if bytes.Equal(old, merged) {
		d.log.Debugf("Unit @ %08X unchanged", base)
		return nil
	}
	erase := false
	for i := range old {
		if merged[i]&^old[i] != 0 {
			erase = true
			break
		}
	}
	if erase {
		d.log.Debugf("Erasing unit @ %08X", base)
		if err := d.EraseBlocks(int(base/d.unit), 1); err != nil {
			return err
		}
		for i := range old {
			old[i] = geometry.ErasedByte
		}
	}

	for page := int64(0); page < d.unit; page += d.props.PageSize {
		want := merged[page : page+d.props.PageSize]
		if bytes.Equal(want, old[page:page+d.props.PageSize]) {
			continue
		}
		if err := d.program(base+page, want); err != nil {
			return fmt.Errorf("cannot program page @ %08X: %w", base+page, err)
		}
	}
	return nil
}
