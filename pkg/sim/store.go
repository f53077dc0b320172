package sim

import (
	"fmt"
	"io"
	"os"

	"github.com/siemens-mobile-hacks/flashmem/pkg/geometry"
)

// Store is the cell array behind a simulated chip.
type Store interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	Close() error
}

// Memory is a RAM store.
type Memory struct {
	cells []byte
}

// NewMemory returns size erased bytes.
func NewMemory(size int64) *Memory {
	m := &Memory{cells: make([]byte, size)}
	for i := range m.cells {
		m.cells[i] = geometry.ErasedByte
	}
	return m
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.cells)) {
		return 0, fmt.Errorf("region [0x%x, 0x%x] out of bounds (max addr %x)", off, off+int64(len(p))-1, len(m.cells))
	}
	return copy(p, m.cells[off:]), nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.cells)) {
		return 0, fmt.Errorf("region [0x%x, 0x%x] out of bounds (max addr %x)", off, off+int64(len(p))-1, len(m.cells))
	}
	return copy(m.cells[off:], p), nil
}

func (m *Memory) Size() int64  { return int64(len(m.cells)) }
func (m *Memory) Close() error { return nil }

// Image is a store backed by a raw flash dump on disk.
type Image struct {
	file     *os.File
	fileName string
	fileSize int64
}

// OpenImage opens a flash dump of exactly size bytes. If the file does not
// exist and create is set, it is created in the erased state.
func OpenImage(path string, size int64, create bool) (*Image, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}

	fileStat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	switch {
	case fileStat.Size() == 0 && create:
		if err := fillErased(f, size); err != nil {
			f.Close()
			return nil, fmt.Errorf("cannot initialize %q: %w", path, err)
		}
	case fileStat.Size() != size:
		f.Close()
		return nil, fmt.Errorf("flash image %q is %d bytes, want %d", path, fileStat.Size(), size)
	}

	return &Image{file: f, fileName: path, fileSize: size}, nil
}

func fillErased(f *os.File, size int64) error {
	buf := make([]byte, 64*1024)
	for i := range buf {
		buf[i] = geometry.ErasedByte
	}
	for off := int64(0); off < size; off += int64(len(buf)) {
		n := min(int64(len(buf)), size-off)
		if _, err := f.WriteAt(buf[:n], off); err != nil {
			return err
		}
	}
	return nil
}

func (img *Image) Name() string {
	return fmt.Sprintf("Flash image file %q", img.fileName)
}

func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	if img.file == nil {
		return 0, fmt.Errorf("image %q is closed", img.fileName)
	}
	if off < 0 || off+int64(len(p)) > img.fileSize {
		return 0, fmt.Errorf("region [0x%x, 0x%x] out of bounds (max addr %x)", off, off+int64(len(p))-1, img.fileSize)
	}
	n, err := img.file.ReadAt(p, off)
	if err != nil {
		return n, fmt.Errorf("cannot read %d bytes: %v", len(p), err)
	}
	return n, nil
}

func (img *Image) WriteAt(p []byte, off int64) (int, error) {
	if img.file == nil {
		return 0, fmt.Errorf("image %q is closed", img.fileName)
	}
	if off < 0 || off+int64(len(p)) > img.fileSize {
		return 0, fmt.Errorf("region [0x%x, 0x%x] out of bounds (max addr %x)", off, off+int64(len(p))-1, img.fileSize)
	}
	n, err := img.file.WriteAt(p, off)
	if err != nil {
		return n, fmt.Errorf("cannot write %d bytes: %v", len(p), err)
	}
	return n, nil
}

func (img *Image) Size() int64 {
	return img.fileSize
}

func (img *Image) Close() error {
	if img.file == nil {
		return nil
	}
	if err := img.file.Close(); err != nil {
		return err
	}
	img.file = nil
	return nil
}
