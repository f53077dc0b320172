// Package geometry describes the physical layout of a flash device and the
// address arithmetic shared by drivers and the layers built on top of them.
package geometry

import (
	"errors"
	"fmt"
	"strings"
)

// ErasedByte is the value every byte of a NOR flash reads back as after erase.
const ErasedByte = 0xFF

// ErrOutOfRange is returned when a chunk index or address lies outside the device.
var ErrOutOfRange = errors.New("out of range")

// Chunk is a granularity of addressable memory.
type Chunk uint8

const (
	Page Chunk = iota
	Block
	Sector
	Chip
)

var chunkNames = [...]string{
	Page:   "page",
	Block:  "block",
	Sector: "sector",
	Chip:   "chip",
}

func (c Chunk) String() string {
	if int(c) < len(chunkNames) {
		return chunkNames[c]
	}
	return fmt.Sprintf("chunk(%d)", uint8(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c Chunk) MarshalText() ([]byte, error) {
	if int(c) >= len(chunkNames) {
		return nil, fmt.Errorf("unknown chunk %d", uint8(c))
	}
	return []byte(chunkNames[c]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Chunk) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range chunkNames {
		if n == name {
			*c = Chunk(i)
			return nil
		}
	}
	return fmt.Errorf("unknown chunk %q", string(text))
}

// ChunkSet is a set of chunk granularities.
type ChunkSet uint8

// ChunksOf builds a set from the given granularities.
func ChunksOf(chunks ...Chunk) ChunkSet {
	var s ChunkSet
	for _, c := range chunks {
		s = s.With(c)
	}
	return s
}

func (s ChunkSet) With(c Chunk) ChunkSet {
	return s | 1<<c
}

func (s ChunkSet) Has(c Chunk) bool {
	return s&(1<<c) != 0
}

// Chunks lists the members from the finest granularity to the coarsest.
func (s ChunkSet) Chunks() []Chunk {
	var out []Chunk
	for c := Page; c <= Chip; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s ChunkSet) String() string {
	names := []string{}
	for _, c := range s.Chunks() {
		names = append(names, c.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Properties is the static description of a device. It is established when
// the device is opened and never changes afterwards.
type Properties struct {
	// JEDEC holds manufacturer<<16 | memory type<<8 | capacity.
	JEDEC uint32

	PageSize   int64
	NumPages   int
	BlockSize  int64
	NumBlocks  int
	SectorSize int64
	NumSectors int

	// EraseChunk is the preferred erase granularity, EraseChunks every
	// granularity the device can erase at.
	EraseChunk  Chunk
	EraseChunks ChunkSet

	StartAddress int64
	EndAddress   int64
}

// Manufacturer returns the JEDEC vendor byte.
func (p Properties) Manufacturer() uint8 {
	return uint8(p.JEDEC >> 16)
}

// Size is the number of addressable bytes.
func (p Properties) Size() int64 {
	return p.EndAddress - p.StartAddress + 1
}

// Validate checks that every granularity tiles the same address range and
// that pages nest in blocks and blocks in sectors.
func (p Properties) Validate() error {
	if p.PageSize <= 0 || p.NumPages <= 0 || p.BlockSize <= 0 || p.NumBlocks <= 0 ||
		p.SectorSize <= 0 || p.NumSectors <= 0 {
		return fmt.Errorf("geometry has non-positive sizes: %+v", p)
	}
	if p.EndAddress < p.StartAddress {
		return fmt.Errorf("end address 0x%X is below start address 0x%X", p.EndAddress, p.StartAddress)
	}
	size := p.Size()
	for _, c := range []Chunk{Page, Block, Sector} {
		if got := ChunkSize(p, c) * int64(ChunkCount(p, c)); got != size {
			return fmt.Errorf("%d %ss of 0x%X bytes cover 0x%X bytes, want 0x%X", ChunkCount(p, c), c, ChunkSize(p, c), got, size)
		}
	}
	if p.BlockSize%p.PageSize != 0 {
		return fmt.Errorf("block of 0x%X bytes is not a whole number of 0x%X byte pages", p.BlockSize, p.PageSize)
	}
	if p.SectorSize%p.BlockSize != 0 {
		return fmt.Errorf("sector of 0x%X bytes is not a whole number of 0x%X byte blocks", p.SectorSize, p.BlockSize)
	}
	if !p.EraseChunks.Has(p.EraseChunk) {
		return fmt.Errorf("preferred erase chunk %s not in supported set %s", p.EraseChunk, p.EraseChunks)
	}
	return nil
}

// ChunkSize returns the size in bytes of one chunk of the given granularity.
func ChunkSize(p Properties, c Chunk) int64 {
	switch c {
	case Page:
		return p.PageSize
	case Block:
		return p.BlockSize
	case Sector:
		return p.SectorSize
	case Chip:
		return p.Size()
	}
	return 0
}

// ChunkCount returns how many chunks of the given granularity the device has.
func ChunkCount(p Properties, c Chunk) int {
	switch c {
	case Page:
		return p.NumPages
	case Block:
		return p.NumBlocks
	case Sector:
		return p.NumSectors
	case Chip:
		return 1
	}
	return 0
}

// ChunkStartAddress returns the first address of chunk idx.
func ChunkStartAddress(p Properties, c Chunk, idx int) (int64, error) {
	if idx < 0 || idx >= ChunkCount(p, c) {
		return -1, fmt.Errorf("%s index %d: %w [0, %d)", c, idx, ErrOutOfRange, ChunkCount(p, c))
	}
	return p.StartAddress + int64(idx)*ChunkSize(p, c), nil
}

// MustChunkStartAddress is like ChunkStartAddress but panics on a bad index.
// Use it where the index is known to be valid by construction.
func MustChunkStartAddress(p Properties, c Chunk, idx int) int64 {
	addr, err := ChunkStartAddress(p, c, idx)
	if err != nil {
		panic(err)
	}
	return addr
}

// ChunkIndex returns the index of the chunk that contains addr.
func ChunkIndex(p Properties, c Chunk, addr int64) (int, error) {
	if addr < p.StartAddress || addr > p.EndAddress {
		return -1, fmt.Errorf("addr 0x%X: %w [0x%X, 0x%X]", addr, ErrOutOfRange, p.StartAddress, p.EndAddress)
	}
	size := ChunkSize(p, c)
	if size <= 0 {
		return -1, fmt.Errorf("no %s size in geometry", c)
	}
	return int((addr - p.StartAddress) / size), nil
}

// ConvertIndex maps chunk idx of granularity from to the index of the
// granularity to chunk that contains its first byte, e.g. the block a page
// falls within.
func ConvertIndex(p Properties, from Chunk, idx int, to Chunk) (int, error) {
	addr, err := ChunkStartAddress(p, from, idx)
	if err != nil {
		return -1, err
	}
	return ChunkIndex(p, to, addr)
}

// Aligned reports whether addr is on a chunk boundary.
func Aligned(p Properties, c Chunk, addr int64) bool {
	size := ChunkSize(p, c)
	return size > 0 && (addr-p.StartAddress)%size == 0
}

// Contains reports whether [addr, addr+length) is a non-empty range inside
// the device.
func Contains(p Properties, addr, length int64) bool {
	return length > 0 && addr >= p.StartAddress && addr <= p.EndAddress && length <= p.EndAddress-addr+1
}

// String implements Stringer interface.
func (p Properties) String() string {
	info := fmt.Sprintf("JEDEC 0x%06X, total size: %d KB\n", p.JEDEC, p.Size()/1024)
	info += fmt.Sprintf("start addr 0x%X, end addr 0x%X; erase %s of %s\n", p.StartAddress, p.EndAddress, p.EraseChunk, p.EraseChunks)
	for _, c := range []Chunk{Page, Block, Sector} {
		info += fmt.Sprintf("  %-6s %6d x 0x%X\n", c.String()+":", ChunkCount(p, c), ChunkSize(p, c))
	}
	return info
}
