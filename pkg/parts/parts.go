// Package parts is the per-part source of device properties, loaded at Open
// time once the chip identity is known.
package parts

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siemens-mobile-hacks/flashmem/pkg/geometry"
	"github.com/siemens-mobile-hacks/flashmem/pkg/spinor"
)

//go:embed parts.yaml
var builtinYAML []byte

type Opcodes struct {
	PageErase   byte `yaml:"page_erase,omitempty"`
	BlockErase  byte `yaml:"block_erase,omitempty"`
	SectorErase byte `yaml:"sector_erase,omitempty"`
	ChipErase   byte `yaml:"chip_erase,omitempty"`
}

// Timing holds worst-case busy times.
type Timing struct {
	PageProgram time.Duration `yaml:"page_program,omitempty"`
	PageErase   time.Duration `yaml:"page_erase,omitempty"`
	BlockErase  time.Duration `yaml:"block_erase,omitempty"`
	SectorErase time.Duration `yaml:"sector_erase,omitempty"`
	ChipErase   time.Duration `yaml:"chip_erase,omitempty"`
}

type Part struct {
	Name        string           `yaml:"name"`
	JEDEC       uint32           `yaml:"jedec"`
	Capacity    int64            `yaml:"capacity"`
	PageSize    int64            `yaml:"page_size"`
	BlockSize   int64            `yaml:"block_size"`
	SectorSize  int64            `yaml:"sector_size"`
	EraseChunk  geometry.Chunk   `yaml:"erase_chunk"`
	EraseChunks []geometry.Chunk `yaml:"erase_chunks"`
	Opcodes     Opcodes          `yaml:"opcodes"`
	Timing      Timing           `yaml:"timing"`
}

// Properties lays the part out at the given start address.
func (p Part) Properties(start int64) geometry.Properties {
	props := geometry.Properties{
		JEDEC:        p.JEDEC,
		PageSize:     p.PageSize,
		BlockSize:    p.BlockSize,
		SectorSize:   p.SectorSize,
		EraseChunk:   p.EraseChunk,
		EraseChunks:  geometry.ChunksOf(p.EraseChunks...),
		StartAddress: start,
		EndAddress:   start + p.Capacity - 1,
	}
	if p.PageSize > 0 {
		props.NumPages = int(p.Capacity / p.PageSize)
	}
	if p.BlockSize > 0 {
		props.NumBlocks = int(p.Capacity / p.BlockSize)
	}
	if p.SectorSize > 0 {
		props.NumSectors = int(p.Capacity / p.SectorSize)
	}
	return props
}

// EraseOpcode returns the command that erases one chunk of granularity c.
func (p Part) EraseOpcode(c geometry.Chunk) (byte, bool) {
	var op byte
	switch c {
	case geometry.Page:
		op = p.Opcodes.PageErase
	case geometry.Block:
		op = p.Opcodes.BlockErase
	case geometry.Sector:
		op = p.Opcodes.SectorErase
	case geometry.Chip:
		op = p.Opcodes.ChipErase
	}
	return op, op != 0
}

// EraseTime returns the worst-case busy time of erasing one chunk.
func (p Part) EraseTime(c geometry.Chunk) time.Duration {
	switch c {
	case geometry.Page:
		return p.Timing.PageErase
	case geometry.Block:
		return p.Timing.BlockErase
	case geometry.Sector:
		return p.Timing.SectorErase
	case geometry.Chip:
		return p.Timing.ChipErase
	}
	return 0
}

func (p Part) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("part 0x%06X has no name", p.JEDEC)
	}
	if err := p.Properties(0).Validate(); err != nil {
		return fmt.Errorf("part %s: %w", p.Name, err)
	}
	if limit := int64(1) << (8 * spinor.AddrBytes); p.Capacity > limit {
		return fmt.Errorf("part %s holds 0x%X bytes, more than %d address bytes reach (0x%X)", p.Name, p.Capacity, spinor.AddrBytes, limit)
	}
	for _, c := range p.EraseChunks {
		if _, ok := p.EraseOpcode(c); !ok {
			return fmt.Errorf("part %s can erase a %s but has no opcode for it", p.Name, c)
		}
	}
	return nil
}

// Table maps JEDEC IDs to parts.
type Table struct {
	mu   sync.RWMutex
	byID map[uint32]Part
}

type document struct {
	Parts []Part `yaml:"parts"`
}

// New returns an empty table.
func New() *Table {
	return &Table{byID: map[uint32]Part{}}
}

// Builtin returns a fresh table holding the parts compiled into the binary.
func Builtin() *Table {
	t := New()
	if err := t.Load(builtinYAML); err != nil {
		panic(fmt.Sprintf("parts: built-in table is broken: %v", err))
	}
	return t
}

// Load adds the parts of a YAML document, replacing entries with the same ID.
func (t *Table) Load(data []byte) error {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("cannot parse part table: %w", err)
	}
	for _, p := range doc.Parts {
		if err := t.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile is Load for a file on disk.
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := t.Load(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (t *Table) Add(p Part) error {
	if err := p.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[p.JEDEC] = p
	return nil
}

func (t *Table) Lookup(jedec uint32) (Part, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byID[jedec]
	return p, ok
}

// ByName finds a part by case-insensitive name.
func (t *Table) ByName(name string) (Part, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.byID {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Part{}, false
}

// Parts lists every part ordered by JEDEC ID.
func (t *Table) Parts() []Part {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Part, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JEDEC < out[j].JEDEC })
	return out
}
