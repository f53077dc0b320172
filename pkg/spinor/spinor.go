// Package spinor holds the JEDEC SPI NOR command set shared by drivers and
// the simulated chip.
package spinor

import (
	"fmt"

	"github.com/siemens-mobile-hacks/flashmem/pkg/memory"
	"github.com/siemens-mobile-hacks/flashmem/pkg/transport"
)

// Opcodes.
const (
	CmdWriteStatus   = 0x01
	CmdPageProgram   = 0x02
	CmdRead          = 0x03
	CmdWriteDisable  = 0x04
	CmdReadStatus    = 0x05
	CmdWriteEnable   = 0x06
	CmdFastRead      = 0x0B
	CmdBlockErase4K  = 0x20
	CmdBlockErase32K = 0x52
	CmdChipErase     = 0x60
	CmdPageErase     = 0x81
	CmdReadID        = 0x9F
	CmdChipEraseAlt  = 0xC7
	CmdSectorErase   = 0xD8
)

// Status register bits.
const (
	StatusBusy        = 0x01 // WIP / RDY#
	StatusWriteEnable = 0x02 // WEL
	StatusEraseFail   = 0x20 // EPE
)

// AddrBytes is the address width of every supported part.
const AddrBytes = 3

// Addressed builds an opcode followed by a 24-bit big-endian address.
func Addressed(cmd byte, addr int64) []byte {
	return []byte{cmd, byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

// ReadJEDEC reads the 3-byte manufacturer / type / capacity identifier.
func ReadJEDEC(t transport.Transport) (uint32, error) {
	id := make([]byte, 3)
	if err := transport.Query(t, []byte{CmdReadID}, id); err != nil {
		return 0, fmt.Errorf("cannot read JEDEC ID: %w", err)
	}
	return uint32(id[0])<<16 | uint32(id[1])<<8 | uint32(id[2]), nil
}

// ReadStatus reads status register byte 1.
func ReadStatus(t transport.Transport) (byte, error) {
	sr := []byte{0}
	if err := transport.Query(t, []byte{CmdReadStatus}, sr); err != nil {
		return 0, fmt.Errorf("cannot read status register: %w", err)
	}
	return sr[0], nil
}

// Probe reads the JEDEC ID and opens a driver from the family registered for
// its manufacturer.
func Probe(t transport.Transport) (memory.Device, error) {
	id, err := ReadJEDEC(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrFail, err)
	}
	if id == 0 || id == 0xFFFFFF {
		return nil, fmt.Errorf("no chip answered (ID 0x%06X): %w", id, memory.ErrIdentity)
	}
	factory, ok := memory.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("no driver for manufacturer 0x%02X (ID 0x%06X): %w", byte(id>>16), id, memory.ErrIdentity)
	}
	dev := factory(t)
	if err := dev.Open(); err != nil {
		return nil, err
	}
	return dev, nil
}
