package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/io/spi/driver"

	"github.com/siemens-mobile-hacks/flashmem/pkg/geometry"
	"github.com/siemens-mobile-hacks/flashmem/pkg/parts"
	"github.com/siemens-mobile-hacks/flashmem/pkg/spinor"
)

// fakeClock only moves when told to.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func testPart() parts.Part {
	return parts.Part{
		Name:        "SIM4K",
		JEDEC:       0x1F0002,
		Capacity:    4096,
		PageSize:    256,
		BlockSize:   1024,
		SectorSize:  2048,
		EraseChunk:  geometry.Block,
		EraseChunks: []geometry.Chunk{geometry.Block, geometry.Sector, geometry.Chip},
		Opcodes:     parts.Opcodes{BlockErase: 0x20, SectorErase: 0xD8, ChipErase: 0xC7},
		Timing: parts.Timing{
			PageProgram: time.Millisecond,
			BlockErase:  10 * time.Millisecond,
			SectorErase: 20 * time.Millisecond,
			ChipErase:   50 * time.Millisecond,
		},
	}
}

func newTestChip(t *testing.T) (*Chip, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(0, 0)}
	chip, err := New(testPart(), NewMemory(4096), WithClock(clk))
	require.NoError(t, err)
	return chip, clk
}

func xfer(t *testing.T, c *Chip, tx ...byte) []byte {
	t.Helper()
	rx := make([]byte, len(tx))
	require.NoError(t, c.Transfer(tx, rx, 0))
	return rx
}

func readCells(t *testing.T, c *Chip, addr int64, n int) []byte {
	t.Helper()
	tx := append(spinor.Addressed(spinor.CmdRead, addr), make([]byte, n)...)
	return xfer(t, c, tx...)[4:]
}

func TestNewChecksStoreSize(t *testing.T) {
	_, err := New(testPart(), NewMemory(100))
	assert.Error(t, err)
}

func TestReadID(t *testing.T) {
	chip, _ := newTestChip(t)
	rx := xfer(t, chip, spinor.CmdReadID, 0, 0, 0)
	assert.Equal(t, []byte{0xFF, 0x1F, 0x00, 0x02}, rx)
}

func TestProgramNeedsWriteEnable(t *testing.T) {
	chip, clk := newTestChip(t)

	xfer(t, chip, append(spinor.Addressed(spinor.CmdPageProgram, 0x10), 0x00)...)
	assert.Equal(t, []byte{0xFF}, readCells(t, chip, 0x10, 1))

	xfer(t, chip, spinor.CmdWriteEnable)
	assert.Equal(t, byte(spinor.StatusWriteEnable), xfer(t, chip, spinor.CmdReadStatus, 0)[1])

	xfer(t, chip, append(spinor.Addressed(spinor.CmdPageProgram, 0x10), 0x5A, 0xF0)...)
	sr := xfer(t, chip, spinor.CmdReadStatus, 0)[1]
	assert.Equal(t, byte(spinor.StatusBusy), sr, "busy, latch dropped")

	// Only the status register answers while busy.
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, xfer(t, chip, spinor.CmdReadID, 0, 0, 0))

	clk.Sleep(time.Millisecond)
	assert.Equal(t, []byte{0x5A, 0xF0}, readCells(t, chip, 0x10, 2))

	// Programming only clears bits.
	xfer(t, chip, spinor.CmdWriteEnable)
	xfer(t, chip, append(spinor.Addressed(spinor.CmdPageProgram, 0x10), 0x0F)...)
	clk.Sleep(time.Millisecond)
	assert.Equal(t, []byte{0x0A}, readCells(t, chip, 0x10, 1))

	_, programs, _ := chip.Stats()
	assert.Equal(t, 2, programs)
}

func TestProgramWrapsInsidePage(t *testing.T) {
	chip, clk := newTestChip(t)

	xfer(t, chip, spinor.CmdWriteEnable)
	xfer(t, chip, append(spinor.Addressed(spinor.CmdPageProgram, 0x1FE), 1, 2, 3, 4)...)
	clk.Sleep(time.Millisecond)

	assert.Equal(t, []byte{1, 2}, readCells(t, chip, 0x1FE, 2))
	assert.Equal(t, []byte{3, 4}, readCells(t, chip, 0x100, 2))
	assert.Equal(t, []byte{0xFF}, readCells(t, chip, 0x200, 1), "next page untouched")
}

func TestErase(t *testing.T) {
	chip, clk := newTestChip(t)
	_, err := chip.Store().WriteAt(make([]byte, 4096), 0)
	require.NoError(t, err)

	xfer(t, chip, spinor.CmdWriteEnable)
	xfer(t, chip, spinor.Addressed(0x20, 0x480)...)
	clk.Sleep(5 * time.Millisecond)
	assert.Equal(t, byte(spinor.StatusBusy), xfer(t, chip, spinor.CmdReadStatus, 0)[1])
	clk.Sleep(5 * time.Millisecond)
	assert.Equal(t, byte(0), xfer(t, chip, spinor.CmdReadStatus, 0)[1])

	assert.Equal(t, []byte{0x00, 0xFF}, readCells(t, chip, 0x3FF, 2))
	assert.Equal(t, []byte{0xFF, 0x00}, readCells(t, chip, 0x7FF, 2))

	xfer(t, chip, spinor.CmdWriteEnable)
	xfer(t, chip, spinor.CmdChipErase)
	clk.Sleep(50 * time.Millisecond)
	assert.Equal(t, []byte{0xFF, 0xFF}, readCells(t, chip, 0, 2))

	_, _, erases := chip.Stats()
	assert.Equal(t, 2, erases)
}

func TestUnsupportedEraseIsIgnored(t *testing.T) {
	chip, _ := newTestChip(t)
	_, err := chip.Store().WriteAt([]byte{0}, 0)
	require.NoError(t, err)

	xfer(t, chip, spinor.CmdWriteEnable)
	xfer(t, chip, spinor.Addressed(spinor.CmdPageErase, 0)...)
	assert.Equal(t, []byte{0x00}, readCells(t, chip, 0, 1))
}

func TestFailNext(t *testing.T) {
	chip, clk := newTestChip(t)
	chip.FailNext(1)

	xfer(t, chip, spinor.CmdWriteEnable)
	xfer(t, chip, append(spinor.Addressed(spinor.CmdPageProgram, 0), 0x00)...)
	sr := xfer(t, chip, spinor.CmdReadStatus, 0)[1]
	assert.Equal(t, byte(spinor.StatusEraseFail), sr)
	assert.Equal(t, []byte{0xFF}, readCells(t, chip, 0, 1))

	xfer(t, chip, spinor.CmdWriteEnable)
	xfer(t, chip, append(spinor.Addressed(spinor.CmdPageProgram, 0), 0x00)...)
	clk.Sleep(time.Millisecond)
	assert.Equal(t, byte(0), xfer(t, chip, spinor.CmdReadStatus, 0)[1])
	assert.Equal(t, []byte{0x00}, readCells(t, chip, 0, 1))
}

func TestFailTransfers(t *testing.T) {
	chip, _ := newTestChip(t)
	chip.FailTransfers(1)

	assert.Error(t, chip.Transfer([]byte{spinor.CmdReadStatus, 0}, make([]byte, 2), 0))
	assert.NoError(t, chip.Transfer([]byte{spinor.CmdReadStatus, 0}, make([]byte, 2), 0))

	transfers, _, _ := chip.Stats()
	assert.Equal(t, 2, transfers)
}

func TestConnConfigure(t *testing.T) {
	chip, _ := newTestChip(t)
	conn := chip.Conn()
	require.NoError(t, conn.Configure(driver.Speed, 1000000))
	require.NoError(t, conn.Close())

	v, ok := chip.Configured(driver.Speed)
	assert.True(t, ok)
	assert.Equal(t, 1000000, v)

	// Closing a connection leaves the chip usable.
	assert.Equal(t, []byte{0xFF, 0x1F, 0x00, 0x02}, xfer(t, chip, spinor.CmdReadID, 0, 0, 0))
}
