// Package sim is an in-process SPI NOR chip. It decodes the same command set
// a real part does, so drivers can be exercised without hardware.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/io/spi/driver"

	"github.com/siemens-mobile-hacks/flashmem/pkg/clock"
	"github.com/siemens-mobile-hacks/flashmem/pkg/geometry"
	"github.com/siemens-mobile-hacks/flashmem/pkg/parts"
	"github.com/siemens-mobile-hacks/flashmem/pkg/spinor"
)

// Chip is a simulated part. It is safe for concurrent use; every transfer is
// one chip-select frame.
type Chip struct {
	part  parts.Part
	store Store
	clock clock.Clock
	log   *log.Entry

	mu         sync.Mutex
	wel        bool
	epe        bool
	busyUntil  time.Time
	timing     parts.Timing
	failOps    int
	failXfers  int
	transfers  int
	programs   int
	erases     int
	configured map[int]int
}

type Option func(*Chip)

// WithTiming overrides the busy times taken from the part.
func WithTiming(t parts.Timing) Option {
	return func(c *Chip) { c.timing = t }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Chip) { c.clock = clk }
}

func WithLogger(l *log.Entry) Option {
	return func(c *Chip) { c.log = l }
}

// New builds a chip for part on top of store, which must be exactly as large
// as the part.
func New(part parts.Part, store Store, opts ...Option) (*Chip, error) {
	if err := part.Validate(); err != nil {
		return nil, err
	}
	if store.Size() != part.Capacity {
		return nil, fmt.Errorf("store holds %d bytes, part %s needs %d", store.Size(), part.Name, part.Capacity)
	}
	c := &Chip{
		part:       part,
		store:      store,
		clock:      clock.System,
		timing:     part.Timing,
		configured: map[int]int{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = log.WithFields(log.Fields{"component": "sim", "part": part.Name})
	}
	return c, nil
}

func (c *Chip) Part() parts.Part { return c.part }
func (c *Chip) Store() Store      { return c.store }

// Conn returns a connection to the chip. Closing it leaves the chip intact.
func (c *Chip) Conn() driver.Conn {
	return &conn{chip: c}
}

// Close releases the store.
func (c *Chip) Close() error {
	return c.store.Close()
}

// FailNext makes the next n erase or program commands fail with the EPE
// status bit set and the cells untouched.
func (c *Chip) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failOps = n
}

// FailTransfers makes the next n transfers return an error.
func (c *Chip) FailTransfers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failXfers = n
}

// Stats returns the number of transfers, programs and erases seen so far.
func (c *Chip) Stats() (transfers, programs, erases int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfers, c.programs, c.erases
}

func (c *Chip) busy() bool {
	return c.clock.Now().Before(c.busyUntil)
}

func (c *Chip) status() byte {
	var sr byte
	if c.busy() {
		sr |= spinor.StatusBusy
	}
	if c.wel {
		sr |= spinor.StatusWriteEnable
	}
	if c.epe {
		sr |= spinor.StatusEraseFail
	}
	return sr
}

// Transfer executes one frame. rx receives what the chip drives on MISO,
// which is 0xFF wherever it does not answer.
func (c *Chip) Transfer(tx, rx []byte, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transfers++
	if c.failXfers > 0 {
		c.failXfers--
		return errors.New("sim: injected transfer failure")
	}

	out := make([]byte, len(tx))
	for i := range out {
		out[i] = 0xFF
	}
	if len(tx) > 0 {
		if err := c.execute(tx, out); err != nil {
			return err
		}
	}
	copy(rx, out)
	if delay > 0 {
		c.clock.Sleep(delay)
	}
	return nil
}

func (c *Chip) execute(tx, out []byte) error {
	cmd := tx[0]
	if cmd == spinor.CmdReadStatus {
		sr := c.status()
		for i := 1; i < len(out); i++ {
			out[i] = sr
		}
		return nil
	}
	if c.busy() {
		c.log.Debugf("ignoring command 0x%02X while busy", cmd)
		return nil
	}

	switch cmd {
	case spinor.CmdReadID:
		id := []byte{byte(c.part.JEDEC >> 16), byte(c.part.JEDEC >> 8), byte(c.part.JEDEC)}
		for i := 1; i < len(out); i++ {
			out[i] = id[(i-1)%len(id)]
		}
		return nil
	case spinor.CmdWriteEnable:
		c.wel = true
		return nil
	case spinor.CmdWriteDisable:
		c.wel = false
		return nil
	case spinor.CmdRead:
		return c.read(tx, out, 1+spinor.AddrBytes)
	case spinor.CmdFastRead:
		return c.read(tx, out, 1+spinor.AddrBytes+1)
	case spinor.CmdPageProgram:
		return c.program(tx)
	case spinor.CmdChipErase, spinor.CmdChipEraseAlt:
		return c.erase(geometry.Chip, 0)
	}

	for _, chunk := range c.part.EraseChunks {
		if op, ok := c.part.EraseOpcode(chunk); ok && op == cmd && chunk != geometry.Chip {
			addr, ok := address(tx)
			if !ok {
				return nil
			}
			return c.erase(chunk, addr)
		}
	}
	c.log.Debugf("unknown command 0x%02X", cmd)
	return nil
}

func address(tx []byte) (int64, bool) {
	if len(tx) < 1+spinor.AddrBytes {
		return 0, false
	}
	return int64(tx[1])<<16 | int64(tx[2])<<8 | int64(tx[3]), true
}

// read streams cells from the address on, wrapping at the end of the array.
func (c *Chip) read(tx, out []byte, dataStart int) error {
	addr, ok := address(tx)
	if !ok || len(out) <= dataStart {
		return nil
	}
	size := c.store.Size()
	addr %= size
	data := out[dataStart:]
	for len(data) > 0 {
		n := min(int64(len(data)), size-addr)
		if _, err := c.store.ReadAt(data[:n], addr); err != nil {
			return err
		}
		data = data[n:]
		addr = 0
	}
	return nil
}

// program ANDs the data into one page. Bytes past the end of the page wrap to
// its start and only the last page-size bytes sent are kept.
func (c *Chip) program(tx []byte) error {
	addr, ok := address(tx)
	if !ok || !c.wel {
		return nil
	}
	c.wel = false
	data := tx[1+spinor.AddrBytes:]
	if len(data) == 0 {
		return nil
	}
	pageSize := c.part.PageSize
	if int64(len(data)) > pageSize {
		data = data[int64(len(data))-pageSize:]
	}
	c.programs++
	if c.failed() {
		return nil
	}

	addr %= c.store.Size()
	pageBase := addr - addr%pageSize
	page := make([]byte, pageSize)
	if _, err := c.store.ReadAt(page, pageBase); err != nil {
		return err
	}
	off := addr - pageBase
	for i, b := range data {
		page[(off+int64(i))%pageSize] &= b
	}
	if _, err := c.store.WriteAt(page, pageBase); err != nil {
		return err
	}
	c.busyUntil = c.clock.Now().Add(c.timing.PageProgram)
	return nil
}

func (c *Chip) erase(chunk geometry.Chunk, addr int64) error {
	if !c.wel {
		return nil
	}
	c.wel = false
	c.erases++
	if c.failed() {
		return nil
	}

	props := c.part.Properties(0)
	size := geometry.ChunkSize(props, chunk)
	addr %= c.store.Size()
	base := addr - addr%size

	buf := make([]byte, min(size, 64*1024))
	for i := range buf {
		buf[i] = geometry.ErasedByte
	}
	for off := int64(0); off < size; off += int64(len(buf)) {
		n := min(int64(len(buf)), size-off)
		if _, err := c.store.WriteAt(buf[:n], base+off); err != nil {
			return err
		}
	}
	c.busyUntil = c.clock.Now().Add(c.eraseTime(chunk))
	c.log.Debugf("erased %s at 0x%X", chunk, base)
	return nil
}

func (c *Chip) eraseTime(chunk geometry.Chunk) time.Duration {
	switch chunk {
	case geometry.Page:
		return c.timing.PageErase
	case geometry.Block:
		return c.timing.BlockErase
	case geometry.Sector:
		return c.timing.SectorErase
	}
	return c.timing.ChipErase
}

// failed consumes one injected failure and latches EPE.
func (c *Chip) failed() bool {
	if c.failOps > 0 {
		c.failOps--
		c.epe = true
		return true
	}
	c.epe = false
	return false
}

// Configured returns the last value a connection set for key k.
func (c *Chip) Configured(k int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.configured[k]
	return v, ok
}

func (c *Chip) configure(k, v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configured[k] = v
}

type conn struct {
	chip *Chip
}

func (cn *conn) Configure(k, v int) error {
	cn.chip.configure(k, v)
	return nil
}

func (cn *conn) Transfer(tx, rx []byte, delay time.Duration) error {
	return cn.chip.Transfer(tx, rx, delay)
}

func (cn *conn) Close() error {
	return nil
}
