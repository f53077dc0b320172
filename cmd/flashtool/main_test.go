package main

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/io/spi/driver"

	"github.com/siemens-mobile-hacks/flashmem/pkg/at25"
	"github.com/siemens-mobile-hacks/flashmem/pkg/bridge"
	"github.com/siemens-mobile-hacks/flashmem/pkg/parts"
	"github.com/siemens-mobile-hacks/flashmem/pkg/spinor"
	"github.com/siemens-mobile-hacks/flashmem/pkg/sim"
	"github.com/siemens-mobile-hacks/flashmem/pkg/transport"
)

func newSimDevice(t *testing.T) (*at25.Driver, *sim.Chip) {
	t.Helper()
	part, ok := parts.Builtin().ByName("AT25SF041")
	require.True(t, ok)
	chip, err := sim.New(part, sim.NewMemory(part.Capacity), sim.WithTiming(parts.Timing{}))
	require.NoError(t, err)
	dev := at25.New(transport.NewSPI(chip.Conn(), 0))
	require.NoError(t, dev.Open())
	t.Cleanup(func() { dev.Close() })
	return dev, chip
}

func TestCommands(t *testing.T) {
	dev, chip := newSimDevice(t)
	dir := t.TempDir()

	in := filepath.Join(dir, "in.bin")
	require.NoError(t, os.WriteFile(in, []byte("hello flash"), 0o644))
	require.NoError(t, run(dev, "write", []string{"0x1000", in}))

	out := filepath.Join(dir, "out.bin")
	require.NoError(t, run(dev, "read", []string{"0x1000", "11", out}))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello flash", string(got))

	vkp := filepath.Join(dir, "p.vkp")
	require.NoError(t, os.WriteFile(vkp, []byte("1000: 68 6A ; h -> j\n"), 0o644))
	require.NoError(t, run(dev, "patch", []string{vkp}))
	raw := make([]byte, 1)
	_, err = chip.Store().ReadAt(raw, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, byte('j'), raw[0])

	require.NoError(t, run(dev, "erase", []string{"0x1000", "4096"}))
	_, err = chip.Store().ReadAt(raw, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), raw[0])

	require.NoError(t, run(dev, "info", nil))
	require.NoError(t, run(dev, "erasechip", nil))
}

func TestCommandErrors(t *testing.T) {
	dev, _ := newSimDevice(t)

	assert.Error(t, run(dev, "frobnicate", nil))
	assert.Error(t, run(dev, "read", []string{"0"}))
	assert.Error(t, run(dev, "read", []string{"zero", "1", "x"}))
	assert.Error(t, run(dev, "erase", []string{"1", "4096"}))
	assert.Error(t, run(dev, "info", []string{"extra"}))
}

// lastFrame remembers the most recent frame sent to the chip.
type lastFrame struct {
	driver.Conn

	mu sync.Mutex
	tx []byte
}

func (c *lastFrame) Transfer(tx, rx []byte, delay time.Duration) error {
	c.mu.Lock()
	c.tx = append(c.tx[:0], tx...)
	c.mu.Unlock()
	return c.Conn.Transfer(tx, rx, delay)
}

func (c *lastFrame) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.tx...)
}

func TestExecuteClosesDeviceOnFailure(t *testing.T) {
	_, chip := newSimDevice(t)
	conn := &lastFrame{Conn: chip.Conn()}

	path := filepath.Join(t.TempDir(), "flash.sock")
	srv, err := bridge.Listen(path, conn)
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()
	defer func() {
		require.NoError(t, srv.Close())
		assert.NoError(t, <-served)
	}()

	*socketPath = path
	defer func() { *socketPath = "" }()

	assert.Equal(t, 1, execute([]string{"frobnicate"}))
	assert.Equal(t, []byte{spinor.CmdWriteDisable}, conn.last())

	assert.Equal(t, 0, execute([]string{"info"}))
	assert.Equal(t, []byte{spinor.CmdWriteDisable}, conn.last())
}

func TestExecuteUsage(t *testing.T) {
	assert.Equal(t, 2, execute(nil))
	// No bus selected.
	assert.Equal(t, 1, execute([]string{"info"}))
}

func init() {
	*timeout = 5 * time.Second
}
