package bridge

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/io/spi/driver"

	"github.com/siemens-mobile-hacks/flashmem/pkg/at25"
	"github.com/siemens-mobile-hacks/flashmem/pkg/geometry"
	"github.com/siemens-mobile-hacks/flashmem/pkg/memory"
	"github.com/siemens-mobile-hacks/flashmem/pkg/parts"
	"github.com/siemens-mobile-hacks/flashmem/pkg/sim"
	"github.com/siemens-mobile-hacks/flashmem/pkg/spinor"
	"github.com/siemens-mobile-hacks/flashmem/pkg/transport"
)

func newChip(t *testing.T) *sim.Chip {
	t.Helper()
	part, ok := parts.Builtin().ByName("AT25SF041")
	require.True(t, ok)
	part.Timing = parts.Timing{
		PageProgram: 100 * time.Microsecond,
		BlockErase:  time.Millisecond,
		SectorErase: time.Millisecond,
		ChipErase:   2 * time.Millisecond,
	}
	chip, err := sim.New(part, sim.NewMemory(part.Capacity))
	require.NoError(t, err)
	return chip
}

// pipe connects a client to Serve over an in-memory stream.
func pipe(t *testing.T, conn driver.Conn) *Client {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- Serve(server, conn)
		server.Close()
	}()

	c, err := NewClient("pipe", client)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		assert.NoError(t, <-done)
	})
	return c
}

func TestTransferOverPipe(t *testing.T) {
	chip := newChip(t)
	c := pipe(t, chip.Conn())

	rx := make([]byte, 4)
	require.NoError(t, c.Transfer([]byte{spinor.CmdReadID, 0, 0, 0}, rx, 0))
	assert.Equal(t, []byte{0xFF, 0x1F, 0x84, 0x01}, rx)

	require.NoError(t, c.Configure(driver.Speed, 500000))
	v, ok := chip.Configured(driver.Speed)
	assert.True(t, ok)
	assert.Equal(t, 500000, v)
}

func TestTransferErrorsCrossTheBridge(t *testing.T) {
	chip := newChip(t)
	c := pipe(t, chip.Conn())

	chip.FailTransfers(1)
	err := c.Transfer([]byte{spinor.CmdReadStatus, 0}, make([]byte, 2), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injected")

	assert.NoError(t, c.Transfer([]byte{spinor.CmdReadStatus, 0}, make([]byte, 2), 0))
}

func TestHandshakeRejectsUnknownReply(t *testing.T) {
	server, client := net.Pipe()
	go func() {
		buf := make([]byte, 1)
		server.Read(buf)
		server.Write([]byte{'X'})
	}()
	_, err := NewClient("pipe", client)
	assert.ErrorContains(t, err, "unknown ping reply")
}

func TestServeRejectsUnknownPing(t *testing.T) {
	server, client := net.Pipe()
	go client.Write([]byte{'Z'})
	err := Serve(server, newChip(t).Conn())
	assert.ErrorContains(t, err, "unknown ping")
	client.Close()
}

func TestDriverOverUnixSocket(t *testing.T) {
	chip := newChip(t)
	path := filepath.Join(t.TempDir(), "flash.sock")

	srv, err := Listen(path, chip.Conn())
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()
	defer func() {
		require.NoError(t, srv.Close())
		assert.NoError(t, <-served)
	}()

	c, err := DialUnix(path)
	require.NoError(t, err)
	defer c.Close()

	dev, err := spinor.Probe(transport.NewSPI(c, 0))
	require.NoError(t, err)
	defer dev.Close()
	assert.IsType(t, &at25.Driver{}, dev)

	props := dev.DeviceProperties()
	require.NoError(t, dev.EraseChunk(props.EraseChunk, 2))
	require.NoError(t, dev.PendEvent(memory.EraseComplete, time.Second))

	addr := geometry.MustChunkStartAddress(props, props.EraseChunk, 2)
	require.NoError(t, dev.Write(addr, []byte("over the bridge")))
	require.NoError(t, dev.PendEvent(memory.WriteComplete, time.Second))

	buf := make([]byte, 15)
	require.NoError(t, dev.Read(addr, buf))
	assert.Equal(t, "over the bridge", string(buf))

	raw := make([]byte, 15)
	_, err = chip.Store().ReadAt(raw, addr)
	require.NoError(t, err)
	assert.Equal(t, buf, raw)
}
