package memory

import (
	"time"

	"github.com/siemens-mobile-hacks/flashmem/pkg/geometry"
)

// Device is an erasable block-storage device.
type Device interface {
	// Open identifies the chip and loads its properties. Opening an open
	// device re-reads the identity and fails with ErrIdentity if it changed.
	Open() error
	// Close forgets any unconsumed completion. The transport stays with its
	// owner, so the device can be opened again. Closing a closed device is a
	// no-op.
	Close() error
	// DeviceProperties returns the cached geometry. It never touches hardware
	// and is zero before the first successful Open.
	DeviceProperties() geometry.Properties

	// Read copies len(buf) bytes starting at addr into buf. Reads have no
	// alignment constraint. ReadComplete is latched once it returns.
	Read(addr int64, buf []byte) error
	// Write programs buf at addr. The range must be erased beforehand and
	// must not cross a page boundary. Completion is signaled by WriteComplete.
	Write(addr int64, buf []byte) error
	// Erase erases [addr, addr+length), which must be aligned to one of the
	// supported erase granularities. Completion is signaled by EraseComplete.
	Erase(addr, length int64) error
	// EraseChunk erases chunk idx of the given granularity.
	EraseChunk(c geometry.Chunk, idx int) error
	// EraseChip erases the whole device.
	EraseChip() error

	// PendEvent blocks until ev fires or timeout elapses. An event that fired
	// before the call is observed immediately. Pass TimeoutBlock to wait
	// forever.
	PendEvent(ev Event, timeout time.Duration) error
}
