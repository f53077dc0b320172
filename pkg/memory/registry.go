package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/siemens-mobile-hacks/flashmem/pkg/transport"
)

// Factory builds an unopened driver for a chip family on top of t.
type Factory func(t transport.Transport) Device

var (
	registryMu sync.RWMutex
	registry   = map[uint8]Factory{}
)

// Register makes a driver family available for the JEDEC manufacturer code.
// Registering the same manufacturer twice panics.
func Register(manufacturer uint8, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("memory: Register factory is nil")
	}
	if _, dup := registry[manufacturer]; dup {
		panic(fmt.Sprintf("memory: Register called twice for manufacturer 0x%02X", manufacturer))
	}
	registry[manufacturer] = f
}

// Lookup returns the factory registered for the manufacturer of a JEDEC ID.
func Lookup(jedec uint32) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[uint8(jedec>>16)]
	return f, ok
}

// Manufacturers lists the registered manufacturer codes in ascending order.
func Manufacturers() []uint8 {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]uint8, 0, len(registry))
	for m := range registry {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
