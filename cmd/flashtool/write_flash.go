package main

import (
	"fmt"
	"os"

	"github.com/siemens-mobile-hacks/flashmem/pkg/blockdev"
	"github.com/siemens-mobile-hacks/flashmem/pkg/memory"
)

func writeFlashFromFile(bd *blockdev.Device, baseAddr int64, filePath string) error {
	buf, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("cannot open file to read flashdump: %v", err)
	}
	fmt.Printf("Writing %d bytes @ %08X\n", len(buf), baseAddr)
	return bd.Rewrite(baseAddr, buf)
}

func eraseRange(dev memory.Device, baseAddr, size int64) error {
	props := dev.DeviceProperties()
	if err := dev.Erase(props.StartAddress+baseAddr, size); err != nil {
		return err
	}
	fmt.Printf("Erasing %X bytes @ %08X...\n", size, baseAddr)
	return dev.PendEvent(memory.EraseComplete, *timeout)
}
