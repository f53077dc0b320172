package main

import (
	"fmt"
	"os"

	"github.com/siemens-mobile-hacks/flashmem/pkg/blockdev"
)

func readFlashToFile(bd *blockdev.Device, baseAddr, size int64, filePath string) error {
	ff, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("cannot open file to store flashdump: %v", err)
	}
	defer ff.Close()

	maxRetries := 3
	stillNeedToRead := size
	readSize := int64(65536) // 64K

	for stillNeedToRead > 0 {
		buf := make([]byte, min(readSize, stillNeedToRead))
		retries := maxRetries
		for ; retries > 0; retries-- {
			fmt.Printf("[Retry %d] Transfering %d bytes from addr %X...", maxRetries-retries, len(buf), baseAddr)
			if _, err := bd.ReadAt(buf, baseAddr); err != nil {
				fmt.Printf("\n\tError reading flash @ %08X: %v. Retries left: %d\n", baseAddr, err, retries-1)
				continue
			}
			break
		}
		if retries == 0 {
			return fmt.Errorf("cannot read block @ %08X after retries", baseAddr)
		}

		n, err := ff.Write(buf)
		if n != len(buf) {
			return fmt.Errorf("cannot write block @ %08X to the fullflash file: %v", baseAddr, err)
		}
		fmt.Println("ok")
		baseAddr += int64(len(buf))
		stillNeedToRead -= int64(len(buf))
	}
	return nil
}
