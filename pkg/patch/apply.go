package patch

import (
	"errors"
	"fmt"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"
)

// ErrMismatch is returned when flash does not hold the data a patch expects.
var ErrMismatch = errors.New("flash contents do not match the patch")

// Target is the flash a patch is applied to. *blockdev.Device is one.
type Target interface {
	io.ReaderAt
	ParamsForAddr(off int64) (baseAddr, size int64, err error)
	Rewrite(off int64, data []byte) error
}

// Apply checks every chunk against the flash and, unless dryRun is set,
// writes the patched erase units back. With revert the patch is undone.
// Nothing is written if any chunk mismatches.
func Apply(bd Target, p *Patch, revert, dryRun bool) error {
	var blockCache map[int64][]byte = map[int64][]byte{}
	// Figure out what blocks need to be modified.
	patchChunks := p.Chunks()

	for _, chunk := range patchChunks {
		for addr := chunk.BaseAddr; addr < chunk.EndAddr(); addr++ {
			baseAddr, size, err := bd.ParamsForAddr(addr)
			if err != nil {
				return fmt.Errorf("error when mapping patch chunks to blocks: %v", err)
			}
			if _, ok := blockCache[baseAddr]; ok {
				// This block is cached.
				continue
			}
			log.Debugf("Need to request block @ %X size %X", baseAddr, size)
			blockCache[baseAddr] = make([]byte, size)
			if _, err := bd.ReadAt(blockCache[baseAddr], baseAddr); err != nil {
				return fmt.Errorf("error reading flash @ %08X: %w", baseAddr, err)
			}
		}
	}

	for _, chunk := range patchChunks {
		for addr := chunk.BaseAddr; addr < chunk.EndAddr(); addr++ {
			blockBaseAddr, _, _ := bd.ParamsForAddr(addr)
			dataOff := addr - chunk.BaseAddr
			gotOldData := &blockCache[blockBaseAddr][addr-blockBaseAddr]

			wantOldData, newData := chunk.OldData[dataOff], chunk.NewData[dataOff]
			if revert {
				wantOldData, newData = newData, wantOldData
			}
			if *gotOldData != wantOldData {
				return fmt.Errorf("data at addr 0x%X is %X, expected %X: %w", addr, *gotOldData, wantOldData, ErrMismatch)
			}
			*gotOldData = newData
		}
	}
	log.Println("Patch can be applied!")
	if dryRun {
		return nil
	}

	// Now all blocks in our blockCache are patched.
	addrs := make([]int64, 0, len(blockCache))
	for addr := range blockCache {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, addr := range addrs {
		block := blockCache[addr]
		log.Printf("Writing block @ %08X len %08X", addr, len(block))
		if err := bd.Rewrite(addr, block); err != nil {
			return fmt.Errorf("error writing block @ %08X: %w", addr, err)
		}
	}

	log.Println("Patch applied!")
	return nil
}
