package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/siemens-mobile-hacks/flashmem/pkg/blockdev"
	"github.com/siemens-mobile-hacks/flashmem/pkg/patch"
)

func doApplyPatch(bd *blockdev.Device, patchFile string, isRevert, isDryRun bool) error {
	p, err := patch.Load(patchFile)
	if err != nil {
		return fmt.Errorf("cannot load patch: %v", err)
	}
	log.Printf("Loaded and parsed %s successfully", p)
	return patch.Apply(bd, p, isRevert, isDryRun)
}
