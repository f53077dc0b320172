// Command flashsim serves a simulated SPI NOR chip on a unix socket, so
// flashtool can be used without hardware.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/siemens-mobile-hacks/flashmem/pkg/bridge"
	"github.com/siemens-mobile-hacks/flashmem/pkg/parts"
	"github.com/siemens-mobile-hacks/flashmem/pkg/sim"
)

var (
	socketPath = flag.String("socket", "/tmp/flashmem.sock", "UNIX socket to listen on.")
	partName   = flag.String("part", "AT25SF081", "Part to simulate.")
	partsFile  = flag.String("parts", "", "YAML file with additional parts.")
	imagePath  = flag.String("image", "", "Back the chip with this flash image instead of RAM. Created erased if missing.")
	instant    = flag.Bool("instant", false, "Finish erases and programs immediately instead of taking datasheet time.")
	verbose    = flag.Bool("v", false, "Log every command the chip decodes.")
)

func main() {
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	table := parts.Builtin()
	if *partsFile != "" {
		if err := table.LoadFile(*partsFile); err != nil {
			fmt.Printf("Cannot load parts: %v\n", err)
			os.Exit(1)
		}
	}
	part, ok := table.ByName(*partName)
	if !ok {
		fmt.Printf("Unknown part %q. Known parts:\n", *partName)
		for _, p := range table.Parts() {
			fmt.Printf("  %-12s 0x%06X %d KB\n", p.Name, p.JEDEC, p.Capacity/1024)
		}
		os.Exit(1)
	}

	var store sim.Store = sim.NewMemory(part.Capacity)
	if *imagePath != "" {
		img, err := sim.OpenImage(*imagePath, part.Capacity, true)
		if err != nil {
			fmt.Printf("Cannot open flash image: %v\n", err)
			os.Exit(1)
		}
		log.Printf("Using %s", img.Name())
		store = img
	}

	var opts []sim.Option
	if *instant {
		opts = append(opts, sim.WithTiming(parts.Timing{}))
	}
	chip, err := sim.New(part, store, opts...)
	if err != nil {
		fmt.Printf("Cannot create chip: %v\n", err)
		os.Exit(1)
	}
	defer chip.Close()

	srv, err := bridge.Listen(*socketPath, chip.Conn())
	if err != nil {
		fmt.Printf("Cannot listen: %v\n", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		srv.Close()
	}()

	log.Printf("Simulating %s (JEDEC 0x%06X) as %s", part.Name, part.JEDEC, srv.Name())
	if err := srv.Serve(); err != nil {
		fmt.Printf("Server failed: %v\n", err)
		os.Exit(1)
	}
	transfers, programs, erases := chip.Stats()
	log.Printf("Done: %d transfers, %d programs, %d erases", transfers, programs, erases)
}
