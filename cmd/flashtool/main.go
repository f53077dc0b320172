// Command flashtool reads, writes, erases and patches a SPI NOR chip behind
// a bridge (flashsim's unix socket or a serial adapter) or on the Raspberry Pi
// SPI controller.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	rpio "github.com/stianeikeland/go-rpio/v4"
	"golang.org/x/exp/io/spi/driver"

	"github.com/siemens-mobile-hacks/flashmem/pkg/at25"
	"github.com/siemens-mobile-hacks/flashmem/pkg/blockdev"
	"github.com/siemens-mobile-hacks/flashmem/pkg/bridge"
	"github.com/siemens-mobile-hacks/flashmem/pkg/memory"
	"github.com/siemens-mobile-hacks/flashmem/pkg/parts"
	"github.com/siemens-mobile-hacks/flashmem/pkg/spinor"
	"github.com/siemens-mobile-hacks/flashmem/pkg/transport"
)

var (
	socketPath = flag.String("socket", "", "UNIX socket of a running flashsim.")
	serialPort = flag.String("serial", "", "Serial port path of a bridge adapter (like /dev/cu.usbserial-110, or COM2).")
	baudRate   = flag.Int("baud", 115200, "Serial port speed.")
	useRPi     = flag.Bool("rpi", false, "Use the Raspberry Pi SPI0 controller directly.")
	rpiCS      = flag.Uint("rpi_cs", 0, "-rpi: chip select line.")
	spiSpeed   = flag.Int("speed", 10_000_000, "SPI clock in Hz.")
	partsFile  = flag.String("parts", "", "YAML file with additional parts.")
	startAddr  = flag.Int64("start", 0, "Linear address the chip is mapped at.")
	timeout    = flag.Duration("timeout", time.Minute, "Longest to wait for one erase or program.")
	isRevert   = flag.Bool("revert", false, "patch: undo the patch instead of applying it.")
	isDryRun   = flag.Bool("dry_run", false, "patch: only check that the patch can be applied.")
	verbose    = flag.Bool("v", false, "Debug logging.")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [flags] command [args]

Commands (offsets are relative to the start of the chip):
  info
  read OFFSET SIZE FILE
  write OFFSET FILE
  erase OFFSET SIZE
  erasechip
  patch FILE_OR_ID

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	os.Exit(execute(flag.Args()))
}

// execute connects, runs one command and returns the exit code. The device
// and the bus are closed on every path.
func execute(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	conn, err := connect()
	if err != nil {
		fmt.Printf("Cannot connect: %v\n", err)
		return 1
	}
	defer conn.Close()

	spi := transport.NewSPI(conn, 0)
	if err := spi.Configure(0, *spiSpeed); err != nil {
		fmt.Printf("Cannot configure SPI: %v\n", err)
		return 1
	}
	dev, err := openDevice(spi)
	if err != nil {
		fmt.Printf("Cannot open flash: %v (%v)\n", err, memory.StatusOf(err))
		return 1
	}
	defer dev.Close()

	if err := run(dev, args[0], args[1:]); err != nil {
		fmt.Printf("%s failed: %v\n", args[0], err)
		return 1
	}
	return 0
}

func connect() (driver.Conn, error) {
	selected := 0
	for _, set := range []bool{*socketPath != "", *serialPort != "", *useRPi} {
		if set {
			selected++
		}
	}
	switch {
	case selected > 1:
		return nil, fmt.Errorf("-socket, -serial and -rpi are mutually exclusive")
	case *useRPi:
		return transport.OpenRPi(rpio.Spi0, uint8(*rpiCS))
	case *socketPath != "":
		return bridge.DialUnix(*socketPath)
	case *serialPort != "":
		return bridge.DialSerial(*serialPort, *baudRate)
	}
	return nil, fmt.Errorf("must specify -socket, -serial or -rpi")
}

// openDevice probes the registered families unless the AT25 driver needs
// non-default settings.
func openDevice(t transport.Transport) (memory.Device, error) {
	if *partsFile == "" && *startAddr == 0 {
		return spinor.Probe(t)
	}
	table := parts.Builtin()
	if *partsFile != "" {
		if err := table.LoadFile(*partsFile); err != nil {
			return nil, err
		}
	}
	dev := at25.New(t, at25.WithParts(table), at25.WithStartAddress(*startAddr))
	if err := dev.Open(); err != nil {
		return nil, err
	}
	return dev, nil
}

func run(dev memory.Device, cmd string, args []string) error {
	bd, err := blockdev.New(dev, blockdev.WithTimeout(*timeout))
	if err != nil {
		return err
	}

	switch cmd {
	case "info":
		if len(args) != 0 {
			return fmt.Errorf("info takes no arguments")
		}
		fmt.Print(dev.DeviceProperties().String())
		return nil
	case "read":
		if len(args) != 3 {
			return fmt.Errorf("usage: read OFFSET SIZE FILE")
		}
		offset, size, err := parseRange(args[0], args[1])
		if err != nil {
			return err
		}
		return readFlashToFile(bd, offset, size, args[2])
	case "write":
		if len(args) != 2 {
			return fmt.Errorf("usage: write OFFSET FILE")
		}
		offset, err := parseNumber(args[0])
		if err != nil {
			return err
		}
		return writeFlashFromFile(bd, offset, args[1])
	case "erase":
		if len(args) != 2 {
			return fmt.Errorf("usage: erase OFFSET SIZE")
		}
		offset, size, err := parseRange(args[0], args[1])
		if err != nil {
			return err
		}
		return eraseRange(dev, offset, size)
	case "erasechip":
		if err := dev.EraseChip(); err != nil {
			return err
		}
		fmt.Println("Erasing the whole chip...")
		return dev.PendEvent(memory.EraseComplete, *timeout)
	case "patch":
		if len(args) != 1 {
			return fmt.Errorf("usage: patch FILE_OR_ID")
		}
		return doApplyPatch(bd, args[0], *isRevert, *isDryRun)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func parseNumber(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse %q as a number: %v", s, err)
	}
	return v, nil
}

func parseRange(offset, size string) (int64, int64, error) {
	o, err := parseNumber(offset)
	if err != nil {
		return 0, 0, err
	}
	s, err := parseNumber(size)
	if err != nil {
		return 0, 0, err
	}
	return o, s, nil
}
