package transport

import (
	"fmt"
	"time"

	rpio "github.com/stianeikeland/go-rpio/v4"
	"golang.org/x/exp/io/spi/driver"
)

// RPi is a driver.Conn on the Raspberry Pi SPI controller. Only one can be
// open per process since the controller is memory mapped globally.
type RPi struct {
	dev        rpio.SpiDev
	chipSelect uint8
}

var _ driver.Conn = (*RPi)(nil)

const rpiDefaultSpeed = 10_000_000 // 10 MHz

// OpenRPi maps the GPIO registers and claims dev with the given chip select.
func OpenRPi(dev rpio.SpiDev, chipSelect uint8) (*RPi, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("cannot map GPIO registers: %v", err)
	}
	if err := rpio.SpiBegin(dev); err != nil {
		rpio.Close()
		return nil, fmt.Errorf("cannot claim SPI device %d: %v", dev, err)
	}
	rpio.SpiChipSelect(chipSelect)
	rpio.SpiSpeed(rpiDefaultSpeed)
	return &RPi{dev: dev, chipSelect: chipSelect}, nil
}

func (r *RPi) Configure(k, v int) error {
	if v < 0 {
		return nil
	}
	switch k {
	case driver.Mode:
		if v > 3 {
			return fmt.Errorf("bad SPI mode %d", v)
		}
		rpio.SpiMode(uint8(v>>1), uint8(v&1))
	case driver.Bits:
		if v != 8 {
			return fmt.Errorf("only 8 bits per word are supported, not %d", v)
		}
	case driver.Speed:
		rpio.SpiSpeed(v)
	case driver.Order:
		if v != 0 {
			return fmt.Errorf("only MSB first bit order is supported")
		}
	default:
		return fmt.Errorf("unknown SPI setting %d", k)
	}
	return nil
}

func (r *RPi) Transfer(tx, rx []byte, delay time.Duration) error {
	buf := make([]byte, max(len(tx), len(rx)))
	copy(buf, tx)
	rpio.SpiExchange(buf)
	copy(rx, buf)
	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

func (r *RPi) Close() error {
	rpio.SpiEnd(r.dev)
	return rpio.Close()
}
