// Package bridge carries SPI transfers over a byte stream, so a driver on one
// side can talk to a chip (real or simulated) on the other side of a unix
// socket or a serial line.
package bridge

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Handshake bytes. The client pings, the server answers once before the first
// frame.
const (
	ping = 'A'
	pong = 'R'
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

type opcode uint8

const (
	opTransfer opcode = iota + 1
	opConfigure
)

func (o opcode) String() string {
	switch o {
	case opTransfer:
		return "transfer"
	case opConfigure:
		return "configure"
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

// request is one frame sent by the client.
type request struct {
	Op    opcode        `cbor:"1,keyasint"`
	Tx    []byte        `cbor:"2,keyasint,omitempty"`
	RxLen int           `cbor:"3,keyasint,omitempty"`
	Delay time.Duration `cbor:"4,keyasint,omitempty"`
	Key   int           `cbor:"5,keyasint,omitempty"`
	Value int           `cbor:"6,keyasint,omitempty"`
}

// response answers exactly one request.
type response struct {
	Rx  []byte `cbor:"1,keyasint,omitempty"`
	Err string `cbor:"2,keyasint,omitempty"`
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
