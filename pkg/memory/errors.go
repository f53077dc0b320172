package memory

import (
	"errors"
	"fmt"
)

// Status is the coarse classification of a driver result.
type Status int

const (
	StatusOK Status = iota
	StatusBadArg
	StatusTimeout
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ERR_OK"
	case StatusBadArg:
		return "ERR_BAD_ARG"
	case StatusTimeout:
		return "ERR_TIMEOUT"
	case StatusFail:
		return "ERR_FAIL"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

var (
	// ErrBadArg reports a malformed, misaligned or out-of-range request.
	ErrBadArg = errors.New("bad argument")
	// ErrTimeout reports that a pend exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrFail reports a hardware or transport failure.
	ErrFail = errors.New("device failure")

	// ErrBusy is returned when a request is issued while another one is pending.
	ErrBusy = fmt.Errorf("%w: operation in progress", ErrBadArg)
	// ErrIdentity is returned by Open when the attached chip is not the expected part.
	ErrIdentity = fmt.Errorf("%w: device identity mismatch", ErrFail)
	// ErrNotOpen is returned for requests against a device that is not open.
	ErrNotOpen = fmt.Errorf("%w: device not open", ErrFail)
)

// StatusOf classifies err. Errors outside the taxonomy count as failures.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrBadArg):
		return StatusBadArg
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	}
	return StatusFail
}
