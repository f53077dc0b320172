package memory

import (
	"fmt"
	"time"
)

// TimeoutBlock makes PendEvent wait until the event fires.
const TimeoutBlock time.Duration = -1

// Event names the completion of a request kind.
type Event int

const (
	EraseComplete Event = iota
	WriteComplete
	ReadComplete
)

func (e Event) String() string {
	switch e {
	case EraseComplete:
		return "MEM_ERASE_COMPLETE"
	case WriteComplete:
		return "MEM_WRITE_COMPLETE"
	case ReadComplete:
		return "MEM_READ_COMPLETE"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}
