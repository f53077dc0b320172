// Package opstate serializes device operations and bridges hardware
// completion, which arrives on another goroutine, to callers that pend on it.
package opstate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/siemens-mobile-hacks/flashmem/pkg/memory"
)

type Kind int

const (
	Read Kind = iota
	Write
	Erase
	EraseChip
)

func (k Kind) String() string {
	switch k {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case Erase:
		return "ERASE"
	case EraseChip:
		return "ERASE_CHIP"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Event is the completion event a kind resolves to.
func (k Kind) Event() memory.Event {
	switch k {
	case Read:
		return memory.ReadComplete
	case Write:
		return memory.WriteComplete
	}
	return memory.EraseComplete
}

type Status int

const (
	Pending Status = iota
	Complete
	Error
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Complete:
		return "COMPLETE"
	case Error:
		return "ERROR"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Record is one issued operation. Fields other than Status and Err are fixed
// when the record is created.
type Record struct {
	ID      uuid.UUID
	Kind    Kind
	Address int64
	Length  int64
	Status  Status
	Err     error
}

// Tracker holds at most one record. Waiters sleep on wake, which is closed
// and replaced on every transition.
type Tracker struct {
	mu   sync.Mutex
	rec  *Record
	wake chan struct{}
}

func NewTracker() *Tracker {
	return &Tracker{wake: make(chan struct{})}
}

// Begin creates a pending record. It fails with memory.ErrBusy while another
// record is pending; an unconsumed terminal record is discarded.
func (t *Tracker) Begin(kind Kind, addr, length int64) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec != nil && t.rec.Status == Pending {
		return nil, fmt.Errorf("%v requested while %v of 0x%X is in flight: %w", kind, t.rec.Kind, t.rec.Address, memory.ErrBusy)
	}
	t.rec = &Record{
		ID:      uuid.New(),
		Kind:    kind,
		Address: addr,
		Length:  length,
		Status:  Pending,
	}
	t.broadcast()
	rec := *t.rec
	return &rec, nil
}

// Complete resolves the pending record with the given id. It reports false if
// that record is no longer the current one or is already terminal.
func (t *Tracker) Complete(id uuid.UUID, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec == nil || t.rec.ID != id || t.rec.Status != Pending {
		return false
	}
	if err != nil {
		t.rec.Status = Error
		t.rec.Err = err
	} else {
		t.rec.Status = Complete
	}
	t.broadcast()
	return true
}

// Pend waits until the record for ev is terminal and consumes it. A zero
// timeout polls once, memory.TimeoutBlock waits forever.
func (t *Tracker) Pend(ev memory.Event, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		t.mu.Lock()
		if rec := t.rec; rec != nil && rec.Kind.Event() == ev && rec.Status != Pending {
			t.rec = nil
			t.broadcast()
			t.mu.Unlock()
			if rec.Status == Error {
				return fmt.Errorf("%v of 0x%X+0x%X failed: %w", rec.Kind, rec.Address, rec.Length, wrapFail(rec.Err))
			}
			return nil
		}
		wake := t.wake
		t.mu.Unlock()

		if timeout == 0 {
			return fmt.Errorf("%v not signaled: %w", ev, memory.ErrTimeout)
		}
		select {
		case <-wake:
		case <-deadline:
			return fmt.Errorf("%v not signaled within %v: %w", ev, timeout, memory.ErrTimeout)
		}
	}
}

// Current returns a copy of the current record, if any.
func (t *Tracker) Current() (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec == nil {
		return Record{}, false
	}
	return *t.rec, true
}

// Busy reports whether a record is pending.
func (t *Tracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec != nil && t.rec.Status == Pending
}

// Reset drops the current record without waking it up. Callers use it when
// the device is closed.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rec = nil
	t.broadcast()
}

func (t *Tracker) broadcast() {
	close(t.wake)
	t.wake = make(chan struct{})
}

func wrapFail(err error) error {
	if errors.Is(err, memory.ErrFail) || errors.Is(err, memory.ErrBadArg) {
		return err
	}
	return fmt.Errorf("%w: %v", memory.ErrFail, err)
}
