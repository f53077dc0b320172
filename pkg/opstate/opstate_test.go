package opstate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siemens-mobile-hacks/flashmem/pkg/memory"
)

func TestBeginWhilePendingIsBusy(t *testing.T) {
	tr := NewTracker()

	rec, err := tr.Begin(Erase, 0x1000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, Pending, rec.Status)
	assert.True(t, tr.Busy())

	_, err = tr.Begin(Write, 0, 256)
	assert.ErrorIs(t, err, memory.ErrBusy)
	assert.ErrorIs(t, err, memory.ErrBadArg)
	assert.Equal(t, memory.StatusBadArg, memory.StatusOf(err))

	require.True(t, tr.Complete(rec.ID, nil))
	assert.False(t, tr.Busy())

	_, err = tr.Begin(Write, 0, 256)
	assert.NoError(t, err, "a terminal record must not block the next operation")
}

func TestPendAfterCompletionReturnsImmediately(t *testing.T) {
	tr := NewTracker()
	rec, err := tr.Begin(Write, 0, 256)
	require.NoError(t, err)
	require.True(t, tr.Complete(rec.ID, nil))

	start := time.Now()
	assert.NoError(t, tr.Pend(memory.WriteComplete, time.Second))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	_, ok := tr.Current()
	assert.False(t, ok, "pend must consume the record")
}

func TestPendZeroTimeoutPolls(t *testing.T) {
	tr := NewTracker()
	rec, err := tr.Begin(Erase, 0, 4096)
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Pend(memory.EraseComplete, 0), memory.ErrTimeout)

	tr.Complete(rec.ID, nil)
	assert.NoError(t, tr.Pend(memory.EraseComplete, 0))
}

func TestPendWaitsForCompletionFromAnotherGoroutine(t *testing.T) {
	tr := NewTracker()
	rec, err := tr.Begin(EraseChip, 0, 1<<20)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.Complete(rec.ID, nil)
	}()

	assert.NoError(t, tr.Pend(memory.EraseComplete, memory.TimeoutBlock))
}

func TestPendTimesOut(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Begin(Write, 0, 16)
	require.NoError(t, err)

	err = tr.Pend(memory.WriteComplete, 20*time.Millisecond)
	assert.ErrorIs(t, err, memory.ErrTimeout)
	assert.Equal(t, memory.StatusTimeout, memory.StatusOf(err))
	assert.True(t, tr.Busy(), "a timed out pend leaves the operation in flight")
}

func TestPendOtherEventDoesNotConsume(t *testing.T) {
	tr := NewTracker()
	rec, err := tr.Begin(Write, 0, 16)
	require.NoError(t, err)
	tr.Complete(rec.ID, nil)

	assert.ErrorIs(t, tr.Pend(memory.EraseComplete, 10*time.Millisecond), memory.ErrTimeout)
	assert.NoError(t, tr.Pend(memory.WriteComplete, 0))
}

func TestPendReportsHardwareFailure(t *testing.T) {
	tr := NewTracker()
	rec, err := tr.Begin(Erase, 0, 4096)
	require.NoError(t, err)

	hwErr := errors.New("erase fail bit set")
	tr.Complete(rec.ID, hwErr)
	cur, ok := tr.Current()
	require.True(t, ok)
	assert.Equal(t, Error, cur.Status)

	err = tr.Pend(memory.EraseComplete, 0)
	assert.ErrorIs(t, err, memory.ErrFail)
	assert.Contains(t, err.Error(), "erase fail bit set")
}

func TestCompleteIgnoresStaleRecords(t *testing.T) {
	tr := NewTracker()
	rec, err := tr.Begin(Write, 0, 16)
	require.NoError(t, err)

	assert.False(t, tr.Complete(uuid.New(), nil))
	assert.True(t, tr.Complete(rec.ID, nil))
	assert.False(t, tr.Complete(rec.ID, errors.New("late")), "a terminal record cannot change")

	tr.Reset()
	assert.False(t, tr.Complete(rec.ID, nil))
}

func TestConcurrentPendersAndCompleter(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 50; i++ {
		rec, err := tr.Begin(Write, int64(i)*256, 256)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			tr.Complete(id, nil)
		}(rec.ID)

		require.NoError(t, tr.Pend(memory.WriteComplete, time.Second))
		wg.Wait()
	}
}

func TestKindEvents(t *testing.T) {
	assert.Equal(t, memory.ReadComplete, Read.Event())
	assert.Equal(t, memory.WriteComplete, Write.Event())
	assert.Equal(t, memory.EraseComplete, Erase.Event())
	assert.Equal(t, memory.EraseComplete, EraseChip.Event())
	assert.Equal(t, "ERASE_CHIP", EraseChip.String())
}
