package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hevysync.dev/agent/internal/clock"
)

func TestSchedule_FiresAfterClockAdvances(t *testing.T) {
	fc := clock.NewFake(time.Now())
	f := New(fc)

	var mu sync.Mutex
	fired := false
	f.Schedule(fc.Now().Add(5*time.Second), func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})

	fc.Advance(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.False(t, fired)
	mu.Unlock()

	fc.Advance(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.True(t, fired)
	mu.Unlock()
}

func TestCancel_PreventsFiring(t *testing.T) {
	fc := clock.NewFake(time.Now())
	f := New(fc)

	fired := false
	h := f.Schedule(fc.Now().Add(time.Second), func() { fired = true })

	ok := f.Cancel(h)
	require.True(t, ok)

	fc.Advance(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, fired)
}

func TestCancel_UnknownHandleReturnsFalse(t *testing.T) {
	f := New(clock.NewFake(time.Now()))
	assert.False(t, f.Cancel(Handle(999)))
}

func TestPending_ListsScheduledTimes(t *testing.T) {
	fc := clock.NewFake(time.Now())
	f := New(fc)

	t1 := fc.Now().Add(time.Second)
	t2 := fc.Now().Add(2 * time.Second)
	f.Schedule(t1, func() {})
	f.Schedule(t2, func() {})

	pending := f.Pending()
	assert.Len(t, pending, 2)
}

func TestPending_EmptiesAfterFiring(t *testing.T) {
	fc := clock.NewFake(time.Now())
	f := New(fc)

	f.Schedule(fc.Now().Add(time.Second), func() {})
	fc.Advance(2 * time.Second)
	time.Sleep(10 * time.Millisecond)

	assert.Empty(t, f.Pending())
}
