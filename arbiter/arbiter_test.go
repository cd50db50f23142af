package arbiter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-branch/logging"
	"github.com/Meander-Cloud/go-branch/result"
)

func newTestArbiter(t *testing.T, length uint16) *Arbiter {
	a, err := NewArbiter(&Options{
		EventChannelLength: length,
		LogPrefix:          "test",
		LogDebug:           false,
		Logger:             logging.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)
	return a
}

func TestDispatchRunsInOrder(t *testing.T) {
	a := newTestArbiter(t, 0)

	var mutex sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, a.Dispatch(func() {
			mutex.Lock()
			order = append(order, i)
			mutex.Unlock()
			if i == 99 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatal("dispatched functors did not run")
	}

	mutex.Lock()
	defer mutex.Unlock()
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestDispatchSurvivesPanic(t *testing.T) {
	a := newTestArbiter(t, 0)

	done := make(chan struct{})
	require.NoError(t, a.Dispatch(func() { panic("boom") }))
	require.NoError(t, a.Dispatch(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatal("arbiter stopped after panic")
	}
}

func TestDispatchOverflowDoesNotDrop(t *testing.T) {
	a := newTestArbiter(t, 2)

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(10)

	require.NoError(t, a.Dispatch(func() { <-block }))
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Dispatch(wg.Done))
	}
	close(block)

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second * 5):
		t.Fatal("overflowed functors were dropped")
	}
}

func TestDispatchAfterShutdown(t *testing.T) {
	a := newTestArbiter(t, 0)
	a.Shutdown()

	err := a.Dispatch(func() {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, result.ErrCanceled))
}

func TestScheduleTimer(t *testing.T) {
	a := newTestArbiter(t, 0)

	fired := make(chan time.Time, 1)
	start := time.Now()
	a.ScheduleTimer(GroupAdvertising, time.Millisecond*50, func() {
		fired <- time.Now()
	})

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), time.Millisecond*40)
	case <-time.After(time.Second * 5):
		t.Fatal("timer did not fire")
	}
}

func TestReleaseGroupCancelsTimer(t *testing.T) {
	a := newTestArbiter(t, 0)

	fired := make(chan struct{}, 1)
	a.ScheduleTimer(GroupHeartbeat, time.Millisecond*100, func() {
		fired <- struct{}{}
	})
	a.ReleaseGroup(GroupHeartbeat)

	select {
	case <-fired:
		t.Fatal("released timer fired")
	case <-time.After(time.Millisecond * 300):
	}
}

func TestDrain(t *testing.T) {
	a := newTestArbiter(t, 0)

	var mutex sync.Mutex
	count := 0
	for i := 0; i < 50; i++ {
		require.NoError(t, a.Dispatch(func() {
			mutex.Lock()
			count++
			mutex.Unlock()
		}))
	}

	a.Drain()

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 50, count)
}

func TestEventChannelLengthSizesTaskQueue(t *testing.T) {
	a := newTestArbiter(t, 8)
	assert.Equal(t, 8, cap(a.taskch))

	a = newTestArbiter(t, 0)
	assert.Equal(t, int(EventChannelLength), cap(a.taskch))
}
