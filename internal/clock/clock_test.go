package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const waitFor = time.Second

func TestManual_StartsAtGivenTime(t *testing.T) {
	c := NewManual(epoch)
	assert.Equal(t, epoch, c.Now())
}

func TestManual_AdvanceFiresDueTimers(t *testing.T) {
	c := NewManual(epoch)
	fired := make(chan string, 4)
	c.AfterFunc(3*time.Second, func() { fired <- "c" })
	c.AfterFunc(time.Second, func() { fired <- "a" })
	c.AfterFunc(2*time.Second, func() { fired <- "b" })
	c.AfterFunc(10*time.Second, func() { fired <- "late" })

	c.Advance(3 * time.Second)
	var got []string
	for range 3 {
		select {
		case name := <-fired:
			got = append(got, name)
		case <-time.After(waitFor):
			t.Fatal("timer did not fire")
		}
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
	assert.True(t, c.WaitForTimers(1, waitFor), "the late timer is still scheduled")
	assert.False(t, c.WaitForTimers(2, 10*time.Millisecond))
}

func TestManual_Stop(t *testing.T) {
	c := NewManual(epoch)
	called := make(chan struct{}, 1)
	tm := c.AfterFunc(time.Second, func() { called <- struct{}{} })

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	c.Advance(time.Minute)
	select {
	case <-called:
		t.Fatal("stopped timer fired")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestManual_StopAfterFire(t *testing.T) {
	c := NewManual(epoch)
	tm := c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)
	assert.False(t, tm.Stop())
}

func TestManual_CallbackMayReschedule(t *testing.T) {
	c := NewManual(epoch)
	fired := make(chan int, 2)
	c.AfterFunc(time.Second, func() {
		fired <- 1
		c.AfterFunc(time.Second, func() { fired <- 2 })
	})
	c.Advance(time.Second)
	require.Equal(t, 1, <-fired)
	require.True(t, c.WaitForTimers(1, waitFor))
	c.Advance(time.Second)
	assert.Equal(t, 2, <-fired)
}

func TestManual_WaitForTimers(t *testing.T) {
	c := NewManual(epoch)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.AfterFunc(time.Second, func() {})
	}()
	require.True(t, c.WaitForTimers(1, waitFor))
	wg.Wait()
	assert.False(t, c.WaitForTimers(2, 10*time.Millisecond))
}

func TestReal_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	New().AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("timer did not fire")
	}
}
