package concurrency

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	var k KeyedMutex
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Do("com.example.notes", func() {
				n := inside.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
			})
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	var k KeyedMutex
	assert.Same(t, k.For("a"), k.For("a"))
	assert.NotSame(t, k.For("a"), k.For("b"))

	k.For("a").Lock()
	defer k.For("a").Unlock()

	done := make(chan struct{})
	go k.Do("b", func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("b blocked behind a")
	}
}

func TestSafeCallRecovers(t *testing.T) {
	err := SafeCall(func() error { panic("boom") })
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.EqualError(t, err, "panic: boom")

	sentinel := errors.New("plain")
	assert.Same(t, sentinel, SafeCall(func() error { return sentinel }))
	assert.NoError(t, SafeCall(func() error { return nil }))
}

func TestSafeGoRecovers(t *testing.T) {
	got := make(chan any, 1)
	SafeGo(func() { panic("late") }, func(r any) { got <- r })
	select {
	case r := <-got:
		assert.Equal(t, "late", r)
	case <-time.After(time.Second):
		t.Fatal("panic handler not called")
	}

	ran := make(chan struct{})
	SafeGo(func() { close(ran) }, nil)
	<-ran
}
