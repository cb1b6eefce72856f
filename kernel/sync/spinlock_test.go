package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/vaibhav-gopal/mini-os/kernel/cpu"
)

func TestSpinlock(t *testing.T) {
	// Substitute the yieldFn with runtime.Gosched to avoid deadlocks while testing
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()
}

func TestIRQSpinlock(t *testing.T) {
	defer func() {
		interruptsEnabledFn = cpu.InterruptsEnabled
		disableInterruptsFn = cpu.DisableInterrupts
		enableInterruptsFn = cpu.EnableInterrupts
	}()

	var ifFlag bool
	interruptsEnabledFn = func() bool { return ifFlag }
	disableInterruptsFn = func() { ifFlag = false }
	enableInterruptsFn = func() { ifFlag = true }

	t.Run("interrupts enabled", func(t *testing.T) {
		var l IRQSpinlock
		ifFlag = true

		l.Acquire()
		if ifFlag {
			t.Fatal("expected interrupts to be disabled while the lock is held")
		}
		if l.lock.TryToAcquire() {
			t.Fatal("expected the inner lock to be held")
		}

		l.Release()
		if !ifFlag {
			t.Fatal("expected interrupts to be re-enabled after Release")
		}
		if !l.lock.TryToAcquire() {
			t.Fatal("expected the inner lock to be free after Release")
		}
	})

	t.Run("interrupts already disabled", func(t *testing.T) {
		var l IRQSpinlock
		ifFlag = false

		l.Acquire()
		l.Release()
		if ifFlag {
			t.Fatal("expected interrupts to remain disabled after Release")
		}
	})
}
