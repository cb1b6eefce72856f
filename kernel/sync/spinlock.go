// Package sync provides the spinlocks used to guard the kernel's global
// memory bookkeeping (frame allocator, page tables, heap free list).
package sync

import (
	"sync/atomic"

	"github.com/vaibhav-gopal/mini-os/kernel/cpu"
)

var (
	// yieldFn is invoked between acquisition attempts. The kernel has no
	// scheduler so it is nil at runtime; tests swap in runtime.Gosched.
	yieldFn func()

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// Locker is implemented by both lock types in this package.
type Locker interface {
	Acquire()
	Release()
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		for atomic.LoadUint32(&l.state) != 0 {
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IRQSpinlock is a Spinlock that also disables interrupts for as long as it
// is held. The kernel runs on a single core so the only contender for a
// lock is an interrupt handler preempting the holder; keeping interrupts
// off while the lock is held rules that out.
type IRQSpinlock struct {
	lock Spinlock

	// restoreIF is set when interrupts were enabled before Acquire.
	restoreIF bool
}

// Acquire disables interrupts and then acquires the lock.
func (l *IRQSpinlock) Acquire() {
	enabled := interruptsEnabledFn()
	if enabled {
		disableInterruptsFn()
	}

	l.lock.Acquire()
	l.restoreIF = enabled
}

// Release releases the lock and re-enables interrupts if they were enabled
// when the lock was acquired.
func (l *IRQSpinlock) Release() {
	restore := l.restoreIF
	l.restoreIF = false
	l.lock.Release()

	if restore {
		enableInterruptsFn()
	}
}
