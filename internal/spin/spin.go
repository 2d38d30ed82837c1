// Package spin provides a small spin mutex for short critical sections.
//
// Hash shard locks are held for the duration of a single point operation,
// so spinning with periodic yields beats parking the goroutine on a
// sync.Mutex under contention from many writers.
package spin

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield bounds busy-waiting before handing the P back to the
// scheduler.
const spinsBeforeYield = 64

// Mutex is a test-and-test-and-set spin lock.
//
// The zero value is an unlocked mutex. It must not be copied after first use.
type Mutex struct {
	state atomic.Uint32
}

// Lock acquires the mutex, spinning with backoff until it is free.
func (m *Mutex) Lock() {
	spins := 0
	for {
		if m.state.Load() == 0 && m.state.CompareAndSwap(0, 1) {
			return
		}
		spins++
		if spins >= spinsBeforeYield {
			spins = 0
			runtime.Gosched()
		}
	}
}

// TryLock acquires the mutex without blocking. It reports whether the lock
// was taken.
func (m *Mutex) TryLock() bool {
	return m.state.Load() == 0 && m.state.CompareAndSwap(0, 1)
}

// Unlock releases the mutex. It must only be called by the current holder.
func (m *Mutex) Unlock() {
	m.state.Store(0)
}
