// Package freelist implements Component D: one LIFO stack of free
// blocks per size class, each guarded by its own test-and-test-and-set
// spinlock — the first of the two designs spec §4.D permits. See
// DESIGN.md's Open Question log for why the lock-free alternative was
// not taken.
package freelist

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/taskalloc/gomalloc/internal/blockhdr"
)

// spinlock is a tiny TTAS (test-and-test-and-set) lock. Holding time for
// push/pop is a handful of instructions, so spinning beats parking a
// goroutine on a channel or sync.Mutex's futex path.
type spinlock struct {
	state int32
}

func (s *spinlock) Lock() {
	for {
		if atomic.CompareAndSwapInt32(&s.state, 0, 1) {
			return
		}
		for atomic.LoadInt32(&s.state) != 0 {
			runtime.Gosched()
		}
	}
}

func (s *spinlock) Unlock() {
	atomic.StoreInt32(&s.state, 0)
}

type class struct {
	lock spinlock
	head uintptr // address of the head free block's header, 0 = empty
}

// Engine holds one freelist per size class.
type Engine struct {
	classes []class
}

// New creates an Engine with numClasses independent freelists.
func New(numClasses int) *Engine {
	return &Engine{classes: make([]class, numClasses)}
}

// Pop removes and returns the most recently freed block's header
// address for class, or nil if the class's freelist is empty.
func (e *Engine) Pop(classIdx int) unsafe.Pointer {
	c := &e.classes[classIdx]
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.head == 0 {
		return nil
	}
	hdr := unsafe.Pointer(c.head)
	c.head = blockhdr.Link(hdr)
	return hdr
}

// Push inserts hdr at the head of class's freelist. hdr must be a real
// header (never a fake header) belonging to this class.
func (e *Engine) Push(classIdx int, hdr unsafe.Pointer) {
	c := &e.classes[classIdx]
	c.lock.Lock()
	defer c.lock.Unlock()
	blockhdr.SetLink(hdr, c.head)
	c.head = uintptr(hdr)
}

// Len reports the current number of free blocks in class, for tests and
// diagnostics. O(n) in the list length.
func (e *Engine) Len(classIdx int) int {
	c := &e.classes[classIdx]
	c.lock.Lock()
	defer c.lock.Unlock()
	n := 0
	for p := c.head; p != 0; p = blockhdr.Link(unsafe.Pointer(p)) {
		n++
	}
	return n
}
