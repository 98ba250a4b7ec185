// Package observer provides an ordered observer list with per-observer fault isolation.
package observer

import (
	"log"
	"sync"

	"github.com/sourcegraph/conc/panics"
)

// PanicHandler receives the recovered panic of a single observer.
type PanicHandler func(list string, recovered *panics.Recovered)

// List delivers values to registered callbacks in registration order. A panicking
// callback is recovered and reported; the remaining callbacks still run.
type List[T any] struct {
	name    string
	onPanic PanicHandler

	mu      sync.RWMutex
	nextID  uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// New constructs an empty list. A nil handler logs recovered panics with the default logger.
func New[T any](name string, onPanic PanicHandler) *List[T] {
	if onPanic == nil {
		onPanic = func(list string, recovered *panics.Recovered) {
			log.Printf("observer %s: recovered panic: %v", list, recovered.Value)
		}
	}
	return &List[T]{
		name:    name,
		onPanic: onPanic,
		mu:      sync.RWMutex{},
		nextID:  0,
		entries: nil,
	}
}

// Register appends fn and returns a func that removes it. The returned func is idempotent.
func (l *List[T]) Register(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, entry[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.unregister(id) })
	}
}

func (l *List[T]) unregister(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			// copy so in-flight Notify snapshots stay intact
			next := make([]entry[T], 0, len(l.entries)-1)
			next = append(next, l.entries[:i]...)
			next = append(next, l.entries[i+1:]...)
			l.entries = next
			return
		}
	}
}

// Len reports the number of registered callbacks.
func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Notify invokes every callback registered at call time and returns how many panicked.
// Callbacks may register or unregister during delivery; changes apply to the next Notify.
func (l *List[T]) Notify(value T) int {
	l.mu.RLock()
	snapshot := l.entries
	l.mu.RUnlock()

	failed := 0
	for _, e := range snapshot {
		var catcher panics.Catcher
		catcher.Try(func() { e.fn(value) })
		if recovered := catcher.Recovered(); recovered != nil {
			failed++
			l.onPanic(l.name, recovered)
		}
	}
	return failed
}
