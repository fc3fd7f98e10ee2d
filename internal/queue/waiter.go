package queue

import "sync"

// waiter is a minimal broadcast registry: consumers register a wake channel
// before checking the store, producers notify after a write. Channels have a
// one-slot buffer so notify never blocks the producer.
type waiter struct {
	mu   sync.Mutex
	next int
	subs map[int]chan struct{}
}

func newWaiter() *waiter {
	return &waiter{subs: make(map[int]chan struct{})}
}

func (w *waiter) register() (<-chan struct{}, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.next
	w.next++
	ch := make(chan struct{}, 1)
	w.subs[id] = ch

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}
}

func (w *waiter) notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
