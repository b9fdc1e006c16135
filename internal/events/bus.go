// Package events delivers published values to subscribers in publish order.
//
// Publish never blocks on a slow subscriber: each subscriber owns an unbounded
// queue drained by its own goroutine, so handlers may call back into the
// publisher without deadlocking.
package events

import "sync"

// Bus fans out events of type E to subscribers.
type Bus[E any] struct {
	mu     sync.Mutex
	subs   map[int]*subscriber[E]
	nextID int
	closed bool
}

type subscriber[E any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []E
	closed bool
	done   chan struct{}
	fn     func(E)
}

// NewBus returns an empty bus.
func NewBus[E any]() *Bus[E] {
	return &Bus[E]{subs: make(map[int]*subscriber[E])}
}

// Subscribe registers fn. The returned cancel func stops the subscription
// after every event published before the call has been delivered.
//
// Cancel and Close wait for the subscriber's goroutine, so a handler must not
// call them synchronously on its own subscription; it can use go cancel().
func (b *Bus[E]) Subscribe(fn func(E)) (cancel func()) {
	s := &subscriber[E]{done: make(chan struct{}), fn: fn}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.loop()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.stop()
		})
	}
}

// Publish enqueues e for every current subscriber.
func (b *Bus[E]) Publish(e E) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.push(e)
	}
}

// Close drains and stops all subscribers. Later Subscribe calls get a no-op.
// It must not be called from inside a handler.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber[E])
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (s *subscriber[E]) push(e E) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, e)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber[E]) stop() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
}

func (s *subscriber[E]) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, e := range batch {
			s.fn(e)
		}
	}
}
