// Package stream provides the two broadcast primitives backing session
// observables: a hot fan-out with no replay (membership events) and a
// latest-value fan-out that replays the last published value to new
// subscribers (name and avatar metadata).
package stream

import "sync"

const subscriberBuffer = 16

// Stream is a hot broadcast: subscribers receive values published after
// they join. Publish never blocks; a subscriber that falls more than
// subscriberBuffer values behind drops the overflow.
type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

// New creates an empty hot stream.
func New[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new subscriber. The cancel function releases the
// subscription and closes the channel; it is safe to call more than once.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	subID := s.nextID
	s.nextID++
	s.subs[subID] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[subID]; ok {
			delete(s.subs, subID)
			close(sub)
		}
	}
}

// Publish delivers value to every current subscriber.
func (s *Stream[T]) Publish(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, sub := range s.subs {
		select {
		case sub <- value:
		default:
		}
	}
}

// Close releases every subscriber; later publishes are no-ops.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for subID, sub := range s.subs {
		delete(s.subs, subID)
		close(sub)
	}
}

// Latest is a broadcast that additionally replays the most recent value to
// each new subscriber, so late joiners observe the current state.
type Latest[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	last   T
	has    bool
	closed bool
}

// NewLatest creates an empty latest-value stream.
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new subscriber, replaying the last value first.
func (l *Latest[T]) Subscribe() (<-chan T, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan T, subscriberBuffer)
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	if l.has {
		ch <- l.last
	}

	subID := l.nextID
	l.nextID++
	l.subs[subID] = ch

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if sub, ok := l.subs[subID]; ok {
			delete(l.subs, subID)
			close(sub)
		}
	}
}

// Publish records value as the latest and delivers it to every subscriber.
func (l *Latest[T]) Publish(value T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.last = value
	l.has = true
	for _, sub := range l.subs {
		select {
		case sub <- value:
		default:
		}
	}
}

// Close releases every subscriber; later publishes are no-ops.
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for subID, sub := range l.subs {
		delete(l.subs, subID)
		close(sub)
	}
}
