// Package signal implements a small, type-safe pub/sub bus. Emitters
// broadcast a value of type T to every currently connected subscriber, in
// subscription order; subscribing or disconnecting mid-emission takes
// effect starting with the next emission, never the one in progress.
//
// This generalizes the On*(fn func(...)) callback-registration idiom
// found throughout event-driven network code into one reusable, ordered,
// disconnect-by-token primitive.
package signal

import "github.com/1ureka/rtpmidi/internal/token"

type subscriber[T any] struct {
	id   uint64
	fn   func(T)
	live bool
}

// Signal is an ordered broadcaster of values of type T. The zero value is
// ready to use.
type Signal[T any] struct {
	subs     []subscriber[T]
	nextID   uint64
	emitting bool
	// pendingClose holds ids disconnected while emitting is true; applying
	// them immediately would let a disconnect fired from inside a
	// subscriber callback affect subscribers later in the very same Emit
	// call, which is the one thing this bus must never do.
	pendingClose []uint64
}

// New creates an empty Signal.
func New[T any]() *Signal[T] {
	return &Signal[T]{}
}

// Connect registers fn as a subscriber and returns a Token that
// disconnects it when closed. fn is never invoked re-entrantly by the
// Signal itself.
func (s *Signal[T]) Connect(fn func(T)) *token.Token {
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscriber[T]{id: id, fn: fn, live: true})

	return token.New(func() { s.disconnect(id) })
}

func (s *Signal[T]) disconnect(id uint64) {
	if s.emitting {
		s.pendingClose = append(s.pendingClose, id)
		return
	}
	for i := range s.subs {
		if s.subs[i].id == id {
			s.subs[i].live = false
			break
		}
	}
	s.compact()
}

// Emit calls every subscriber that was connected and live at the moment
// this call began, in subscription order, and never invokes one connected
// during the call. Disconnects requested from inside a subscriber callback
// are applied only after every subscriber for this Emit has run.
func (s *Signal[T]) Emit(v T) {
	n := len(s.subs)
	s.emitting = true
	for i := 0; i < n; i++ {
		if s.subs[i].live {
			s.subs[i].fn(v)
		}
	}
	s.emitting = false

	for _, id := range s.pendingClose {
		for i := range s.subs {
			if s.subs[i].id == id {
				s.subs[i].live = false
				break
			}
		}
	}
	s.pendingClose = s.pendingClose[:0]
	s.compact()
}

// compact drops disconnected subscribers so the backing slice does not
// grow without bound across a long-lived Signal's lifetime.
func (s *Signal[T]) compact() {
	live := s.subs[:0]
	for _, sub := range s.subs {
		if sub.live {
			live = append(live, sub)
		}
	}
	s.subs = live
}

// Len reports the number of currently connected subscribers.
func (s *Signal[T]) Len() int {
	n := 0
	for _, sub := range s.subs {
		if sub.live {
			n++
		}
	}
	return n
}
