package live

import (
	"sync"
	"sync/atomic"
)

// Subscription is the handle returned for a live view. Unsubscribe may be
// called any number of times, from any goroutine, including from inside
// the subscriber's own callback. Once it returns the subscriber receives
// nothing more, apart from a delivery another goroutine already started.
type Subscription struct {
	closed atomic.Bool
	once   sync.Once
	stop   func()
}

// NewSubscription returns a handle that runs stop on the first Unsubscribe.
func NewSubscription(stop func()) *Subscription {
	return &Subscription{stop: stop}
}

func (s *Subscription) Unsubscribe() {
	s.closed.Store(true)
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// Active reports whether Unsubscribe has not been called yet.
func (s *Subscription) Active() bool { return !s.closed.Load() }
