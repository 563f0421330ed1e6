package live

import (
	"sync"
)

// SubscribeFunc opens a store subscription that delivers full snapshots to
// fn and returns the function that cancels it.
type SubscribeFunc[T any] func(fn func([]T)) (func(), error)

// Feed connects a store subscription to a Merger. It can be restarted
// after a failure by calling Start again.
type Feed[T any] struct {
	merger    *Merger[T]
	subscribe SubscribeFunc[T]

	mu     sync.Mutex
	cancel func()
	closed bool
}

func NewFeed[T any](merger *Merger[T], subscribe SubscribeFunc[T]) *Feed[T] {
	return &Feed[T]{merger: merger, subscribe: subscribe}
}

// Merger returns the view the feed writes into.
func (f *Feed[T]) Merger() *Merger[T] { return f.merger }

// Start (re)opens the store subscription. An already open subscription is
// cancelled first. Starting a closed feed does nothing.
func (f *Feed[T]) Start() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	previous := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if previous != nil {
		previous()
	}

	cancel, err := f.subscribe(f.merger.Apply)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.closed || f.cancel != nil {
		f.mu.Unlock()
		cancel()
		return nil
	}
	f.cancel = cancel
	f.mu.Unlock()
	return nil
}

// Close cancels the store subscription. Later calls do nothing.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
