package live

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/pliu/chatsync/internal/clock"
)

// Merger keeps the sorted working set of one live view.
//
// Apply replaces the working set with a store snapshot. Put adds a local
// write so it shows up before the store reports it. A local write stays
// in the overlay until a snapshot contains an item with the same key or
// its TTL runs out, whichever comes first.
//
// Emissions are synchronous: Apply and Put return after every subscriber
// has seen the new view. Callbacks must not call Apply or Put on the same
// Merger.
type Merger[T any] struct {
	order      Order[T]
	clock      clock.Clock
	overlayTTL time.Duration

	mu          sync.Mutex
	applied     bool
	view        []ranked[T]
	arrival     map[string]uint64
	nextArrival uint64
	overlay     map[string]overlayEntry[T]
	subscribers map[uint64]*subscriber[T]
	nextSub     uint64
	version     uint64

	emitMu  sync.Mutex
	emitted uint64
}

type overlayEntry[T any] struct {
	item    T
	expires time.Time
}

type subscriber[T any] struct {
	key uint64
	sub *Subscription
	fn  func([]T)
}

// NewMerger returns an empty view. A non-positive overlayTTL keeps local
// writes until a snapshot contains them.
func NewMerger[T any](order Order[T], clk clock.Clock, overlayTTL time.Duration) *Merger[T] {
	return &Merger[T]{
		order:       order,
		clock:       clk,
		overlayTTL:  overlayTTL,
		arrival:     make(map[string]uint64),
		overlay:     make(map[string]overlayEntry[T]),
		subscribers: make(map[uint64]*subscriber[T]),
	}
}

// Apply replaces the working set with snapshot and emits the result.
func (m *Merger[T]) Apply(snapshot []T) {
	m.mu.Lock()
	now := m.clock.Now()
	seen := make(map[string]bool, len(snapshot))
	working := make([]ranked[T], 0, len(snapshot)+len(m.overlay))
	for _, item := range snapshot {
		key := m.order.Key(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		working = append(working, ranked[T]{item: item, arrival: m.arrive(key)})
	}
	for key, entry := range m.overlay {
		if seen[key] || m.expired(entry, now) {
			delete(m.overlay, key)
			continue
		}
		seen[key] = true
		working = append(working, ranked[T]{item: entry.item, arrival: m.arrive(key)})
	}
	for key := range m.arrival {
		if !seen[key] {
			delete(m.arrival, key)
		}
	}
	m.applied = true
	m.replace(working)
}

// Put merges a locally written item into the view. An item the store has
// already delivered is left as the store reported it.
func (m *Merger[T]) Put(item T) {
	m.mu.Lock()
	key := m.order.Key(item)
	if slices.ContainsFunc(m.view, func(r ranked[T]) bool { return m.order.Key(r.item) == key }) {
		m.mu.Unlock()
		return
	}
	m.overlay[key] = overlayEntry[T]{item: item, expires: m.clock.Now().Add(m.overlayTTL)}
	working := append(slices.Clone(m.view), ranked[T]{item: item, arrival: m.arrive(key)})
	m.replace(working)
}

// View returns a copy of the current sorted view.
func (m *Merger[T]) View() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items()
}

// Subscribe registers fn. When a snapshot has already been applied, fn
// receives the current view before Subscribe returns.
func (m *Merger[T]) Subscribe(fn func([]T)) *Subscription {
	m.mu.Lock()
	key := m.nextSub
	m.nextSub++
	s := &subscriber[T]{key: key, fn: fn}
	s.sub = NewSubscription(func() {
		m.mu.Lock()
		delete(m.subscribers, key)
		m.mu.Unlock()
	})
	m.subscribers[key] = s
	applied, view := m.applied, m.items()
	m.mu.Unlock()

	if applied {
		m.emitMu.Lock()
		if s.sub.Active() {
			fn(view)
		}
		m.emitMu.Unlock()
	}
	return s.sub
}

// arrive returns the arrival rank of key, assigning one on first sight.
// Callers hold mu.
func (m *Merger[T]) arrive(key string) uint64 {
	if rank, ok := m.arrival[key]; ok {
		return rank
	}
	rank := m.nextArrival
	m.nextArrival++
	m.arrival[key] = rank
	return rank
}

func (m *Merger[T]) expired(entry overlayEntry[T], now time.Time) bool {
	return m.overlayTTL > 0 && !now.Before(entry.expires)
}

// items copies the view out. Callers hold mu.
func (m *Merger[T]) items() []T {
	items := make([]T, len(m.view))
	for i, r := range m.view {
		items[i] = r.item
	}
	return items
}

// replace sorts working, installs it, releases mu and emits. Callers hold
// mu; it is released on return.
func (m *Merger[T]) replace(working []ranked[T]) {
	m.order.sort(working)
	m.view = working
	m.version++
	version, view := m.version, m.items()
	subscribers := make([]*subscriber[T], 0, len(m.subscribers))
	for _, s := range m.subscribers {
		subscribers = append(subscribers, s)
	}
	m.mu.Unlock()

	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	// A newer view already went out from another goroutine.
	if version < m.emitted {
		return
	}
	m.emitted = version
	slices.SortFunc(subscribers, func(a, b *subscriber[T]) int { return cmp.Compare(a.key, b.key) })
	for _, s := range subscribers {
		if s.sub.Active() {
			s.fn(slices.Clone(view))
		}
	}
}
