package tracedata

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/traceview/timectrl"
)

// Event is emitted to subscribers when a dataset is added or becomes ready.
type Event struct {
	ID    string
	Ready bool
}

// Status is a dataset's listing entry.
type Status struct {
	Info
	Ready bool `json:"ready"`
}

type storeEntry struct {
	ds      *Dataset
	ready   bool
	readyAt time.Time
	timer   timectrl.Timer
}

// Store is an in-memory, thread-safe set of datasets. A dataset may be
// added with a preparation delay, during which it is listed but not ready.
type Store struct {
	mu    sync.RWMutex
	clock timectrl.Clock

	entries map[string]*storeEntry

	subs     []storeSub
	nextSub  int
	isClosed bool
}

type storeSub struct {
	id int
	fn func(Event)
}

// NewStore constructs an empty store. A nil clock means wall time.
func NewStore(clock timectrl.Clock) *Store {
	if clock == nil {
		clock = timectrl.Real()
	}
	return &Store{clock: clock, entries: make(map[string]*storeEntry)}
}

// Add registers ds. With a positive prepare delay it turns ready once the
// delay elapses on the store's clock; otherwise it is ready immediately.
func (s *Store) Add(ds *Dataset, prepare time.Duration) error {
	s.mu.Lock()
	if _, exists := s.entries[ds.ID()]; exists {
		s.mu.Unlock()
		return fmt.Errorf("dataset with ID %q already exists", ds.ID())
	}
	e := &storeEntry{ds: ds, ready: prepare <= 0, readyAt: s.clock.Now().Add(prepare)}
	s.entries[ds.ID()] = e
	if !e.ready {
		id := ds.ID()
		e.timer = s.clock.AfterFunc(prepare, func() { s.markReady(id) })
	}
	subs := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(Event{ID: ds.ID(), Ready: e.ready})
	}
	return nil
}

// Get returns the dataset with the given ID, ready or not.
func (s *Store) Get(id string) (*Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return e.ds, nil
}

// Ready reports whether id can be queried, and if not, roughly how long
// until it can.
func (s *Store) Ready(id string) (bool, time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return false, 0, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if e.ready {
		return true, 0, nil
	}
	wait := e.readyAt.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return false, wait, nil
}

// List returns a snapshot of every dataset, sorted by ID.
func (s *Store) List() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Status{Info: e.ds.Info(), Ready: e.ready})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of datasets and how many are ready.
func (s *Store) Counts() (total, ready int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		total++
		if e.ready {
			ready++
		}
	}
	return total, ready
}

// Subscribe registers a callback for store events. It returns an unsubscribe
// function.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, storeSub{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Close stops pending preparation timers and drops subscribers.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.subs = nil
	s.isClosed = true
}

func (s *Store) markReady(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.ready || s.isClosed {
		s.mu.Unlock()
		return
	}
	e.ready = true
	e.timer = nil
	subs := s.snapshotLocked()
	s.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, fn := range subs {
		fn(Event{ID: id, Ready: true})
	}
}

func (s *Store) snapshotLocked() []func(Event) {
	out := make([]func(Event), len(s.subs))
	for i, sub := range s.subs {
		out[i] = sub.fn
	}
	return out
}
