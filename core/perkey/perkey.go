// Package perkey serializes work per key while unrelated keys proceed
// in parallel.
//
// A store node serves pipelines from several clients at once: commands
// touching the same key must not interleave, but one big lock would
// serialize the whole node. The scheduler keeps one slot per active key
// and forgets a key once nobody holds or waits on it, so it stays small
// under an unbounded key space.
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("perkey: scheduler closed")

// Scheduler runs tasks such that at most one task executes per key at a
// time. Tasks for different keys proceed in parallel.
type Scheduler[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
	closed  bool
	wg      sync.WaitGroup // in-flight Do calls
}

// entry is a key's slot. refs counts the holder plus waiters; the entry
// leaves the map when refs drops to zero.
type entry struct {
	sem  chan struct{}
	refs int
}

// New creates a Scheduler.
func New[K comparable]() *Scheduler[K] {
	return &Scheduler[K]{entries: make(map[K]*entry)}
}

// Do runs fn while holding the key's slot and returns fn's error.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but stops waiting for the slot when ctx ends.
// Once fn has started it runs to completion.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	defer s.wg.Done()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		s.release(key, e)
		return ctx.Err()
	}

	err := fn()
	<-e.sem
	s.release(key, e)
	return err
}

// Close rejects new work and waits for in-flight tasks to settle.
// It is safe to call more than once.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
}

// Len reports how many keys currently have a holder or waiters.
func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler[K]) release(key K, e *entry) {
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}
