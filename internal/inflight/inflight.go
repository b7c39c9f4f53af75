// Package inflight tracks keyed background tasks and guarantees at most one
// running task per key.
package inflight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/groupbot/pkg/logger"
)

// Set is a tracked-task registry. The zero value is not usable; use New.
type Set struct {
	mu     sync.Mutex
	keys   map[string]struct{}
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a set whose tasks run under a context derived from parent.
func New(parent context.Context) *Set {
	ctx, cancel := context.WithCancel(parent)
	return &Set{
		keys:   make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go starts fn for key unless a task for key is already running or the set
// is closed. Membership test and insertion happen under one lock. The key
// is released when fn returns or panics.
func (s *Set) Go(key string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, busy := s.keys[key]; busy {
		s.mu.Unlock()
		return false
	}
	s.keys[key] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.release(key)
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("key", key).
					Str("panic", fmt.Sprint(r)).
					Msg("Recovered panic in background task")
			}
		}()
		fn(s.ctx)
	}()
	return true
}

func (s *Set) release(key string) {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
}

// Has reports whether a task for key is running.
func (s *Set) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Closed reports whether the set rejects new tasks.
func (s *Set) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Len returns the number of running tasks.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Wait blocks until every running task returns or timeout elapses. It
// reports whether all tasks finished.
func (s *Set) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Close rejects new tasks and cancels the context of running ones. Running
// tasks keep their keys until they return.
func (s *Set) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

// Shutdown rejects new tasks, gives running ones up to timeout to finish,
// then cancels whatever is left. It reports whether all tasks finished in
// time.
func (s *Set) Shutdown(timeout time.Duration) bool {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	finished := s.Wait(timeout)
	s.cancel()
	return finished
}
