// Package task tracks background relay goroutines so that they are never
// leaked and can be awaited, or cancelled, at shutdown.
//
// A bare "go relay.Run(...)" is not enough: nothing else in the process
// holds a reference to that goroutine, so there is no way to know it is
// still in flight, and no way to wait for it (or cancel it) when the
// worker shuts down. Supervisor closes that gap the way the teacher's
// circuit.Registry keeps a synchronized map of live objects alive for as
// long as they're reachable — adapted here so each entry also carries its
// own cancel function, since, unlike a circuit breaker, an in-flight
// relay must be individually cancellable on shutdown.
package task

import (
	"context"
	"sync"
)

// Supervisor admits background tasks, removes them on completion, and
// provides a Drain barrier that cancels anything still running past a
// deadline.
type Supervisor struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	cancels map[uint64]context.CancelFunc
	next    uint64
}

// NewSupervisor returns an empty Supervisor ready to admit tasks.
func NewSupervisor() *Supervisor {
	return &Supervisor{cancels: make(map[uint64]context.CancelFunc)}
}

// Spawn admits fn as a supervised background task, running it in its own
// goroutine under a context derived from ctx. The task is removed from
// the supervised set as soon as fn returns, whatever the reason.
func (s *Supervisor) Spawn(ctx context.Context, fn func(context.Context)) {
	taskCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	id := s.next
	s.next++
	s.cancels[id] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
			cancel()
		}()
		fn(taskCtx)
	}()
}

// Len reports the number of tasks currently admitted. Used by the status
// endpoint; never spawns anything itself.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// Drain waits for every admitted task to finish on its own up to
// deadline's expiry, then cancels whatever remains and waits for that
// cancellation to resolve. It returns once every task has observed its
// terminal state.
func (s *Supervisor) Drain(deadline context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-deadline.Done():
	}

	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	<-done
}
