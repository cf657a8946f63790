package httpapi

import (
	"sync"
	"sync/atomic"
)

// StreamRegistry tracks open /ws/state feeds and supports graceful draining.
// Once draining, new feeds are rejected and open ones are told to close.
//
// mu makes the draining check and wg.Add atomic in Add, so no feed can slip
// in between StartDraining and Wait.
type StreamRegistry struct {
	mu       sync.Mutex
	draining bool
	drainCh  chan struct{}
	wg       sync.WaitGroup
	count    atomic.Int64
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{drainCh: make(chan struct{})}
}

// Add registers a new feed. It returns false while draining.
func (sr *StreamRegistry) Add() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return false
	}
	sr.wg.Add(1)
	sr.count.Add(1)
	return true
}

// Done must be called exactly once per successful Add.
func (sr *StreamRegistry) Done() {
	sr.count.Add(-1)
	sr.wg.Done()
}

func (sr *StreamRegistry) StartDraining() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return
	}
	sr.draining = true
	close(sr.drainCh)
}

// Draining is closed once StartDraining has been called.
func (sr *StreamRegistry) Draining() <-chan struct{} {
	return sr.drainCh
}

func (sr *StreamRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

func (sr *StreamRegistry) ActiveCount() int64 {
	return sr.count.Load()
}

// Wait blocks until every feed has finished.
func (sr *StreamRegistry) Wait() {
	sr.wg.Wait()
}
