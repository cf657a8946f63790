package stt

import (
	"errors"
	"sync"
)

var errSharedClosed = errors.New("shared recognizer is closed")

// Factory builds a recognizer. It is called lazily on first Acquire.
type Factory func() (Recognizer, error)

// Shared is a reference-counted recognizer shared by every listener in the
// process. The recognizer is built on first Acquire and closed when the last
// handle is released or the Shared is closed.
type Shared struct {
	factory Factory

	mu     sync.Mutex
	rec    Recognizer
	refs   int
	closed bool
}

func NewShared(factory Factory) *Shared {
	return &Shared{factory: factory}
}

// Acquire returns a handle to the shared recognizer, building it if needed.
func (s *Shared) Acquire() (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errSharedClosed
	}
	if s.rec == nil {
		rec, err := s.factory()
		if err != nil {
			return nil, err
		}
		s.rec = rec
	}
	s.refs++
	return &Handle{shared: s, rec: s.rec}, nil
}

// Refs reports the number of live handles.
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

func (s *Shared) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs > 0 {
		s.refs--
	}
	if s.refs > 0 || s.rec == nil {
		return nil
	}
	rec := s.rec
	s.rec = nil
	return rec.Close()
}

// Close tears the recognizer down regardless of outstanding handles.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.rec == nil {
		return nil
	}
	rec := s.rec
	s.rec = nil
	s.refs = 0
	return rec.Close()
}

// Handle is one listener's reference to the shared recognizer.
type Handle struct {
	shared *Shared
	rec    Recognizer
	once   sync.Once
}

// Recognizer returns the underlying recognizer.
func (h *Handle) Recognizer() Recognizer {
	return h.rec
}

// Release drops this reference. It is safe to call more than once.
func (h *Handle) Release() error {
	var err error
	h.once.Do(func() {
		err = h.shared.release()
	})
	return err
}
