package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/loom/pkg/report"
	"github.com/chazu/loom/pkg/routine"
)

// handle is a server-side lease on a pinned executable.
type handle struct {
	id          string
	ex          *routine.Executable
	fingerprint report.Fingerprint
	created     time.Time
	lastUsed    time.Time
}

// HandleStore maps opaque string IDs to pinned executables. Each handle
// owns one pin: releasing the handle, or sweeping it after its TTL,
// releases that pin.
type HandleStore struct {
	mu      sync.Mutex
	handles map[string]*handle
	nextID  atomic.Uint64
}

// NewHandleStore creates an empty handle store.
func NewHandleStore() *HandleStore {
	return &HandleStore{
		handles: make(map[string]*handle),
	}
}

// Create registers an executable the caller has already pinned; the
// store takes over that pin. Returns the opaque handle ID.
func (s *HandleStore) Create(ex *routine.Executable, f report.Fingerprint) string {
	id := fmt.Sprintf("h-%d", s.nextID.Add(1))
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id] = &handle{
		id:          id,
		ex:          ex,
		fingerprint: f,
		created:     now,
		lastUsed:    now,
	}
	return id
}

// Lookup retrieves the executable behind a handle and refreshes its TTL.
func (s *HandleStore) Lookup(id string) (*routine.Executable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return nil, false
	}
	h.lastUsed = time.Now()
	return h.ex, true
}

// Release drops a handle and the pin it owns. Reports whether the handle
// existed.
func (s *HandleStore) Release(id string) bool {
	s.mu.Lock()
	h, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	h.ex.Unpin()
	return true
}

// Sweep releases handles that have not been touched within the TTL,
// returning how many were dropped.
func (s *HandleStore) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	var expired []*handle
	s.mu.Lock()
	for id, h := range s.handles {
		if h.lastUsed.Before(cutoff) {
			delete(s.handles, id)
			expired = append(expired, h)
		}
	}
	s.mu.Unlock()

	for _, h := range expired {
		h.ex.Unpin()
	}
	return len(expired)
}

// ReleaseAll drops every handle, for shutdown.
func (s *HandleStore) ReleaseAll() {
	s.mu.Lock()
	dropped := make([]*handle, 0, len(s.handles))
	for id, h := range s.handles {
		delete(s.handles, id)
		dropped = append(dropped, h)
	}
	s.mu.Unlock()

	for _, h := range dropped {
		h.ex.Unpin()
	}
}

// Len returns the number of live handles.
func (s *HandleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// StartSweeper runs periodic TTL sweeps in the background. Returns a
// stop function.
func (s *HandleStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
