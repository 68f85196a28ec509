package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HandleID identifies a value living in the worker's address space that
// could not be (or should not be) serialized back across the protocol
// boundary — e.g. a WASM-backed schematic buffer. Per §4.4.3 the scheduler
// only ever holds the id; dereferencing happens through get_data/
// get_preview.
type HandleID string

// Handle is a single entry in the handle store.
type Handle struct {
	ID        HandleID
	Value     any
	Format    string // e.g. "application/octet-stream", "schematic"
	CreatedAt time.Time
	Metadata  map[string]any
}

// HandleStore holds values a Client has stashed on behalf of scripts or
// node outputs that reference non-serializable data. One store per Client.
type HandleStore struct {
	mu      sync.Mutex
	handles map[HandleID]*Handle
}

// NewHandleStore returns an empty store.
func NewHandleStore() *HandleStore {
	return &HandleStore{handles: make(map[HandleID]*Handle)}
}

// Store registers value under a freshly minted handle id.
func (s *HandleStore) Store(value any, format string, metadata map[string]any) HandleID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := HandleID(uuid.NewString())
	s.handles[id] = &Handle{
		ID:        id,
		Value:     value,
		Format:    format,
		CreatedAt: time.Now(),
		Metadata:  metadata,
	}
	return id
}

// Get returns the full value behind a handle.
func (s *HandleStore) Get(id HandleID) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return nil, fmt.Errorf("worker: unknown handle %q", id)
	}
	return h, nil
}

// Preview returns a bounded-size representation of the handle's value,
// suitable for a viewer node without shipping the full payload. Callers
// that need the whole value use Get followed by Release.
func (s *HandleStore) Preview(id HandleID, maxBytes int) (string, error) {
	h, err := s.Get(id)
	if err != nil {
		return "", err
	}

	repr := fmt.Sprintf("%v", h.Value)
	if maxBytes > 0 && len(repr) > maxBytes {
		return repr[:maxBytes], nil
	}
	return repr, nil
}

// Release frees a handle. Idempotent: releasing an unknown id is a no-op,
// so deferred cleanup paths never need to guard against double-release.
func (s *HandleStore) Release(id HandleID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, id)
}

// List returns every currently live handle id, in no particular order.
func (s *HandleStore) List() []HandleID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]HandleID, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	return ids
}
