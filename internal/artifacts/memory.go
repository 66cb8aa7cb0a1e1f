package artifacts

import (
	"context"
	"sync"

	"github.com/weftlabs/weft/pkg/schema"
)

// MemoryStore keeps artifacts in a map. Local runs and tests only.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	contentType string
	data        []byte
}

// NewMemoryStore creates an empty in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

// Put stores one blob and returns its weft:// URI.
func (s *MemoryStore) Put(_ context.Context, workflowID, state, name, contentType string, data []byte) (string, error) {
	key := ObjectKey(workflowID, state, name)
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.objects[key] = memObject{contentType: contentType, data: cp}
	s.mu.Unlock()
	return URI("memory", key), nil
}

// Get fetches a stored blob by its object key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "artifact %q not found", key)
	}
	return obj.data, nil
}

// Len reports how many artifacts are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
