package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Use RedisStore when more than one
// API instance serves the same documents.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: map[string]map[string]Entry{}}
}

func (s *MemoryStore) Touch(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[entry.DocumentID]
	if !ok {
		bucket = map[string]Entry{}
		s.buckets[entry.DocumentID] = bucket
	}
	bucket[entry.PersonID] = entry
	return nil
}

func (s *MemoryStore) Evict(_ context.Context, documentID string, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[documentID]
	if !ok {
		return nil
	}
	for personID, entry := range bucket {
		if entry.LastSeen.Before(cutoff) {
			delete(bucket, personID)
		}
	}
	if len(bucket) == 0 {
		delete(s.buckets, documentID)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, documentID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.buckets[documentID]
	entries := make([]Entry, 0, len(bucket))
	for _, entry := range bucket {
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *MemoryStore) Remove(_ context.Context, documentID, personID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[documentID]
	if !ok {
		return nil
	}
	delete(bucket, personID)
	if len(bucket) == 0 {
		delete(s.buckets, documentID)
	}
	return nil
}

// Documents reports how many document buckets are live.
func (s *MemoryStore) Documents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
