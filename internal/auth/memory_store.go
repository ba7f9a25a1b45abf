package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps API keys in process, keyed by hash.
type MemoryStore struct {
	mu     sync.Mutex
	byHash map[string]*APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: make(map[string]*APIKey)}
}

func (s *MemoryStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.byHash[HashKey(key)]
	if !ok || !k.Active {
		return nil, ErrKeyNotFound
	}
	now := time.Now()
	k.LastUsed = &now
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) Create(ctx context.Context, apiKey *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if apiKey.ID == "" {
		apiKey.ID = uuid.New().String()
	}
	apiKey.CreatedAt = time.Now()
	cp := *apiKey
	s.byHash[apiKey.KeyHash] = &cp
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*APIKey
	for _, k := range s.byHash {
		if k.UserID == userID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.byHash {
		if k.ID == keyID {
			k.Active = false
			return nil
		}
	}
	return ErrKeyNotFound
}
