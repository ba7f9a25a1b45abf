package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

const activeAgentsKey = "agents:active"

// CachedStore keeps agent reads in an in-process ristretto cache. Agents
// change rarely and are read on every task submission.
type CachedStore struct {
	Store
	agents *ristretto.Cache[string, *Agent]
	lists  *ristretto.Cache[string, []*Agent]
	ttl    time.Duration
	group  singleflight.Group
}

// NewCachedStore wraps store. Every entry costs 1, so maxCost bounds the
// number of cached agents.
func NewCachedStore(store Store, maxCost int64, ttl time.Duration) (*CachedStore, error) {
	agents, err := ristretto.NewCache(&ristretto.Config[string, *Agent]{
		NumCounters:        maxCost * 10,
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent cache: %w", err)
	}
	lists, err := ristretto.NewCache(&ristretto.Config[string, []*Agent]{
		NumCounters:        1000,
		MaxCost:            100,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		agents.Close()
		return nil, fmt.Errorf("failed to create agent list cache: %w", err)
	}
	return &CachedStore{Store: store, agents: agents, lists: lists, ttl: ttl}, nil
}

func (s *CachedStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	if a, ok := s.agents.Get(id); ok {
		return a, nil
	}
	// Concurrent misses for the same agent share one store read.
	v, err, _ := s.group.Do("agent:"+id, func() (any, error) {
		a, err := s.Store.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		s.agents.SetWithTTL(id, a, 1, s.ttl)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Agent), nil
}

func (s *CachedStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	if list, ok := s.lists.Get(activeAgentsKey); ok {
		return list, nil
	}
	v, err, _ := s.group.Do(activeAgentsKey, func() (any, error) {
		list, err := s.Store.ListAgents(ctx)
		if err != nil {
			return nil, err
		}
		s.lists.SetWithTTL(activeAgentsKey, list, 1, s.ttl)
		for _, a := range list {
			s.agents.SetWithTTL(a.ID, a, 1, s.ttl)
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Agent), nil
}

func (s *CachedStore) CreateAgent(ctx context.Context, a *Agent) error {
	if err := s.Store.CreateAgent(ctx, a); err != nil {
		return err
	}
	s.lists.Del(activeAgentsKey)
	return nil
}

// CompleteTask drops the agent entry so the completed-task counter is fresh.
func (s *CachedStore) CompleteTask(ctx context.Context, taskID string, r *TaskResult) error {
	if err := s.Store.CompleteTask(ctx, taskID, r); err != nil {
		return err
	}
	if r.Status == TaskStatusCompleted {
		if t, err := s.Store.GetTask(ctx, taskID); err == nil {
			s.agents.Del(t.AgentID)
		}
		s.lists.Del(activeAgentsKey)
	}
	return nil
}

// Wait blocks until pending cache writes are applied.
func (s *CachedStore) Wait() {
	s.agents.Wait()
	s.lists.Wait()
}

func (s *CachedStore) Close() {
	s.agents.Close()
	s.lists.Close()
}
