package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store used by tests and by local runs without
// a database.
type MemoryStore struct {
	mu           sync.Mutex
	now          func() time.Time
	agents       map[string]*Agent
	agentOrder   []string
	tasks        map[string]*Task
	users        map[string]*User
	transactions []*Transaction
	metrics      []*UsageMetric
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:    time.Now,
		agents: make(map[string]*Agent),
		tasks:  make(map[string]*Task),
		users:  make(map[string]*User),
	}
}

// SetClock overrides the clock used for generated timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Agent
	for _, id := range s.agentOrder {
		a := s.agents[id]
		if a.IsActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) CreateAgent(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = s.now()
	cp := *a
	s.agents[a.ID] = &cp
	s.agentOrder = append(s.agentOrder, a.ID)
	return nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListUserTasks(ctx context.Context, userID string, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CompleteTask(ctx context.Context, taskID string, r *TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	completedAt := r.CompletedAt
	t.Status = r.Status
	t.Output = r.Output
	t.InputTokens = r.InputTokens
	t.OutputTokens = r.OutputTokens
	t.TaskCost = r.Cost.TaskCost
	t.TokenCost = r.Cost.TokenCost
	t.TotalCost = r.Cost.TotalCost
	t.ErrorMessage = r.ErrorMessage
	t.CompletedAt = &completedAt

	if r.Status == TaskStatusCompleted {
		if a, ok := s.agents[t.AgentID]; ok {
			a.TotalTasksCompleted++
		}
	}
	return nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.MonthlyBudget.IsZero() {
		u.MonthlyBudget = decimal.NewFromInt(1000)
	}
	u.CreatedAt = s.now()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) AdjustCredits(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	u.CreditsBalance = u.CreditsBalance.Add(delta)
	return u.CreditsBalance, nil
}

func (s *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	tx.Timestamp = s.now()
	cp := *tx
	s.transactions = append(s.transactions, &cp)
	return nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, userID string) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if tx := s.transactions[i]; tx.UserID == userID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateUsageMetric(ctx context.Context, m *UsageMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	cp := *m
	s.metrics = append(s.metrics, &cp)
	return nil
}

func (s *MemoryStore) ListUsageMetrics(ctx context.Context, userID string, from, to time.Time) ([]*UsageMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*UsageMetric
	for _, m := range s.metrics {
		if m.UserID == userID && !m.Date.Before(from) && !m.Date.After(to) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}
