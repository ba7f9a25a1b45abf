package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/agent-billing/internal/analytics"
	"github.com/vnmchuo/agent-billing/internal/pricing"
)

var ErrNotFound = errors.New("not found")

type Agent struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Type                string          `json:"type"`
	Description         string          `json:"description"`
	PricePerTask        decimal.Decimal `json:"pricePerTask"`
	PricePerToken       decimal.Decimal `json:"pricePerToken"`
	TotalTasksCompleted int             `json:"totalTasksCompleted"`
	IsActive            bool            `json:"isActive"`
	Icon                string          `json:"icon"`
	Capabilities        json.RawMessage `json:"capabilities,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
}

func (a *Agent) Schedule() pricing.Schedule {
	return pricing.Schedule{
		AgentType:     a.Type,
		PricePerTask:  a.PricePerTask,
		PricePerToken: a.PricePerToken,
	}
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

type Task struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	AgentID      string          `json:"agentId"`
	InputTokens  int             `json:"inputTokens"`
	OutputTokens int             `json:"outputTokens"`
	TaskCost     decimal.Decimal `json:"taskCost"`
	TokenCost    decimal.Decimal `json:"tokenCost"`
	TotalCost    decimal.Decimal `json:"totalCost"`
	Status       TaskStatus      `json:"status"`
	Department   string          `json:"department,omitempty"`
	Project      string          `json:"project,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

func (t *Task) CostRecord() analytics.TaskCostRecord {
	return analytics.TaskCostRecord{
		TaskID:       t.ID,
		AgentID:      t.AgentID,
		InputTokens:  t.InputTokens,
		OutputTokens: t.OutputTokens,
		TaskCost:     t.TaskCost,
		TokenCost:    t.TokenCost,
		TotalCost:    t.TotalCost,
		Department:   t.Department,
		CreatedAt:    t.CreatedAt,
	}
}

// CostRecords converts tasks, keeping their order.
func CostRecords(tasks []*Task) []analytics.TaskCostRecord {
	out := make([]analytics.TaskCostRecord, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.CostRecord())
	}
	return out
}

// TaskResult is the terminal state written once a task has been processed.
type TaskResult struct {
	Status       TaskStatus
	Output       json.RawMessage
	InputTokens  int
	OutputTokens int
	Cost         pricing.Breakdown
	ErrorMessage string
	CompletedAt  time.Time
}

type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Amount      decimal.Decimal `json:"amount"`
	Type        TransactionType `json:"type"`
	Description string          `json:"description"`
	TaskID      string          `json:"taskId,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

type UsageMetric struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Date       time.Time       `json:"date"`
	TaskCount  int             `json:"taskCount"`
	AgentUsage map[string]int  `json:"agentUsage,omitempty"` // agent ID -> task count
	TokenCount int             `json:"tokenCount"`
	TotalCost  decimal.Decimal `json:"totalCost"`
	Department string          `json:"department,omitempty"`
}

type User struct {
	ID             string          `json:"id"`
	Username       string          `json:"username"`
	Email          string          `json:"email"`
	CompanyName    string          `json:"companyName,omitempty"`
	CreditsBalance decimal.Decimal `json:"creditsBalance"`
	MonthlyBudget  decimal.Decimal `json:"monthlyBudget"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type Store interface {
	ListAgents(ctx context.Context) ([]*Agent, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	CreateAgent(ctx context.Context, agent *Agent) error

	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListUserTasks(ctx context.Context, userID string, limit int) ([]*Task, error)
	CompleteTask(ctx context.Context, taskID string, result *TaskResult) error

	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	AdjustCredits(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error)

	CreateTransaction(ctx context.Context, tx *Transaction) error
	ListTransactions(ctx context.Context, userID string) ([]*Transaction, error)

	CreateUsageMetric(ctx context.Context, metric *UsageMetric) error
	ListUsageMetrics(ctx context.Context, userID string, from, to time.Time) ([]*UsageMetric, error)
}
