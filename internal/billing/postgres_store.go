package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const agentColumns = `id, name, type, COALESCE(description, ''), price_per_task, price_per_token,
	total_tasks_completed, is_active, COALESCE(icon, ''), capabilities, created_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID, &a.Name, &a.Type, &a.Description, &a.PricePerTask, &a.PricePerToken,
		&a.TotalTasksCompleted, &a.IsActive, &a.Icon, &a.Capabilities, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE is_active = true ORDER BY created_at, name`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}

	return agents, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	a, err := scanAgent(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *Agent) error {
	query := `
		INSERT INTO agents (name, type, description, price_per_task, price_per_token, is_active, icon, capabilities)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		a.Name, a.Type, a.Description, a.PricePerTask, a.PricePerToken, a.IsActive, a.Icon, nullJSON(a.Capabilities),
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

const taskColumns = `id, user_id, agent_id, input_tokens, output_tokens, task_cost, token_cost, total_cost,
	status, COALESCE(department, ''), COALESCE(project, ''), input, output, COALESCE(error_message, ''),
	created_at, completed_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.UserID, &t.AgentID, &t.InputTokens, &t.OutputTokens, &t.TaskCost, &t.TokenCost, &t.TotalCost,
		&t.Status, &t.Department, &t.Project, &t.Input, &t.Output, &t.ErrorMessage,
		&t.CreatedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *Task) error {
	query := `
		INSERT INTO tasks (user_id, agent_id, task_cost, token_cost, total_cost, status, department, project, input)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		t.UserID, t.AgentID, t.TaskCost, t.TokenCost, t.TotalCost, t.Status, t.Department, t.Project, nullJSON(t.Input),
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	t, err := scanTask(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListUserTasks returns the newest tasks first.
func (s *PostgresStore) ListUserTasks(ctx context.Context, userID string, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, taskID string, r *TaskResult) error {
	query := `
		UPDATE tasks
		SET status = $2, output = $3, input_tokens = $4, output_tokens = $5,
		    task_cost = $6, token_cost = $7, total_cost = $8,
		    error_message = NULLIF($9, ''), completed_at = $10
		WHERE id = $1
		RETURNING agent_id
	`
	var agentID string
	err := s.db.QueryRow(ctx, query,
		taskID, r.Status, nullJSON(r.Output), r.InputTokens, r.OutputTokens,
		r.Cost.TaskCost, r.Cost.TokenCost, r.Cost.TotalCost, r.ErrorMessage, r.CompletedAt,
	).Scan(&agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to complete task: %w", err)
	}

	if r.Status != TaskStatusCompleted {
		return nil
	}
	_, err = s.db.Exec(ctx, `UPDATE agents SET total_tasks_completed = total_tasks_completed + 1 WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("failed to bump agent task count: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (username, email, company_name, credits_balance)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		RETURNING id, monthly_budget, created_at
	`
	err := s.db.QueryRow(ctx, query, u.Username, u.Email, u.CompanyName, u.CreditsBalance).
		Scan(&u.ID, &u.MonthlyBudget, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, username, email, COALESCE(company_name, ''), credits_balance, monthly_budget, created_at
		FROM users
		WHERE id = $1
	`
	var u User
	err := s.db.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Username, &u.Email, &u.CompanyName, &u.CreditsBalance, &u.MonthlyBudget, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// AdjustCredits adds delta (negative to debit) to the balance in a single
// statement and returns the new balance.
func (s *PostgresStore) AdjustCredits(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	query := `UPDATE users SET credits_balance = credits_balance + $2 WHERE id = $1 RETURNING credits_balance`
	var balance decimal.Decimal
	err := s.db.QueryRow(ctx, query, userID, delta).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("failed to adjust credits: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	query := `
		INSERT INTO transactions (user_id, amount, type, description, task_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid)
		RETURNING id, timestamp
	`
	err := s.db.QueryRow(ctx, query, tx.UserID, tx.Amount, tx.Type, tx.Description, tx.TaskID).
		Scan(&tx.ID, &tx.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]*Transaction, error) {
	query := `
		SELECT id, user_id, amount, type, description, COALESCE(task_id::text, ''), timestamp
		FROM transactions
		WHERE user_id = $1
		ORDER BY timestamp DESC
	`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Type, &tx.Description, &tx.TaskID, &tx.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txs, nil
}

func (s *PostgresStore) CreateUsageMetric(ctx context.Context, m *UsageMetric) error {
	agentUsage, err := json.Marshal(m.AgentUsage)
	if err != nil {
		return fmt.Errorf("failed to encode agent usage: %w", err)
	}
	query := `
		INSERT INTO usage_metrics (user_id, date, task_count, agent_usage, token_count, total_cost, department)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING id
	`
	err = s.db.QueryRow(ctx, query,
		m.UserID, m.Date, m.TaskCount, agentUsage, m.TokenCount, m.TotalCost, m.Department,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to create usage metric: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsageMetrics(ctx context.Context, userID string, from, to time.Time) ([]*UsageMetric, error) {
	query := `
		SELECT id, user_id, date, task_count, agent_usage, token_count, total_cost, COALESCE(department, '')
		FROM usage_metrics
		WHERE user_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage metrics: %w", err)
	}
	defer rows.Close()

	var metrics []*UsageMetric
	for rows.Next() {
		var m UsageMetric
		var agentUsage []byte
		err := rows.Scan(&m.ID, &m.UserID, &m.Date, &m.TaskCount, &agentUsage, &m.TokenCount, &m.TotalCost, &m.Department)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage metric: %w", err)
		}
		if len(agentUsage) > 0 {
			if err := json.Unmarshal(agentUsage, &m.AgentUsage); err != nil {
				return nil, fmt.Errorf("failed to decode agent usage: %w", err)
			}
		}
		metrics = append(metrics, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage metrics: %w", err)
	}

	return metrics, nil
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
