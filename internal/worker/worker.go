package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/agent-billing/internal/agent"
	"github.com/vnmchuo/agent-billing/internal/billing"
	"github.com/vnmchuo/agent-billing/internal/metrics"
	"github.com/vnmchuo/agent-billing/internal/pricing"
	"github.com/vnmchuo/agent-billing/internal/ws"
)

const (
	defaultTaskTimeout = 2 * time.Minute
	finalizeTimeout    = 10 * time.Second
)

// Job is a task accepted by the API and waiting for its agent.
type Job struct {
	TaskID     string
	UserID     string
	AgentID    string
	AgentType  string
	AgentName  string
	Department string
	Input      json.RawMessage
}

type Runner interface {
	Run(ctx context.Context, agentType string, input json.RawMessage) (*agent.Result, error)
}

type Notifier interface {
	SendToUser(ctx context.Context, userID string, msg ws.Message)
}

// TaskUpdate is the task_update payload.
type TaskUpdate struct {
	TaskID       string             `json:"taskId"`
	Status       billing.TaskStatus `json:"status"`
	InputTokens  int                `json:"inputTokens"`
	OutputTokens int                `json:"outputTokens"`
	TotalCost    decimal.Decimal    `json:"totalCost"`
	Balance      *decimal.Decimal   `json:"creditsBalance,omitempty"`
	Error        string             `json:"error,omitempty"`
}

type Processor struct {
	store    billing.Store
	runner   Runner
	catalog  *pricing.Catalog
	engine   *pricing.Engine
	metrics  *metrics.Recorder
	notifier Notifier
	tracer   trace.Tracer
	timeout  time.Duration
	now      func() time.Time
	wg       sync.WaitGroup
}

type Option func(*Processor)

func WithMetrics(r *metrics.Recorder) Option { return func(p *Processor) { p.metrics = r } }
func WithNotifier(n Notifier) Option        { return func(p *Processor) { p.notifier = n } }
func WithTimeout(d time.Duration) Option    { return func(p *Processor) { p.timeout = d } }
func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

func NewProcessor(store billing.Store, runner Runner, catalog *pricing.Catalog, engine *pricing.Engine, tracer trace.Tracer, opts ...Option) *Processor {
	p := &Processor{
		store:   store,
		runner:  runner,
		catalog: catalog,
		engine:  engine,
		tracer:  tracer,
		timeout: defaultTaskTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit processes job in the background. The task always reaches a terminal
// status, even if ctx is cancelled first.
func (p *Processor) Submit(ctx context.Context, job Job) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Process(ctx, job); err != nil {
			log.Printf("worker: task %s: %v", job.TaskID, err)
		}
	}()
}

// Wait blocks until all submitted jobs have finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Process runs the agent, prices the result and settles billing.
func (p *Processor) Process(ctx context.Context, job Job) error {
	ctx, span := p.tracer.Start(ctx, "worker.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", job.TaskID),
		attribute.String("agent.type", job.AgentType),
	)

	result := p.run(ctx, job)

	// Settlement must survive cancellation of the submitting context.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := p.store.CompleteTask(fctx, job.TaskID, result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to complete task: %w", err)
	}

	update := TaskUpdate{
		TaskID:       job.TaskID,
		Status:       result.Status,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		TotalCost:    result.Cost.TotalCost,
		Error:        result.ErrorMessage,
	}

	var settleErr error
	if result.Status == billing.TaskStatusCompleted {
		balance, err := p.settle(fctx, job, result)
		if err != nil {
			settleErr = err
			span.RecordError(err)
		} else {
			update.Balance = &balance
		}
	}

	p.metrics.TaskProcessed(job.AgentType, string(result.Status), result.InputTokens, result.OutputTokens, result.Cost.TotalCost)
	if p.notifier != nil {
		p.notifier.SendToUser(fctx, job.UserID, ws.Message{Type: ws.TypeTaskUpdate, Data: update})
	}

	span.SetAttributes(
		attribute.String("task.status", string(result.Status)),
		attribute.String("task.total_cost", result.Cost.TotalCost.String()),
	)
	return settleErr
}

func (p *Processor) run(ctx context.Context, job Job) *billing.TaskResult {
	result := &billing.TaskResult{Status: billing.TaskStatusFailed}

	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.runner.Run(rctx, job.AgentType, job.Input)
	result.CompletedAt = p.now()
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}

	result.InputTokens = res.InputTokens
	result.OutputTokens = res.OutputTokens
	if res.Output != nil {
		out, err := json.Marshal(res.Output)
		if err != nil {
			result.ErrorMessage = fmt.Sprintf("failed to encode output: %v", err)
			return result
		}
		result.Output = out
	}
	if !res.Success {
		result.ErrorMessage = res.Error
		return result
	}

	schedule, err := p.catalog.Lookup(job.AgentType)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	cost, err := p.engine.PriceTask(schedule, res.InputTokens, res.OutputTokens)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}

	result.Status = billing.TaskStatusCompleted
	result.Cost = cost
	return result
}

// settle debits the user and records the usage metric for a completed task.
func (p *Processor) settle(ctx context.Context, job Job, result *billing.TaskResult) (decimal.Decimal, error) {
	cost := result.Cost.TotalCost

	balance, err := p.store.AdjustCredits(ctx, job.UserID, cost.Neg())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to debit credits: %w", err)
	}

	name := job.AgentName
	if name == "" {
		name = job.AgentType
	}
	err = p.store.CreateTransaction(ctx, &billing.Transaction{
		UserID:      job.UserID,
		Amount:      cost,
		Type:        billing.TransactionDebit,
		Description: fmt.Sprintf("%s task", name),
		TaskID:      job.TaskID,
	})
	if err != nil {
		return balance, fmt.Errorf("failed to record debit: %w", err)
	}

	err = p.store.CreateUsageMetric(ctx, &billing.UsageMetric{
		UserID:     job.UserID,
		Date:       result.CompletedAt,
		TaskCount:  1,
		AgentUsage: map[string]int{job.AgentID: 1},
		TokenCount: result.InputTokens + result.OutputTokens,
		TotalCost:  cost,
		Department: job.Department,
	})
	if err != nil {
		return balance, fmt.Errorf("failed to record usage: %w", err)
	}

	return balance, nil
}
