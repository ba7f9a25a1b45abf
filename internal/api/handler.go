package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/agent-billing/internal/analytics"
	"github.com/vnmchuo/agent-billing/internal/auth"
	"github.com/vnmchuo/agent-billing/internal/billing"
	"github.com/vnmchuo/agent-billing/internal/metrics"
	"github.com/vnmchuo/agent-billing/internal/pricing"
	"github.com/vnmchuo/agent-billing/internal/worker"
	"github.com/vnmchuo/agent-billing/internal/ws"
	"github.com/vnmchuo/agent-billing/pkg/ratelimit"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

const (
	defaultTaskLimit     = 50
	analyticsTaskWindow  = 1000
	departmentTaskWindow = 500
	defaultUsageWindow   = 30 * 24 * time.Hour

	// maxDailyTasks keeps yearly volumes (x365) well inside int range.
	maxDailyTasks = 10_000_000
)

type TaskSubmitter interface {
	Submit(ctx context.Context, job worker.Job)
}

// AgentAvailability reports whether an agent type can take work right now.
type AgentAvailability interface {
	Available(agentType string) bool
}

type Deps struct {
	Billing    billing.Store
	Keys       auth.Store
	Submitter  TaskSubmitter
	Agents     AgentAvailability
	KeyCache   *redis.Client
	Catalog    *pricing.Catalog
	Engine     *pricing.Engine
	Aggregator *analytics.Aggregator
	Limiter    *ratelimit.Limiter
	Metrics    *metrics.Recorder
	Hub        *ws.Hub
	Tracer     trace.Tracer
	Now        func() time.Time
}

type Handler struct {
	billing    billing.Store
	keys       auth.Store
	submitter  TaskSubmitter
	agents     AgentAvailability
	keyCache   *redis.Client
	catalog    *pricing.Catalog
	engine     *pricing.Engine
	aggregator *analytics.Aggregator
	limiter    *ratelimit.Limiter
	metrics    *metrics.Recorder
	hub        *ws.Hub
	tracer     trace.Tracer
	now        func() time.Time
}

func NewHandler(d Deps) *Handler {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		billing:    d.Billing,
		keys:       d.Keys,
		submitter:  d.Submitter,
		agents:     d.Agents,
		keyCache:   d.KeyCache,
		catalog:    d.Catalog,
		engine:     d.Engine,
		aggregator: d.Aggregator,
		limiter:    d.Limiter,
		metrics:    d.Metrics,
		hub:        d.Hub,
		tracer:     d.Tracer,
		now:        now,
	}
}

// Mount registers the public and authenticated routes on r.
func (h *Handler) Mount(r chi.Router, authMiddleware auth.Middleware) {
	r.Get("/api/pricing", h.HandlePricing)
	r.Post("/api/pricing/quote", h.HandleQuote)
	r.Get("/api/agents", h.HandleListAgents)
	r.Get("/api/agents/{id}", h.HandleGetAgent)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/api/tasks", h.HandleCreateTask)
		r.Get("/api/tasks", h.HandleListTasks)
		r.Get("/api/tasks/{id}", h.HandleGetTask)
		r.Get("/api/analytics", h.HandleAnalytics)
		r.Get("/api/analytics/departments", h.HandleDepartments)
		r.Get("/api/billing/usage", h.HandleUsage)
		r.Get("/api/billing/transactions", h.HandleTransactions)
		r.Post("/api/billing/add-credits", h.HandleAddCredits)
		r.Get("/api/keys", h.HandleListKeys)
		r.Post("/api/keys", h.HandleCreateKey)
		r.Delete("/api/keys/{id}", h.HandleRevokeKey)
		r.Get("/ws", h.HandleWS)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("api: %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// requireUser writes 401 and returns false when no user is authenticated.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

func (h *Handler) HandlePricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pricing.AgentPricing())
}

type quoteRequest struct {
	AgentType    string `json:"agentType"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	DailyTasks   int    `json:"dailyTasks"`
}

type quoteResponse struct {
	Cost           pricing.Breakdown    `json:"cost"`
	DailyCost      decimal.Decimal      `json:"dailyCost"`
	VolumeDiscount pricing.Discount     `json:"volumeDiscount"`
	Projection     pricing.Projection   `json:"projection"`
	BulkDiscount   pricing.BulkDiscount `json:"bulkDiscount"`
}

// HandleQuote prices a hypothetical workload without running anything.
func (h *Handler) HandleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DailyTasks < 0 || req.DailyTasks > maxDailyTasks {
		writeError(w, http.StatusBadRequest, "dailyTasks must be between 0 and 10000000")
		return
	}

	schedule, err := h.catalog.Lookup(req.AgentType)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	cost, err := h.engine.PriceTask(schedule, req.InputTokens, req.OutputTokens)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	daily := cost.TotalCost.Mul(decimal.NewFromInt(int64(req.DailyTasks)))
	writeJSON(w, http.StatusOK, quoteResponse{
		Cost:           cost,
		DailyCost:      daily,
		VolumeDiscount: h.engine.ApplyVolumeDiscount(req.DailyTasks, daily),
		Projection:     h.engine.ProjectCosts(daily),
		BulkDiscount:   h.engine.BulkDiscount(req.DailyTasks*30, req.DailyTasks*365),
	})
}

func (h *Handler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.billing.ListAgents(r.Context())
	if err != nil {
		h.internalError(w, "list agents", err)
		return
	}
	if agents == nil {
		agents = []*billing.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.billing.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		h.internalError(w, "get agent", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type createTaskRequest struct {
	AgentID    string          `json:"agentId"`
	Input      json.RawMessage `json:"input"`
	Department string          `json:"department"`
	Project    string          `json:"project"`
}

func (h *Handler) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "api.create_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", auth.GetRequestID(ctx)),
	)

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "invalid task data")
		return
	}

	limit, err := h.limiter.AllowTask(ctx, userID)
	if err != nil {
		log.Printf("api: rate limiter: %v", err)
	}
	setRateLimitHeaders(w, limit, h.now())
	if err != nil || !limit.Allowed {
		h.metrics.TaskThrottled()
		retry := retryAfter(limit)
		w.Header().Set("Retry-After", retry)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": retry + "s",
		})
		return
	}

	a, err := h.billing.GetAgent(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		h.internalError(w, "get agent", err)
		return
	}
	if !a.IsActive {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	span.SetAttributes(attribute.String("agent.type", a.Type))
	if h.agents != nil && !h.agents.Available(a.Type) {
		writeError(w, http.StatusServiceUnavailable, "agent unavailable")
		return
	}

	user, err := h.billing.GetUser(ctx, userID)
	if err != nil {
		h.internalError(w, "get user", err)
		return
	}
	if !user.CreditsBalance.IsPositive() {
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
		return
	}

	task := &billing.Task{
		UserID:     userID,
		AgentID:    a.ID,
		TaskCost:   decimal.Zero,
		TokenCost:  decimal.Zero,
		TotalCost:  decimal.Zero,
		Status:     billing.TaskStatusProcessing,
		Department: req.Department,
		Project:    req.Project,
		Input:      req.Input,
	}
	if err := h.billing.CreateTask(ctx, task); err != nil {
		h.internalError(w, "create task", err)
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	// The job outlives the request.
	h.submitter.Submit(context.WithoutCancel(ctx), worker.Job{
		TaskID:     task.ID,
		UserID:     userID,
		AgentID:    a.ID,
		AgentType:  a.Type,
		AgentName:  a.Name,
		Department: req.Department,
		Input:      req.Input,
	})
	h.metrics.TaskSubmitted(a.Type)

	writeJSON(w, http.StatusCreated, task)
}

func setRateLimitHeaders(w http.ResponseWriter, res *extratelimit.Result, now time.Time) {
	if res == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(res.ResetAfter).Unix(), 10))
}

// retryAfter is the window reset in whole seconds, 60 when unknown.
func retryAfter(res *extratelimit.Result) string {
	if res == nil || res.ResetAfter <= 0 {
		return "60"
	}
	secs := int64((res.ResetAfter + time.Second - 1) / time.Second)
	return strconv.FormatInt(secs, 10)
}

type taskWithAgent struct {
	*billing.Task
	Agent *billing.Agent `json:"agent,omitempty"`
}

func (h *Handler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit := defaultTaskLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	ctx := r.Context()
	tasks, err := h.billing.ListUserTasks(ctx, userID, limit)
	if err != nil {
		h.internalError(w, "list tasks", err)
		return
	}
	agents, err := h.billing.ListAgents(ctx)
	if err != nil {
		h.internalError(w, "list agents", err)
		return
	}
	byID := make(map[string]*billing.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	out := make([]taskWithAgent, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskWithAgent{Task: t, Agent: byID[t.AgentID]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	t, err := h.billing.GetTask(ctx, chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, billing.ErrNotFound) {
		h.internalError(w, "get task", err)
		return
	}
	if t == nil || t.UserID != userID {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	a, err := h.billing.GetAgent(ctx, t.AgentID)
	if err != nil && !errors.Is(err, billing.ErrNotFound) {
		h.internalError(w, "get agent", err)
		return
	}
	writeJSON(w, http.StatusOK, taskWithAgent{Task: t, Agent: a})
}

func (h *Handler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	snapshot, err := h.userAnalytics(r.Context(), userID)
	if err != nil {
		h.internalError(w, "analytics", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) userAnalytics(ctx context.Context, userID string) (analytics.Snapshot, error) {
	tasks, err := h.billing.ListUserTasks(ctx, userID, analyticsTaskWindow)
	if err != nil {
		return analytics.Snapshot{}, err
	}
	agents, err := h.billing.ListAgents(ctx)
	if err != nil {
		return analytics.Snapshot{}, err
	}
	refs := make([]analytics.AgentRef, 0, len(agents))
	for _, a := range agents {
		refs = append(refs, analytics.AgentRef{ID: a.ID, Name: a.Name})
	}
	return h.aggregator.UserAnalytics(billing.CostRecords(tasks), refs, h.now()), nil
}

func (h *Handler) HandleDepartments(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	tasks, err := h.billing.ListUserTasks(r.Context(), userID, departmentTaskWindow)
	if err != nil {
		h.internalError(w, "department analytics", err)
		return
	}
	writeJSON(w, http.StatusOK, h.aggregator.DepartmentAnalytics(billing.CostRecords(tasks), h.now()))
}

// parseTime accepts RFC3339 or a plain YYYY-MM-DD date (UTC midnight).
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	now := h.now()
	from, to := now.Add(-defaultUsageWindow), now
	if s := r.URL.Query().Get("start"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'start' date format (use RFC3339 or YYYY-MM-DD)")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("end"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'end' date format (use RFC3339 or YYYY-MM-DD)")
			return
		}
		to = t
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "'end' must not be before 'start'")
		return
	}

	usage, err := h.billing.ListUsageMetrics(r.Context(), userID, from, to)
	if err != nil {
		h.internalError(w, "usage metrics", err)
		return
	}
	if usage == nil {
		usage = []*billing.UsageMetric{}
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *Handler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	txs, err := h.billing.ListTransactions(r.Context(), userID)
	if err != nil {
		h.internalError(w, "list transactions", err)
		return
	}
	if txs == nil {
		txs = []*billing.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

type addCreditsRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) HandleAddCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req addCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	ctx := r.Context()
	balance, err := h.billing.AdjustCredits(ctx, userID, req.Amount)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.internalError(w, "add credits", err)
		return
	}

	err = h.billing.CreateTransaction(ctx, &billing.Transaction{
		UserID:      userID,
		Amount:      req.Amount,
		Type:        billing.TransactionCredit,
		Description: "Credits added",
	})
	if err != nil {
		h.internalError(w, "record credit", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"newBalance": balance,
	})
}

func (h *Handler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	keys, err := h.keys.ListByUser(r.Context(), userID)
	if err != nil {
		h.internalError(w, "list keys", err)
		return
	}
	if keys == nil {
		keys = []*auth.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

type createKeyRequest struct {
	Name string `json:"name"`
}

func (h *Handler) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req createKeyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	key, apiKey, err := auth.GenerateKey(userID, req.Name)
	if err != nil {
		h.internalError(w, "generate key", err)
		return
	}
	if err := h.keys.Create(r.Context(), apiKey); err != nil {
		h.internalError(w, "create key", err)
		return
	}

	// The full key is only ever returned here.
	writeJSON(w, http.StatusCreated, struct {
		*auth.APIKey
		Key string `json:"key"`
	}{apiKey, key})
}

// HandleRevokeKey deactivates one of the caller's keys and drops it from the
// auth cache so it stops working immediately.
func (h *Handler) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	keyID := chi.URLParam(r, "id")
	keys, err := h.keys.ListByUser(ctx, userID)
	if err != nil {
		h.internalError(w, "list keys", err)
		return
	}
	var target *auth.APIKey
	for _, k := range keys {
		if k.ID == keyID {
			target = k
			break
		}
	}
	if target == nil {
		writeError(w, http.StatusNotFound, "api key not found")
		return
	}

	if err := h.keys.Revoke(ctx, keyID); err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "api key not found")
			return
		}
		h.internalError(w, "revoke key", err)
		return
	}
	if h.keyCache != nil {
		if err := auth.Invalidate(ctx, h.keyCache, target.KeyHash); err != nil {
			log.Printf("api: invalidate key %s: %v", keyID, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	h.hub.Serve(w, r, userID)
}

type usageUpdate struct {
	Timestamp      time.Time            `json:"timestamp"`
	TodayUsage     analytics.TodayUsage `json:"todayUsage"`
	CreditsBalance decimal.Decimal      `json:"creditsBalance"`
}

// UsageUpdate builds the periodic usage_update payload for userID.
func (h *Handler) UsageUpdate(ctx context.Context, userID string) (any, error) {
	snapshot, err := h.userAnalytics(ctx, userID)
	if err != nil {
		return nil, err
	}
	user, err := h.billing.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return usageUpdate{
		Timestamp:      h.now().UTC(),
		TodayUsage:     snapshot.TodayUsage,
		CreditsBalance: user.CreditsBalance,
	}, nil
}
