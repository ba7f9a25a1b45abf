package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/agent-billing/internal/analytics"
	"github.com/vnmchuo/agent-billing/internal/auth"
	"github.com/vnmchuo/agent-billing/internal/billing"
	"github.com/vnmchuo/agent-billing/internal/metrics"
	"github.com/vnmchuo/agent-billing/internal/pricing"
	"github.com/vnmchuo/agent-billing/internal/seeder"
	"github.com/vnmchuo/agent-billing/internal/worker"
	"github.com/vnmchuo/agent-billing/internal/ws"
	"github.com/vnmchuo/agent-billing/pkg/ratelimit"
)

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	res := &extratelimit.Result{Allowed: m.allowed, Limit: 60, Remaining: 41, ResetAfter: 30 * time.Second}
	if !m.allowed {
		res.Remaining, res.ResetAfter = 0, 0
	}
	return res, nil
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return m.AllowN(ctx, key, 1)
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

// Mock Submitter
type mockSubmitter struct {
	mu   sync.Mutex
	jobs []worker.Job
}

func (m *mockSubmitter) Submit(ctx context.Context, job worker.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
}

// Mock availability
type mockAvailability struct {
	down map[string]bool
}

func (m *mockAvailability) Available(agentType string) bool {
	return !m.down[agentType]
}

// testAuth trusts the X-User header.
func testAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := r.Header.Get("X-User"); u != "" {
			r = r.WithContext(auth.WithUserID(r.Context(), u))
		}
		next.ServeHTTP(w, r)
	})
}

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	router    http.Handler
	store     *billing.MemoryStore
	keys      *auth.MemoryStore
	submitter *mockSubmitter
	avail     *mockAvailability
	redis     *miniredis.Miniredis
	agents    []*billing.Agent
	user      *billing.User
}

func setupTest(t *testing.T, limiterAllowed bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := billing.NewMemoryStore()
	store.SetClock(func() time.Time { return testNow })

	agents, err := seeder.SeedAgents(ctx, store)
	if err != nil {
		t.Fatalf("seed agents: %v", err)
	}
	user := &billing.User{Username: "demo", Email: "demo@example.com", CreditsBalance: decimal.NewFromInt(10)}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	schedules := make([]pricing.Schedule, 0, len(agents))
	for _, a := range agents {
		schedules = append(schedules, a.Schedule())
	}
	engine := pricing.NewEngine()
	keys := auth.NewMemoryStore()
	submitter := &mockSubmitter{}
	avail := &mockAvailability{down: map[string]bool{}}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := NewHandler(Deps{
		Billing:    store,
		Keys:       keys,
		Submitter:  submitter,
		Agents:     avail,
		KeyCache:   rdb,
		Catalog:    pricing.NewCatalog(schedules...),
		Engine:     engine,
		Aggregator: analytics.NewAggregator(engine),
		Limiter:    ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed}),
		Metrics:    metrics.New(prometheus.NewRegistry()),
		Hub:        ws.NewHub(),
		Tracer:     noop.NewTracerProvider().Tracer("test"),
		Now:        func() time.Time { return testNow },
	})
	r := chi.NewRouter()
	h.Mount(r, testAuth)

	return &testEnv{router: r, store: store, keys: keys, submitter: submitter, avail: avail, redis: mr, agents: agents, user: user}
}

func (e *testEnv) do(method, path string, body any, user string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User", user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHandleCreateTask_Unauthorized(t *testing.T) {
	env := setupTest(t, true)
	w := env.do("POST", "/api/tasks", map[string]string{"agentId": env.agents[0].ID}, "")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleCreateTask_InvalidBody(t *testing.T) {
	env := setupTest(t, true)
	w := env.do("POST", "/api/tasks", map[string]string{}, env.user.ID)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "invalid task data" {
		t.Errorf("Expected invalid task data error, got %v", resp["error"])
	}
}

func TestHandleCreateTask_RateLimited(t *testing.T) {
	env := setupTest(t, false)
	w := env.do("POST", "/api/tasks", map[string]string{"agentId": env.agents[0].ID}, env.user.ID)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After: 60, got %s", w.Header().Get("Retry-After"))
	}
	if len(env.submitter.jobs) != 0 {
		t.Error("Throttled submissions must not reach the worker")
	}
}

func TestHandleCreateTask_LimiterError(t *testing.T) {
	env := setupTest(t, true)
	env.router = func() http.Handler {
		h := NewHandler(Deps{
			Billing:   env.store,
			Submitter: env.submitter,
			Limiter:   ratelimit.NewTestLimiter(&mockLimiterStore{err: context.DeadlineExceeded}),
			Metrics:   metrics.New(prometheus.NewRegistry()),
			Tracer:    noop.NewTracerProvider().Tracer("test"),
		})
		r := chi.NewRouter()
		h.Mount(r, testAuth)
		return r
	}()
	w := env.do("POST", "/api/tasks", map[string]string{"agentId": env.agents[0].ID}, env.user.ID)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 when the limiter fails, got %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("No quota headers expected without a limiter result")
	}
}

func TestHandleCreateTask_AgentUnavailable(t *testing.T) {
	env := setupTest(t, true)
	env.avail.down["email-sorter"] = true
	w := env.do("POST", "/api/tasks", map[string]any{"agentId": env.agents[1].ID, "input": map[string]any{}}, env.user.ID)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "agent unavailable" {
		t.Errorf("Expected agent unavailable error, got %v", resp["error"])
	}
	if len(env.submitter.jobs) != 0 {
		t.Error("Unavailable agents must not receive jobs")
	}
	tasks, _ := env.store.ListUserTasks(context.Background(), env.user.ID, 10)
	if len(tasks) != 0 {
		t.Errorf("Expected no task to be recorded, got %d", len(tasks))
	}
}

func TestHandleCreateTask_UnknownAgent(t *testing.T) {
	env := setupTest(t, true)
	w := env.do("POST", "/api/tasks", map[string]string{"agentId": "nope"}, env.user.ID)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandleCreateTask_InsufficientCredits(t *testing.T) {
	env := setupTest(t, true)
	if _, err := env.store.AdjustCredits(context.Background(), env.user.ID, decimal.NewFromInt(-10)); err != nil {
		t.Fatal(err)
	}
	w := env.do("POST", "/api/tasks", map[string]string{"agentId": env.agents[0].ID}, env.user.ID)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d", w.Code)
	}
}

func TestHandleCreateTask_Success(t *testing.T) {
	env := setupTest(t, true)
	body := map[string]any{
		"agentId":    env.agents[1].ID,
		"input":      map[string]any{"emails": []any{}},
		"department": "Sales",
	}
	w := env.do("POST", "/api/tasks", body, env.user.ID)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var task billing.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if w.Header().Get("X-RateLimit-Limit") != "60" || w.Header().Get("X-RateLimit-Remaining") != "41" {
		t.Errorf("Unexpected rate limit headers: %v", w.Header())
	}
	if want := strconv.FormatInt(testNow.Add(30*time.Second).Unix(), 10); w.Header().Get("X-RateLimit-Reset") != want {
		t.Errorf("Expected X-RateLimit-Reset %s, got %s", want, w.Header().Get("X-RateLimit-Reset"))
	}
	if task.Status != billing.TaskStatusProcessing {
		t.Errorf("Expected processing status, got %s", task.Status)
	}
	if len(env.submitter.jobs) != 1 {
		t.Fatalf("Expected 1 submitted job, got %d", len(env.submitter.jobs))
	}
	job := env.submitter.jobs[0]
	if job.TaskID != task.ID || job.AgentType != "email-sorter" || job.Department != "Sales" {
		t.Errorf("Unexpected job: %+v", job)
	}
}

func TestHandleGetTask_OtherUser(t *testing.T) {
	env := setupTest(t, true)
	task := &billing.Task{UserID: env.user.ID, AgentID: env.agents[0].ID, Status: billing.TaskStatusCompleted}
	if err := env.store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	if w := env.do("GET", "/api/tasks/"+task.ID, nil, "someone-else"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for another user's task, got %d", w.Code)
	}

	w := env.do("GET", "/api/tasks/"+task.ID, nil, env.user.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	agent, _ := resp["agent"].(map[string]any)
	if agent["name"] != "Invoice Processor" {
		t.Errorf("Expected task enriched with agent, got %v", resp["agent"])
	}
}

func TestHandleListTasks_Limit(t *testing.T) {
	env := setupTest(t, true)
	for i := 0; i < 3; i++ {
		task := &billing.Task{UserID: env.user.ID, AgentID: env.agents[0].ID, CreatedAt: testNow.Add(time.Duration(i) * time.Minute)}
		if err := env.store.CreateTask(context.Background(), task); err != nil {
			t.Fatal(err)
		}
	}

	w := env.do("GET", "/api/tasks?limit=2", nil, env.user.ID)
	var resp []map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp) != 2 {
		t.Errorf("Expected 2 tasks, got %d", len(resp))
	}

	if w := env.do("GET", "/api/tasks?limit=abc", nil, env.user.ID); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", w.Code)
	}
}

func TestHandleAnalytics(t *testing.T) {
	env := setupTest(t, true)
	ctx := context.Background()
	for _, tc := range []struct {
		ago  time.Duration
		cost string
	}{
		{time.Hour, "0.10"},
		{30 * time.Hour, "0.05"},
	} {
		task := &billing.Task{
			UserID:     env.user.ID,
			AgentID:    env.agents[0].ID,
			TotalCost:  decimal.RequireFromString(tc.cost),
			Department: "Finance",
			CreatedAt:  testNow.Add(-tc.ago),
		}
		if err := env.store.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	w := env.do("GET", "/api/analytics", nil, env.user.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var snap struct {
		TodayUsage struct {
			Cost   string  `json:"cost"`
			Tasks  int     `json:"tasks"`
			Change float64 `json:"change"`
		} `json:"todayUsage"`
		UsageTrends   []analytics.TrendPoint `json:"usageTrends"`
		CostBreakdown struct {
			ByAgent map[string]string `json:"byAgent"`
		} `json:"costBreakdown"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if snap.TodayUsage.Cost != "0.1" || snap.TodayUsage.Tasks != 1 {
		t.Errorf("Unexpected today usage: %+v", snap.TodayUsage)
	}
	if snap.TodayUsage.Change != 100 {
		t.Errorf("Expected +100%% change, got %v", snap.TodayUsage.Change)
	}
	if len(snap.UsageTrends) != 7 {
		t.Errorf("Expected 7 trend points, got %d", len(snap.UsageTrends))
	}
	if len(snap.CostBreakdown.ByAgent) != 3 {
		t.Errorf("Expected every agent in breakdown, got %v", snap.CostBreakdown.ByAgent)
	}
}

func TestHandleDepartments(t *testing.T) {
	env := setupTest(t, true)
	for _, dept := range []string{"Finance", "", "Finance"} {
		task := &billing.Task{UserID: env.user.ID, AgentID: env.agents[0].ID, Department: dept, CreatedAt: testNow}
		if err := env.store.CreateTask(context.Background(), task); err != nil {
			t.Fatal(err)
		}
	}

	w := env.do("GET", "/api/analytics/departments", nil, env.user.ID)
	var resp []analytics.DepartmentUsage
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("Expected 2 departments, got %d", len(resp))
	}
	for _, d := range resp {
		if d.Department == "Unknown" && d.Tasks != 1 {
			t.Errorf("Expected 1 untagged task, got %d", d.Tasks)
		}
	}
}

func TestHandleAddCredits(t *testing.T) {
	env := setupTest(t, true)

	for _, body := range []any{map[string]any{"amount": 0}, map[string]any{"amount": -5}, map[string]any{}} {
		if w := env.do("POST", "/api/billing/add-credits", body, env.user.ID); w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %v, got %d", body, w.Code)
		}
	}

	w := env.do("POST", "/api/billing/add-credits", map[string]any{"amount": 25.5}, env.user.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["newBalance"] != "35.5" {
		t.Errorf("Expected new balance 35.5, got %v", resp["newBalance"])
	}

	w = env.do("GET", "/api/billing/transactions", nil, env.user.ID)
	var txs []billing.Transaction
	json.Unmarshal(w.Body.Bytes(), &txs)
	if len(txs) != 1 || txs[0].Type != billing.TransactionCredit {
		t.Errorf("Expected one credit transaction, got %+v", txs)
	}
}

func TestHandleUsage_DateParsing(t *testing.T) {
	env := setupTest(t, true)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := env.store.CreateUsageMetric(ctx, &billing.UsageMetric{
			UserID:    env.user.ID,
			Date:      testNow.AddDate(0, 0, -i),
			TaskCount: 1,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	w := env.do("GET", "/api/billing/usage?start=2024-03-08&end=2024-03-10T23:59:59Z", nil, env.user.ID)
	var resp []billing.UsageMetric
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp) != 3 {
		t.Errorf("Expected 3 metrics, got %d", len(resp))
	}

	if w := env.do("GET", "/api/billing/usage?start=yesterday", nil, env.user.ID); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if w := env.do("GET", "/api/billing/usage?start=2024-03-10&end=2024-03-01", nil, env.user.ID); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for inverted range, got %d", w.Code)
	}
}

func TestHandleKeys(t *testing.T) {
	env := setupTest(t, true)

	w := env.do("POST", "/api/keys", map[string]string{"name": "ci"}, env.user.ID)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	var created map[string]any
	json.Unmarshal(w.Body.Bytes(), &created)
	key, _ := created["key"].(string)
	if len(key) != len(auth.KeyPrefix)+32 {
		t.Errorf("Expected full key in create response, got %q", key)
	}
	if _, leaked := created["KeyHash"]; leaked {
		t.Error("Key hash must not be serialized")
	}

	w = env.do("GET", "/api/keys", nil, env.user.ID)
	var listed []map[string]any
	json.Unmarshal(w.Body.Bytes(), &listed)
	if len(listed) != 1 {
		t.Fatalf("Expected 1 key, got %d", len(listed))
	}
	if _, ok := listed[0]["key"]; ok {
		t.Error("Listing must not expose the full key")
	}
	if listed[0]["name"] != "ci" {
		t.Errorf("Expected key name ci, got %v", listed[0]["name"])
	}
}

func TestHandleRevokeKey(t *testing.T) {
	env := setupTest(t, true)
	ctx := context.Background()

	key, apiKey, err := auth.GenerateKey(env.user.ID, "ci")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.keys.Create(ctx, apiKey); err != nil {
		t.Fatal(err)
	}
	cacheKey := "auth:" + auth.HashKey(key)
	env.redis.Set(cacheKey, `{"id":"`+apiKey.ID+`","user_id":"`+env.user.ID+`"}`)

	if w := env.do("DELETE", "/api/keys/"+apiKey.ID, nil, "someone-else"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for another user's key, got %d", w.Code)
	}
	if !env.redis.Exists(cacheKey) {
		t.Fatal("Foreign revoke attempt must not touch the cache")
	}

	if w := env.do("DELETE", "/api/keys/"+apiKey.ID, nil, env.user.ID); w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}
	if env.redis.Exists(cacheKey) {
		t.Error("Expected cached key to be invalidated")
	}
	if _, err := env.keys.GetByKey(ctx, key); err != auth.ErrKeyNotFound {
		t.Errorf("Expected revoked key to be rejected, got %v", err)
	}

	if w := env.do("DELETE", "/api/keys/missing", nil, env.user.ID); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown key, got %d", w.Code)
	}
}

func TestHandlePricing(t *testing.T) {
	env := setupTest(t, true)
	w := env.do("GET", "/api/pricing", nil, "")

	var resp map[string]pricing.AgentPrice
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(resp) != 3 || resp["invoice-processor"].BasePrice.String() != "0.05" {
		t.Errorf("Unexpected pricing table: %+v", resp)
	}
}

func TestHandleQuote(t *testing.T) {
	env := setupTest(t, true)
	body := map[string]any{"agentType": "invoice-processor", "inputTokens": 500, "outputTokens": 500, "dailyTasks": 100}
	w := env.do("POST", "/api/pricing/quote", body, "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Cost           map[string]string `json:"cost"`
		DailyCost      string            `json:"dailyCost"`
		VolumeDiscount map[string]string `json:"volumeDiscount"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Cost["totalCost"] != "0.051" {
		t.Errorf("Expected total 0.051, got %v", resp.Cost["totalCost"])
	}
	if resp.DailyCost != "5.1" {
		t.Errorf("Expected daily cost 5.1, got %v", resp.DailyCost)
	}
	if resp.VolumeDiscount["discount"] != "0.05" {
		t.Errorf("Expected 5%% tier at 100 tasks/day, got %v", resp.VolumeDiscount["discount"])
	}

	body["dailyTasks"] = maxDailyTasks + 1
	if w := env.do("POST", "/api/pricing/quote", body, ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for oversized dailyTasks, got %d", w.Code)
	}
	body["dailyTasks"] = maxDailyTasks
	if w := env.do("POST", "/api/pricing/quote", body, ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200 at the dailyTasks bound, got %d", w.Code)
	}
	body["dailyTasks"] = 100

	body["agentType"] = "translator"
	if w := env.do("POST", "/api/pricing/quote", body, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown agent type, got %d", w.Code)
	}
}

func TestHandleGetAgent(t *testing.T) {
	env := setupTest(t, true)

	if w := env.do("GET", "/api/agents/"+env.agents[2].ID, nil, ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if w := env.do("GET", "/api/agents/missing", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}

	w := env.do("GET", "/api/agents", nil, "")
	var list []billing.Agent
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 3 {
		t.Errorf("Expected 3 agents, got %d", len(list))
	}
}
