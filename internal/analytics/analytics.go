// Package analytics folds a user's task history into dashboard figures.
//
// All calendar-day bucketing is done in UTC so results do not depend on the
// host's local time zone.
package analytics

import (
	"cmp"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/agent-billing/internal/pricing"
)

const (
	trendDays          = 7
	breakdownWindow    = 100
	unknownDepartment  = "Unknown"
	departmentTrendAge = 3 * 24 * time.Hour
	day                = 24 * time.Hour
)

// TaskCostRecord is the billed view of a completed task.
type TaskCostRecord struct {
	TaskID       string
	AgentID      string
	InputTokens  int
	OutputTokens int
	TaskCost     decimal.Decimal
	TokenCost    decimal.Decimal
	TotalCost    decimal.Decimal
	Department   string // empty when the task was not tagged
	CreatedAt    time.Time
}

func (r TaskCostRecord) tokens() int {
	return r.InputTokens + r.OutputTokens
}

// AgentRef identifies an active agent for the per-agent breakdown.
type AgentRef struct {
	ID   string
	Name string
}

type TodayUsage struct {
	Cost   decimal.Decimal `json:"cost"`
	Tasks  int             `json:"tasks"`
	Tokens int             `json:"tokens"`
	Change float64         `json:"change"` // percent vs the previous 24h, positive is an increase
}

type TrendPoint struct {
	Date   string          `json:"date"` // YYYY-MM-DD, UTC
	Cost   decimal.Decimal `json:"cost"`
	Tasks  int             `json:"tasks"`
	Tokens int             `json:"tokens"`
}

type CostBreakdown struct {
	ByAgent      map[string]decimal.Decimal `json:"byAgent"`
	ByDepartment map[string]decimal.Decimal `json:"byDepartment"`
}

type Snapshot struct {
	TodayUsage    TodayUsage         `json:"todayUsage"`
	UsageTrends   []TrendPoint       `json:"usageTrends"`
	CostBreakdown CostBreakdown      `json:"costBreakdown"`
	Predictions   pricing.Projection `json:"predictions"`
}

type DepartmentUsage struct {
	Department string          `json:"department"`
	Tasks      int             `json:"tasks"`
	Tokens     int             `json:"tokens"`
	Cost       decimal.Decimal `json:"cost"`
	Trend      float64         `json:"trend"`
}

type Aggregator struct {
	pricing *pricing.Engine
}

func NewAggregator(engine *pricing.Engine) *Aggregator {
	return &Aggregator{pricing: engine}
}

// UserAnalytics builds the dashboard snapshot for one user. It does not
// modify tasks and returns the same result for the same inputs.
func (a *Aggregator) UserAnalytics(tasks []TaskCostRecord, agents []AgentRef, now time.Time) Snapshot {
	todayStart := now.Add(-day)
	yesterdayStart := now.Add(-2 * day)

	today := TodayUsage{Cost: decimal.Zero}
	yesterdayCost := decimal.Zero
	for _, t := range tasks {
		switch {
		case !t.CreatedAt.Before(todayStart):
			today.Cost = today.Cost.Add(t.TotalCost)
			today.Tasks++
			today.Tokens += t.tokens()
		case !t.CreatedAt.Before(yesterdayStart):
			yesterdayCost = yesterdayCost.Add(t.TotalCost)
		}
	}
	if yesterdayCost.IsPositive() {
		today.Change = today.Cost.Sub(yesterdayCost).Div(yesterdayCost).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	return Snapshot{
		TodayUsage:    today,
		UsageTrends:   usageTrends(tasks, now),
		CostBreakdown: costBreakdown(tasks, agents),
		Predictions:   a.pricing.ProjectCosts(today.Cost),
	}
}

func usageTrends(tasks []TaskCostRecord, now time.Time) []TrendPoint {
	points := make([]TrendPoint, 0, trendDays)
	index := make(map[string]int, trendDays)
	for i := trendDays - 1; i >= 0; i-- {
		date := now.Add(-time.Duration(i) * day).UTC().Format(time.DateOnly)
		index[date] = len(points)
		points = append(points, TrendPoint{Date: date, Cost: decimal.Zero})
	}

	for _, t := range tasks {
		if t.CreatedAt.IsZero() {
			continue
		}
		i, ok := index[t.CreatedAt.UTC().Format(time.DateOnly)]
		if !ok {
			continue
		}
		points[i].Cost = points[i].Cost.Add(t.TotalCost)
		points[i].Tasks++
		points[i].Tokens += t.tokens()
	}
	return points
}

func costBreakdown(tasks []TaskCostRecord, agents []AgentRef) CostBreakdown {
	b := CostBreakdown{
		ByAgent:      make(map[string]decimal.Decimal, len(agents)),
		ByDepartment: make(map[string]decimal.Decimal),
	}
	names := make(map[string]string, len(agents))
	for _, ag := range agents {
		b.ByAgent[ag.Name] = decimal.Zero
		names[ag.ID] = ag.Name
	}

	for _, t := range mostRecent(tasks, breakdownWindow) {
		if name, ok := names[t.AgentID]; ok {
			b.ByAgent[name] = b.ByAgent[name].Add(t.TotalCost)
		}
		if t.Department != "" {
			b.ByDepartment[t.Department] = b.ByDepartment[t.Department].Add(t.TotalCost)
		}
	}
	return b
}

// mostRecent returns up to n tasks, newest first, without reordering the input.
func mostRecent(tasks []TaskCostRecord, n int) []TaskCostRecord {
	sorted := slices.Clone(tasks)
	slices.SortStableFunc(sorted, func(x, y TaskCostRecord) int {
		return cmp.Compare(y.CreatedAt.UnixNano(), x.CreatedAt.UnixNano())
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

type departmentTotals struct {
	usage       DepartmentUsage
	recentTasks int
	oldTasks    int
}

// DepartmentAnalytics groups every task by department, in the order each
// department is first seen. Untagged tasks are grouped under "Unknown".
func (a *Aggregator) DepartmentAnalytics(tasks []TaskCostRecord, now time.Time) []DepartmentUsage {
	recentCutoff := now.Add(-departmentTrendAge)

	var order []string
	groups := make(map[string]*departmentTotals)
	for _, t := range tasks {
		dept := t.Department
		if dept == "" {
			dept = unknownDepartment
		}
		g, ok := groups[dept]
		if !ok {
			g = &departmentTotals{usage: DepartmentUsage{Department: dept, Cost: decimal.Zero}}
			groups[dept] = g
			order = append(order, dept)
		}

		g.usage.Tasks++
		g.usage.Tokens += t.tokens()
		g.usage.Cost = g.usage.Cost.Add(t.TotalCost)
		if !t.CreatedAt.IsZero() && !t.CreatedAt.Before(recentCutoff) {
			g.recentTasks++
		} else {
			g.oldTasks++
		}
	}

	out := make([]DepartmentUsage, 0, len(order))
	for _, dept := range order {
		g := groups[dept]
		if g.oldTasks > 0 {
			g.usage.Trend = float64(g.recentTasks-g.oldTasks) / float64(g.oldTasks) * 100
		}
		out = append(out, g.usage)
	}
	return out
}
