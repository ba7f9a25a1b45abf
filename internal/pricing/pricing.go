package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidInput = errors.New("invalid pricing input")
	ErrUnknownAgent = errors.New("unknown agent type")
)

// CostScale is the number of decimal places kept on cost fields, matching
// the numeric(10,4) columns they are stored in.
const CostScale = 4

var tokensPerUnit = decimal.NewFromInt(1000)

// Schedule is the price list of a single agent type. Token prices are quoted
// per 1000 tokens.
type Schedule struct {
	AgentType     string          `json:"agent_type"`
	PricePerTask  decimal.Decimal `json:"price_per_task"`
	PricePerToken decimal.Decimal `json:"price_per_token"`
}

// ParseSchedule builds a Schedule from the string decimals agents are seeded with.
func ParseSchedule(agentType, pricePerTask, pricePerToken string) (Schedule, error) {
	perTask, err := decimal.NewFromString(pricePerTask)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: price per task %q: %v", ErrInvalidInput, pricePerTask, err)
	}
	perToken, err := decimal.NewFromString(pricePerToken)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: price per token %q: %v", ErrInvalidInput, pricePerToken, err)
	}
	return Schedule{AgentType: agentType, PricePerTask: perTask, PricePerToken: perToken}, nil
}

type Breakdown struct {
	TaskCost  decimal.Decimal `json:"taskCost"`
	TokenCost decimal.Decimal `json:"tokenCost"`
	TotalCost decimal.Decimal `json:"totalCost"`
}

// VolumeTier grants Discount to users running at least Threshold tasks a day.
type VolumeTier struct {
	Threshold int
	Discount  decimal.Decimal
}

// DefaultVolumeTiers is ordered from the highest threshold down; the first
// tier that matches wins.
var DefaultVolumeTiers = []VolumeTier{
	{Threshold: 10000, Discount: decimal.RequireFromString("0.20")},
	{Threshold: 1000, Discount: decimal.RequireFromString("0.10")},
	{Threshold: 100, Discount: decimal.RequireFromString("0.05")},
}

type Discount struct {
	Discount       decimal.Decimal `json:"discount"`
	DiscountedCost decimal.Decimal `json:"discountedCost"`
}

// Projection extrapolates a daily spend linearly. The discounted figures use
// fixed rates and are not derived from the volume tiers.
type Projection struct {
	Daily               decimal.Decimal `json:"daily"`
	Monthly             decimal.Decimal `json:"monthly"`
	Yearly              decimal.Decimal `json:"yearly"`
	MonthlyWithDiscount decimal.Decimal `json:"monthlyWithDiscount"`
	YearlyWithDiscount  decimal.Decimal `json:"yearlyWithDiscount"`
	PotentialSavings    decimal.Decimal `json:"potentialSavings"`
}

var (
	daysPerMonth          = decimal.NewFromInt(30)
	daysPerYear           = decimal.NewFromInt(365)
	monthlyProjectionRate = decimal.RequireFromString("0.90")
	yearlyProjectionRate  = decimal.RequireFromString("0.80")
)

type BulkDiscount struct {
	MonthlyDiscount decimal.Decimal `json:"monthlyDiscount"`
	YearlyDiscount  decimal.Decimal `json:"yearlyDiscount"`
}

// Engine holds no mutable state and is safe to share between requests.
type Engine struct {
	tiers []VolumeTier
}

func NewEngine() *Engine {
	return &Engine{tiers: DefaultVolumeTiers}
}

// NewEngineWithTiers uses a custom tier table. Tiers must be sorted by
// descending threshold.
func NewEngineWithTiers(tiers []VolumeTier) *Engine {
	return &Engine{tiers: tiers}
}

func (e *Engine) PriceTask(s Schedule, inputTokens, outputTokens int) (Breakdown, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return Breakdown{}, fmt.Errorf("%w: negative token count (input=%d, output=%d)", ErrInvalidInput, inputTokens, outputTokens)
	}
	if s.PricePerTask.IsNegative() || s.PricePerToken.IsNegative() {
		return Breakdown{}, fmt.Errorf("%w: negative price for %s", ErrInvalidInput, s.AgentType)
	}

	totalTokens := decimal.NewFromInt(int64(inputTokens) + int64(outputTokens))
	taskCost := s.PricePerTask
	tokenCost := totalTokens.Div(tokensPerUnit).Mul(s.PricePerToken)

	return Breakdown{
		TaskCost:  taskCost.Round(CostScale),
		TokenCost: tokenCost.Round(CostScale),
		TotalCost: taskCost.Add(tokenCost).Round(CostScale),
	}, nil
}

func (e *Engine) ApplyVolumeDiscount(dailyTaskCount int, originalCost decimal.Decimal) Discount {
	discount := decimal.Zero
	for _, tier := range e.tiers {
		if dailyTaskCount >= tier.Threshold {
			discount = tier.Discount
			break
		}
	}
	return Discount{
		Discount:       discount,
		DiscountedCost: originalCost.Mul(decimal.NewFromInt(1).Sub(discount)),
	}
}

func (e *Engine) ProjectCosts(currentDailyCost decimal.Decimal) Projection {
	monthly := currentDailyCost.Mul(daysPerMonth)
	yearly := currentDailyCost.Mul(daysPerYear)
	yearlyWithDiscount := yearly.Mul(yearlyProjectionRate)

	return Projection{
		Daily:               currentDailyCost,
		Monthly:             monthly,
		Yearly:              yearly,
		MonthlyWithDiscount: monthly.Mul(monthlyProjectionRate),
		YearlyWithDiscount:  yearlyWithDiscount,
		PotentialSavings:    yearly.Sub(yearlyWithDiscount),
	}
}

// BulkDiscount returns the commitment discounts offered for sustained
// monthly and yearly task volumes.
func (e *Engine) BulkDiscount(monthlyTaskCount, yearlyTaskCount int) BulkDiscount {
	d := BulkDiscount{MonthlyDiscount: decimal.Zero, YearlyDiscount: decimal.Zero}
	if monthlyTaskCount >= 1000 {
		d.MonthlyDiscount = decimal.RequireFromString("0.10")
	}
	if yearlyTaskCount >= 10000 {
		d.YearlyDiscount = decimal.RequireFromString("0.20")
	}
	return d
}
