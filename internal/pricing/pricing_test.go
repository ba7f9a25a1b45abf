package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, decimal.RequireFromString(want).Equal(got), "expected %s, got %s", want, got)
}

func invoiceSchedule(t *testing.T) Schedule {
	t.Helper()
	s, err := ParseSchedule("invoice-processor", "0.05", "0.001")
	require.NoError(t, err)
	return s
}

func TestPriceTask(t *testing.T) {
	e := NewEngine()
	s := invoiceSchedule(t)

	tests := []struct {
		name          string
		input, output int
		tokenCost     string
		totalCost     string
	}{
		{"no tokens", 0, 0, "0", "0.05"},
		{"one thousand tokens", 600, 400, "0.001", "0.051"},
		{"fractional thousands are pro-rated", 1000, 500, "0.0015", "0.0515"},
		{"large task", 250000, 50000, "0.3", "0.35"},
		{"sub-precision cost rounds away", 10, 10, "0", "0.05"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := e.PriceTask(s, tt.input, tt.output)
			require.NoError(t, err)
			assertDecimal(t, "0.05", b.TaskCost)
			assertDecimal(t, tt.tokenCost, b.TokenCost)
			assertDecimal(t, tt.totalCost, b.TotalCost)
		})
	}
}

func TestPriceTask_TotalIsTaskPlusTokens(t *testing.T) {
	e := NewEngine()
	s := invoiceSchedule(t)

	for _, tokens := range []int{0, 1000, 2000, 12345, 99999} {
		b, err := e.PriceTask(s, tokens, tokens)
		require.NoError(t, err)

		want := decimal.NewFromInt(int64(2 * tokens)).Div(decimal.NewFromInt(1000)).Mul(s.PricePerToken).Round(CostScale)
		assert.Truef(t, want.Equal(b.TokenCost), "tokens=%d: token cost %s, want %s", tokens, b.TokenCost, want)
		assert.Truef(t, b.TaskCost.Add(b.TokenCost).Equal(b.TotalCost), "tokens=%d: total %s is not task+token", tokens, b.TotalCost)
	}
}

func TestPriceTask_RejectsNegativeInput(t *testing.T) {
	e := NewEngine()

	_, err := e.PriceTask(invoiceSchedule(t), -1, 10)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = e.PriceTask(invoiceSchedule(t), 10, -1)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	bad := Schedule{AgentType: "x", PricePerTask: decimal.NewFromInt(-1), PricePerToken: decimal.Zero}
	_, err = e.PriceTask(bad, 1, 1)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestParseSchedule_Invalid(t *testing.T) {
	_, err := ParseSchedule("email-sorter", "abc", "0.0008")
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = ParseSchedule("email-sorter", "0.03", "")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestApplyVolumeDiscount_Boundaries(t *testing.T) {
	e := NewEngine()
	cost := decimal.NewFromInt(100)

	tests := []struct {
		daily      int
		discount   string
		discounted string
	}{
		{0, "0", "100"},
		{99, "0", "100"},
		{100, "0.05", "95"},
		{999, "0.05", "95"},
		{1000, "0.10", "90"},
		{9999, "0.10", "90"},
		{10000, "0.20", "80"},
		{10001, "0.20", "80"},
	}

	for _, tt := range tests {
		d := e.ApplyVolumeDiscount(tt.daily, cost)
		assertDecimal(t, tt.discount, d.Discount)
		assertDecimal(t, tt.discounted, d.DiscountedCost)
	}
}

func TestProjectCosts(t *testing.T) {
	p := NewEngine().ProjectCosts(decimal.RequireFromString("10.00"))

	assertDecimal(t, "10", p.Daily)
	assertDecimal(t, "300", p.Monthly)
	assertDecimal(t, "3650", p.Yearly)
	assertDecimal(t, "270", p.MonthlyWithDiscount)
	assertDecimal(t, "2920", p.YearlyWithDiscount)
	assertDecimal(t, "730", p.PotentialSavings)
}

func TestProjectCosts_IgnoresVolumeTiers(t *testing.T) {
	// Custom tiers must not leak into projections.
	e := NewEngineWithTiers([]VolumeTier{{Threshold: 0, Discount: decimal.RequireFromString("0.5")}})
	p := e.ProjectCosts(decimal.NewFromInt(1))

	assertDecimal(t, "27", p.MonthlyWithDiscount)
	assertDecimal(t, "292", p.YearlyWithDiscount)
}

func TestBulkDiscount(t *testing.T) {
	e := NewEngine()

	d := e.BulkDiscount(999, 9999)
	assertDecimal(t, "0", d.MonthlyDiscount)
	assertDecimal(t, "0", d.YearlyDiscount)

	d = e.BulkDiscount(1000, 10000)
	assertDecimal(t, "0.10", d.MonthlyDiscount)
	assertDecimal(t, "0.20", d.YearlyDiscount)
}

func TestCatalog(t *testing.T) {
	c := NewCatalog(invoiceSchedule(t))
	assert.Equal(t, 1, c.Len())

	s, err := c.Lookup("invoice-processor")
	require.NoError(t, err)
	assertDecimal(t, "0.05", s.PricePerTask)

	_, err = c.Lookup("translator")
	assert.True(t, errors.Is(err, ErrUnknownAgent))
}

func TestAgentPricing(t *testing.T) {
	table := AgentPricing()
	require.Len(t, table, 3)
	assertDecimal(t, "0.05", table["invoice-processor"].BasePrice)
	assertDecimal(t, "0.0008", table["email-sorter"].TokenPrice)
	assertDecimal(t, "0.02", table["data-entry"].BasePrice)
}
