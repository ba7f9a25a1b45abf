package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Catalog maps agent types to their price schedule. It is filled once at
// startup and read-only afterwards.
type Catalog struct {
	schedules map[string]Schedule
}

func NewCatalog(schedules ...Schedule) *Catalog {
	c := &Catalog{schedules: make(map[string]Schedule, len(schedules))}
	for _, s := range schedules {
		c.schedules[s.AgentType] = s
	}
	return c
}

func (c *Catalog) Lookup(agentType string) (Schedule, error) {
	s, ok := c.schedules[agentType]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentType)
	}
	return s, nil
}

func (c *Catalog) Len() int {
	return len(c.schedules)
}

// AgentPrice is an entry of the public pricing table.
type AgentPrice struct {
	BasePrice   decimal.Decimal `json:"basePrice"`
	TokenPrice  decimal.Decimal `json:"tokenPrice"`
	Description string          `json:"description"`
}

// AgentPricing returns the public, static pricing table.
func AgentPricing() map[string]AgentPrice {
	return map[string]AgentPrice{
		"invoice-processor": {
			BasePrice:   decimal.RequireFromString("0.05"),
			TokenPrice:  decimal.RequireFromString("0.001"),
			Description: "Invoice processing, data extraction, and validation",
		},
		"email-sorter": {
			BasePrice:   decimal.RequireFromString("0.03"),
			TokenPrice:  decimal.RequireFromString("0.0008"),
			Description: "Email classification, priority sorting, and automated responses",
		},
		"data-entry": {
			BasePrice:   decimal.RequireFromString("0.02"),
			TokenPrice:  decimal.RequireFromString("0.0005"),
			Description: "Data extraction, validation, and entry from documents",
		},
	}
}
