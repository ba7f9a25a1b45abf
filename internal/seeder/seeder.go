package seeder

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/agent-billing/internal/agent"
	"github.com/vnmchuo/agent-billing/internal/auth"
	"github.com/vnmchuo/agent-billing/internal/billing"
)

var defaultAgents = []struct {
	name, agentType, description, perTask, perToken, icon, capabilities string
}{
	{
		name:         "Invoice Processor",
		agentType:    agent.TypeInvoiceProcessor,
		description:  "Automated invoice processing, data extraction, and validation with 99.2% accuracy.",
		perTask:      "0.05",
		perToken:     "0.001",
		icon:         "fas fa-file-invoice-dollar",
		capabilities: `{"formats":["PDF","Image","Email"],"languages":["English","Spanish","French"],"accuracy":"99.2%"}`,
	},
	{
		name:         "Email Sorter",
		agentType:    agent.TypeEmailSorter,
		description:  "Intelligent email classification, priority sorting, and automated responses.",
		perTask:      "0.03",
		perToken:     "0.0008",
		icon:         "fas fa-envelope-open-text",
		capabilities: `{"categories":["Sales","Support","Marketing","General"],"languages":["English","Spanish"],"accuracy":"96.8%"}`,
	},
	{
		name:         "Data Entry",
		agentType:    agent.TypeDataEntry,
		description:  "Automated data extraction, validation, and entry from documents and forms.",
		perTask:      "0.02",
		perToken:     "0.0005",
		icon:         "fas fa-database",
		capabilities: `{"formats":["Forms","Tables","Documents"],"validation":true,"accuracy":"98.1%"}`,
	},
}

// SeedAgents creates the marketplace agents when the catalog is empty.
func SeedAgents(ctx context.Context, store billing.Store) ([]*billing.Agent, error) {
	existing, err := store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	agents := make([]*billing.Agent, 0, len(defaultAgents))
	for _, d := range defaultAgents {
		a := &billing.Agent{
			Name:          d.name,
			Type:          d.agentType,
			Description:   d.description,
			PricePerTask:  decimal.RequireFromString(d.perTask),
			PricePerToken: decimal.RequireFromString(d.perToken),
			IsActive:      true,
			Icon:          d.icon,
			Capabilities:  json.RawMessage(d.capabilities),
		}
		if err := store.CreateAgent(ctx, a); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	log.Printf("[Seeder] Seeded %d agents", len(agents))
	return agents, nil
}

// SeedTestUser creates a demo user with starting credits and an API key,
// logging the key once.
func SeedTestUser(ctx context.Context, users billing.Store, keys auth.Store) (*billing.User, string, error) {
	user := &billing.User{
		Username:       "demo",
		Email:          "demo@example.com",
		CompanyName:    "Demo Corp",
		CreditsBalance: decimal.NewFromInt(100),
	}
	if err := users.CreateUser(ctx, user); err != nil {
		return nil, "", fmt.Errorf("failed to create test user: %w", err)
	}

	key, apiKey, err := auth.GenerateKey(user.ID, "Seed key")
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate test key: %w", err)
	}
	if err := keys.Create(ctx, apiKey); err != nil {
		return nil, "", fmt.Errorf("failed to store test key: %w", err)
	}

	err = users.CreateTransaction(ctx, &billing.Transaction{
		UserID:      user.ID,
		Amount:      user.CreditsBalance,
		Type:        billing.TransactionCredit,
		Description: "Starting credits",
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to record starting credits: %w", err)
	}

	log.Printf("[Seeder] Test user created successfully")
	log.Printf("[Seeder] Key: %s", key)
	log.Printf("[Seeder] UserID: %s", user.ID)
	return user, key, nil
}
