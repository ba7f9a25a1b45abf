package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/vnmchuo/agent-billing/internal/token"
)

var vendors = []string{"Acme Corp", "Globex Inc", "Initech", "Umbrella Ltd", "Stark Industries"}

type InvoiceProcessor struct {
	sim *simulator
}

type invoiceInput struct {
	Document      json.RawMessage `json:"document"`
	ExtractFields []string        `json:"extractFields"`
}

func NewInvoiceProcessor(opts ...Option) *InvoiceProcessor {
	return &InvoiceProcessor{sim: newSimulator(500*time.Millisecond, 2*time.Second, opts)}
}

func (a *InvoiceProcessor) Type() string { return TypeInvoiceProcessor }
func (a *InvoiceProcessor) Name() string { return "Invoice Processor" }

func (a *InvoiceProcessor) Process(ctx context.Context, input json.RawMessage) (*Result, error) {
	inputTokens := token.Estimate(input)

	var in invoiceInput
	if !decodeObject(input, &in) {
		return failed(inputTokens, "invalid input: expected object with document data"), nil
	}
	if len(in.Document) == 0 || string(in.Document) == "null" {
		return failed(inputTokens, "invalid input: document is required"), nil
	}

	if err := a.sim.wait(ctx); err != nil {
		return nil, err
	}

	now := a.sim.now().UTC()
	lineItems := a.lineItems()
	subtotal := 0.0
	for _, item := range lineItems {
		subtotal += item["amount"].(float64)
	}
	tax := round2(subtotal * 0.08)

	output := map[string]any{
		"invoiceNumber": fmt.Sprintf("INV-%d-%05d", now.Year(), a.sim.intn(100000)),
		"amount":        round2(subtotal + tax),
		"currency":      "USD",
		"dueDate":       now.AddDate(0, 0, 30).Format(time.DateOnly),
		"vendor":        a.sim.pick(vendors),
		"lineItems":     lineItems,
		"subtotal":      round2(subtotal),
		"taxAmount":     tax,
		"confidence":    a.sim.between(0.98, 0.02),
		"extractedAt":   now.Format(time.RFC3339),
		"metadata": map[string]any{
			"documentType": "invoice",
			"pageCount":    a.sim.intn(3) + 1,
		},
	}
	if len(in.ExtractFields) > 0 {
		fields := make(map[string]string, len(in.ExtractFields))
		for _, f := range in.ExtractFields {
			fields[f] = fmt.Sprintf("extracted_%s", f)
		}
		output["extractedFields"] = fields
	}

	return &Result{
		Success:      true,
		Output:       output,
		InputTokens:  inputTokens,
		OutputTokens: token.Estimate(output),
	}, nil
}

func (a *InvoiceProcessor) lineItems() []map[string]any {
	descriptions := []string{"Professional Services", "Software License", "Consulting Hours", "Support Plan"}
	n := a.sim.intn(3) + 1
	items := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, map[string]any{
			"description": a.sim.pick(descriptions),
			"amount":      round2(a.sim.between(50, 1950)),
		})
	}
	return items
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
