package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vnmchuo/agent-billing/internal/token"
)

var (
	emailCategories = []string{"sales", "support", "marketing", "general"}
	emailSentiments = []string{"positive", "neutral", "negative"}
)

type EmailSorter struct {
	sim *simulator
}

type emailInput struct {
	Emails []struct {
		ID      string `json:"id"`
		Subject string `json:"subject"`
		From    string `json:"from"`
		Body    string `json:"body"`
	} `json:"emails"`
}

type sortedEmail struct {
	ID         string  `json:"id"`
	Subject    string  `json:"subject"`
	Priority   string  `json:"priority"`
	Category   string  `json:"category"`
	Sentiment  string  `json:"sentiment"`
	Confidence float64 `json:"confidence"`
}

func NewEmailSorter(opts ...Option) *EmailSorter {
	return &EmailSorter{sim: newSimulator(800*time.Millisecond, time.Second, opts)}
}

func (a *EmailSorter) Type() string { return TypeEmailSorter }
func (a *EmailSorter) Name() string { return "Email Sorter" }

func (a *EmailSorter) Process(ctx context.Context, input json.RawMessage) (*Result, error) {
	inputTokens := token.Estimate(input)

	var in emailInput
	if !decodeObject(input, &in) {
		return failed(inputTokens, "invalid input: expected object with emails"), nil
	}

	if err := a.sim.wait(ctx); err != nil {
		return nil, err
	}

	sorted := make([]sortedEmail, 0, len(in.Emails))
	urgent := 0
	for i, e := range in.Emails {
		id := e.ID
		if id == "" {
			id = fmt.Sprintf("email_%d", i)
		}
		subject := e.Subject
		if subject == "" {
			subject = fmt.Sprintf("Email %d", i+1)
		}
		priority := "normal"
		if a.sim.float64() > 0.7 {
			priority = "urgent"
			urgent++
		}
		sorted = append(sorted, sortedEmail{
			ID:         id,
			Subject:    subject,
			Priority:   priority,
			Category:   a.sim.pick(emailCategories),
			Sentiment:  a.sim.pick(emailSentiments),
			Confidence: a.sim.between(0.85, 0.1),
		})
	}

	output := map[string]any{
		"sortedEmails":   sorted,
		"totalProcessed": len(sorted),
		"categories": map[string]int{
			"urgent": urgent,
			"normal": len(sorted) - urgent,
		},
		"processedAt": a.sim.now().UTC().Format(time.RFC3339),
	}

	return &Result{
		Success:      true,
		Output:       output,
		InputTokens:  inputTokens,
		OutputTokens: token.Estimate(output),
	}, nil
}
