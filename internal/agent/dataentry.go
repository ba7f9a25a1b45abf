package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vnmchuo/agent-billing/internal/token"
)

type DataEntry struct {
	sim *simulator
}

type dataEntryInput struct {
	Fields []struct {
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value"`
	} `json:"fields"`
}

type extractedField struct {
	FieldName  string          `json:"fieldName"`
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	Validation string          `json:"validation"`
}

func NewDataEntry(opts ...Option) *DataEntry {
	return &DataEntry{sim: newSimulator(1500*time.Millisecond, 2*time.Second, opts)}
}

func (a *DataEntry) Type() string { return TypeDataEntry }
func (a *DataEntry) Name() string { return "Data Entry" }

func (a *DataEntry) Process(ctx context.Context, input json.RawMessage) (*Result, error) {
	inputTokens := token.Estimate(input)

	var in dataEntryInput
	if !decodeObject(input, &in) {
		return failed(inputTokens, "invalid input: expected object with fields"), nil
	}

	if err := a.sim.wait(ctx); err != nil {
		return nil, err
	}

	fields := make([]extractedField, 0, len(in.Fields))
	valid, review := 0, 0
	for i, f := range in.Fields {
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("field_%d", i)
		}
		value := f.Value
		if len(value) == 0 || string(value) == "null" {
			value, _ = json.Marshal(fmt.Sprintf("processed_value_%d", i))
		}
		validation := "valid"
		if a.sim.float64() <= 0.1 {
			validation = "requires_review"
			review++
		} else {
			valid++
		}
		fields = append(fields, extractedField{
			FieldName:  name,
			Value:      value,
			Confidence: a.sim.between(0.92, 0.07),
			Validation: validation,
		})
	}

	output := map[string]any{
		"extractedData":  fields,
		"totalFields":    len(fields),
		"validFields":    valid,
		"requiresReview": review,
		"suggestions":    suggestions(fields),
		"processedAt":    a.sim.now().UTC().Format(time.RFC3339),
	}

	return &Result{
		Success:      true,
		Output:       output,
		InputTokens:  inputTokens,
		OutputTokens: token.Estimate(output),
	}, nil
}

func suggestions(fields []extractedField) []string {
	out := []string{}
	for _, f := range fields {
		if f.Validation == "requires_review" {
			out = append(out, fmt.Sprintf("Validate field %s", f.FieldName))
		}
	}
	return out
}
