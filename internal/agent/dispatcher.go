package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

var (
	ErrUnknownAgent     = errors.New("unknown agent type")
	ErrAgentUnavailable = errors.New("agent unavailable")
)

// Dispatcher routes tasks to agents by type. Each agent sits behind its own
// circuit breaker that trips after repeated Process errors.
type Dispatcher struct {
	agents   map[string]Agent
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewDispatcher(agents ...Agent) *Dispatcher {
	d := &Dispatcher{
		agents:   make(map[string]Agent, len(agents)),
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(agents)),
	}
	for _, a := range agents {
		d.agents[a.Type()] = a
		d.breakers[a.Type()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        a.Type(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return d
}

// Default returns a dispatcher with the three marketplace agents.
func Default(opts ...Option) *Dispatcher {
	return NewDispatcher(
		NewInvoiceProcessor(opts...),
		NewEmailSorter(opts...),
		NewDataEntry(opts...),
	)
}

func (d *Dispatcher) Get(agentType string) (Agent, error) {
	a, ok := d.agents[agentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentType)
	}
	return a, nil
}

// Available reports whether the agent exists and its breaker is not open.
func (d *Dispatcher) Available(agentType string) bool {
	cb, ok := d.breakers[agentType]
	return ok && cb.State() != gobreaker.StateOpen
}

func (d *Dispatcher) Run(ctx context.Context, agentType string, input json.RawMessage) (*Result, error) {
	a, err := d.Get(agentType)
	if err != nil {
		return nil, err
	}
	cb := d.breakers[agentType]

	res, err := cb.Execute(func() (interface{}, error) {
		return a.Process(ctx, input)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrAgentUnavailable, agentType)
		}
		return nil, err
	}
	return res.(*Result), nil
}
