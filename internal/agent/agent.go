// Package agent contains the simulated task processors sold on the
// marketplace. They do not call any AI service; output is fabricated after a
// randomized delay.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	TypeInvoiceProcessor = "invoice-processor"
	TypeEmailSorter      = "email-sorter"
	TypeDataEntry        = "data-entry"
)

// Result is what an agent produced for one task. A failed result still
// carries the input token count.
type Result struct {
	Success      bool
	Output       any
	InputTokens  int
	OutputTokens int
	Error        string
}

type Agent interface {
	Type() string
	Name() string
	// Process returns an error only when the task could not run at all,
	// such as a cancelled context. Bad input yields an unsuccessful Result.
	Process(ctx context.Context, input json.RawMessage) (*Result, error)
}

type Option func(*simulator)

// WithDelay sets the simulated processing time to base plus up to jitter.
func WithDelay(base, jitter time.Duration) Option {
	return func(s *simulator) {
		s.base = base
		s.jitter = jitter
	}
}

func WithSeed(seed1, seed2 uint64) Option {
	return func(s *simulator) {
		s.rng = rand.New(rand.NewPCG(seed1, seed2))
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *simulator) {
		s.now = now
	}
}

type simulator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	base   time.Duration
	jitter time.Duration
	now    func() time.Time
}

func newSimulator(base, jitter time.Duration, opts []Option) *simulator {
	s := &simulator{
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		base:   base,
		jitter: jitter,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *simulator) wait(ctx context.Context) error {
	d := s.base
	if s.jitter > 0 {
		d += time.Duration(s.int64n(int64(s.jitter)))
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *simulator) float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *simulator) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

func (s *simulator) int64n(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Int64N(n)
}

func (s *simulator) pick(options []string) string {
	return options[s.intn(len(options))]
}

// between returns a value in [lo, lo+span).
func (s *simulator) between(lo, span float64) float64 {
	return lo + s.float64()*span
}

func failed(inputTokens int, msg string) *Result {
	return &Result{Success: false, InputTokens: inputTokens, Error: msg}
}

// decodeObject unmarshals input into dst, reporting whether input was a JSON object.
func decodeObject(input json.RawMessage, dst any) bool {
	input = bytes.TrimSpace(input)
	if len(input) == 0 || input[0] != '{' {
		return false
	}
	return json.Unmarshal(input, dst) == nil
}
