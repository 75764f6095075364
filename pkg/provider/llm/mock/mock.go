// Package mock provides a test double for the llm.Provider interface.
//
// Responses are consumed in order; once exhausted the last one repeats.
//
//	p := &mock.Provider{Responses: []string{`{"topic":"x"}`}}
package mock

import (
	"context"
	"sync"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Call records one Generate invocation.
type Call struct {
	Req llm.Request
}

// Provider is a scripted llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses are returned in order. The last one repeats.
	Responses []string

	// Errs are returned in order alongside Responses. A nil entry or a missing
	// index means success. The last entry repeats.
	Errs []error

	// Block, when non-nil, makes Generate wait for a receive or for ctx.
	Block chan struct{}

	calls []Call
}

// Generate implements [llm.Provider].
func (p *Provider) Generate(ctx context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	n := len(p.calls)
	p.calls = append(p.calls, Call{Req: req})
	block := p.Block
	resp := pick(p.Responses, n)
	err := pick(p.Errs, n)
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return resp, nil
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// CallCount returns the number of Generate calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func pick[T any](s []T, i int) T {
	var zero T
	if len(s) == 0 {
		return zero
	}
	if i >= len(s) {
		return s[len(s)-1]
	}
	return s[i]
}
