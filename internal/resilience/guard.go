package resilience

import (
	"context"
	"errors"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/provider/llm"
)

type guardedLLM struct {
	next    llm.Provider
	breaker *Breaker
}

// GuardLLM wraps p so every Generate call goes through b. Cancellation by
// the caller does not count as a backend failure.
func GuardLLM(p llm.Provider, b *Breaker) llm.Provider {
	return &guardedLLM{next: p, breaker: b}
}

func (g *guardedLLM) Generate(ctx context.Context, req llm.Request) (string, error) {
	var out string
	var callerErr error
	err := g.breaker.Do(func() error {
		text, err := g.next.Generate(ctx, req)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			callerErr = err
			return nil
		}
		out = text
		return err
	})
	if callerErr != nil {
		return "", callerErr
	}
	return out, err
}
