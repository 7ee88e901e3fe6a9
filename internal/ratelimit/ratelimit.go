// Package ratelimit provides a per-token gate for provider API calls.
// Token-scoped providers reject concurrent calls on the same access
// token, so the gate both paces and serializes per token. The gate is
// injected into the engine; there is no process-wide singleton.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Gate paces calls per token key. The zero value is not usable; use
// NewGate.
type Gate struct {
	limit rate.Limit
	burst int

	mu     sync.Mutex
	tokens map[string]*tokenGate
}

type tokenGate struct {
	limiter *rate.Limiter
	// serial is held for the duration of one provider call. Channel
	// instead of sync.Mutex so acquisition can respect ctx.
	serial chan struct{}
}

// NewGate returns a gate allowing callsPerSecond calls with the given
// burst for each distinct token key.
func NewGate(callsPerSecond float64, burst int) *Gate {
	if burst < 1 {
		burst = 1
	}
	return &Gate{
		limit:  rate.Limit(callsPerSecond),
		burst:  burst,
		tokens: make(map[string]*tokenGate),
	}
}

func (g *Gate) forToken(key string) *tokenGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	tg, ok := g.tokens[key]
	if !ok {
		tg = &tokenGate{
			limiter: rate.NewLimiter(g.limit, g.burst),
			serial:  make(chan struct{}, 1),
		}
		g.tokens[key] = tg
	}
	return tg
}

// Acquire blocks until the token key may make one provider call, then
// returns a release function that must be called when the call ends.
// Calls on the same key are serialized; distinct keys proceed
// independently.
func (g *Gate) Acquire(ctx context.Context, key string) (release func(), err error) {
	tg := g.forToken(key)

	select {
	case tg.serial <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := tg.limiter.Wait(ctx); err != nil {
		<-tg.serial
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-tg.serial })
	}, nil
}
