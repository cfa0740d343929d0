package broker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rustyeddy/fxengine/market"
)

// Resilient wraps a gateway with bounded retries for transient order
// failures (requote, price off: up to 3 attempts, 1 s apart) and a
// circuit breaker that fails fast once the gateway keeps erroring.
type Resilient struct {
	inner    Gateway
	breaker  *gobreaker.CircuitBreaker
	attempts int
	backoff  time.Duration
	sleep    func(time.Duration) // injectable for tests
}

func NewResilient(inner Gateway) *Resilient {
	return &Resilient{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "broker",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			Timeout: 30 * time.Second,
		}),
		attempts: 3,
		backoff:  time.Second,
		sleep:    time.Sleep,
	}
}

// SetSleep replaces the inter-retry delay. Tests use this to avoid real
// waits.
func (r *Resilient) SetSleep(f func(time.Duration)) {
	r.sleep = f
}

func (r *Resilient) retry(op func() (Fill, error)) (Fill, error) {
	var fill Fill
	var err error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			r.sleep(r.backoff)
		}
		fill, err = op()
		if err == nil || !Transient(err) {
			return fill, err
		}
	}
	return fill, err
}

func (r *Resilient) MarketOpen(ctx context.Context, dir market.Direction, volume, stopLoss float64) (Fill, error) {
	out, err := r.breaker.Execute(func() (any, error) {
		return r.retry(func() (Fill, error) {
			return r.inner.MarketOpen(ctx, dir, volume, stopLoss)
		})
	})
	if err != nil {
		return Fill{}, err
	}
	return out.(Fill), nil
}

func (r *Resilient) Close(ctx context.Context, ticket string, volume float64) (Fill, error) {
	out, err := r.breaker.Execute(func() (any, error) {
		return r.retry(func() (Fill, error) {
			return r.inner.Close(ctx, ticket, volume)
		})
	})
	if err != nil {
		return Fill{}, err
	}
	return out.(Fill), nil
}

func (r *Resilient) ModifyStop(ctx context.Context, ticket string, stopLoss float64) error {
	return r.inner.ModifyStop(ctx, ticket, stopLoss)
}

func (r *Resilient) CheckMargin(ctx context.Context, dir market.Direction, volume float64) error {
	return r.inner.CheckMargin(ctx, dir, volume)
}

func (r *Resilient) Account(ctx context.Context) (Account, error) {
	return r.inner.Account(ctx)
}

func (r *Resilient) Symbol(ctx context.Context) (SymbolInfo, error) {
	return r.inner.Symbol(ctx)
}
