package broker

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/fxengine/market"
)

// scriptGateway returns queued errors in order, then succeeds.
type scriptGateway struct {
	errs  []error
	calls int
}

func (g *scriptGateway) next() error {
	g.calls++
	if len(g.errs) == 0 {
		return nil
	}
	err := g.errs[0]
	g.errs = g.errs[1:]
	return err
}

func (g *scriptGateway) MarketOpen(ctx context.Context, dir market.Direction, volume, stopLoss float64) (Fill, error) {
	if err := g.next(); err != nil {
		return Fill{}, err
	}
	return Fill{Ticket: "T1", Volume: volume}, nil
}

func (g *scriptGateway) Close(ctx context.Context, ticket string, volume float64) (Fill, error) {
	if err := g.next(); err != nil {
		return Fill{}, err
	}
	return Fill{Ticket: ticket, Volume: volume}, nil
}

func (g *scriptGateway) ModifyStop(ctx context.Context, ticket string, stopLoss float64) error {
	return g.next()
}

func (g *scriptGateway) CheckMargin(ctx context.Context, dir market.Direction, volume float64) error {
	return nil
}

func (g *scriptGateway) Account(ctx context.Context) (Account, error) { return Account{}, nil }
func (g *scriptGateway) Symbol(ctx context.Context) (SymbolInfo, error) {
	return SymbolInfo{}, nil
}

func newTestResilient(inner Gateway) *Resilient {
	r := NewResilient(inner)
	r.SetSleep(func(time.Duration) {})
	return r
}

func TestResilientRetriesTransient(t *testing.T) {
	t.Parallel()

	inner := &scriptGateway{errs: []error{ErrRequote, ErrPriceOff}}
	r := newTestResilient(inner)

	fill, err := r.MarketOpen(context.Background(), market.Buy, 0.1, 149.45)
	require.NoError(t, err)
	assert.Equal(t, "T1", fill.Ticket)
	assert.Equal(t, 3, inner.calls)
}

func TestResilientGivesUpAfterThreeAttempts(t *testing.T) {
	t.Parallel()

	inner := &scriptGateway{errs: []error{ErrRequote, ErrRequote, ErrRequote, ErrRequote}}
	r := newTestResilient(inner)

	_, err := r.Close(context.Background(), "T1", 0.1)
	assert.ErrorIs(t, err, ErrRequote)
	assert.Equal(t, 3, inner.calls)
}

func TestResilientNoRetryOnFatal(t *testing.T) {
	t.Parallel()

	inner := &scriptGateway{errs: []error{ErrNoMoney}}
	r := newTestResilient(inner)

	_, err := r.MarketOpen(context.Background(), market.Buy, 0.1, 149.45)
	assert.ErrorIs(t, err, ErrNoMoney)
	assert.Equal(t, 1, inner.calls)
}

func TestResilientBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	inner := &scriptGateway{errs: []error{
		ErrNoMoney, ErrNoMoney, ErrNoMoney, ErrNoMoney, ErrNoMoney,
	}}
	r := newTestResilient(inner)

	for i := 0; i < 5; i++ {
		_, err := r.MarketOpen(context.Background(), market.Buy, 0.1, 149.45)
		assert.ErrorIs(t, err, ErrNoMoney)
	}

	// Sixth call fails fast without touching the gateway.
	_, err := r.MarketOpen(context.Background(), market.Buy, 0.1, 149.45)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, inner.calls)
}
