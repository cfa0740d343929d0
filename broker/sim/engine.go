// Package sim is the deterministic broker used by tests and backtests.
// Buys fill at the ask, sell-side closes at the bid, with configurable
// fixed slippage and per-lot commission.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/market"
)

type trade struct {
	ticket   string
	dir      market.Direction
	entry    float64
	volume   float64 // lots remaining
	stopLoss float64
}

// Engine is an in-memory broker gateway.
type Engine struct {
	mu sync.Mutex

	acct   broker.Account
	info   broker.SymbolInfo
	tick   market.Tick
	has    bool
	trades map[string]*trade

	slippagePips   float64
	commissionLot  float64 // per lot per side, account currency
	marginDivisor  float64 // leverage
	entropy        *rand.Rand
	failNextClose  error
	failNextOpen   error
	remainingFails int
}

type Option func(*Engine)

// WithSlippage applies a fixed adverse fill offset in pips.
func WithSlippage(pips float64) Option {
	return func(e *Engine) { e.slippagePips = pips }
}

// WithCommission charges per lot on every fill.
func WithCommission(perLot float64) Option {
	return func(e *Engine) { e.commissionLot = perLot }
}

// WithLeverage sets the margin divisor (default 25).
func WithLeverage(leverage float64) Option {
	return func(e *Engine) { e.marginDivisor = leverage }
}

// WithSeed seeds ticket ID entropy for reproducible runs.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.entropy = rand.New(rand.NewSource(seed)) }
}

func NewEngine(acct broker.Account, info broker.SymbolInfo, opts ...Option) *Engine {
	e := &Engine{
		acct:          acct,
		info:          info,
		trades:        make(map[string]*trade),
		marginDivisor: 25,
		entropy:       rand.New(rand.NewSource(1)),
	}
	if e.acct.Equity == 0 {
		e.acct.Equity = e.acct.Balance
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetTick publishes the quote subsequent fills execute against and
// revalues open trades.
func (e *Engine) SetTick(t market.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tick = t
	e.has = true
	e.revalue()
}

// FailNext makes the next n order calls return err. Used to exercise the
// engine's gateway-failure paths.
func (e *Engine) FailNext(err error, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNextOpen = err
	e.failNextClose = err
	e.remainingFails = n
}

func (e *Engine) consumeFailure() error {
	if e.remainingFails > 0 {
		e.remainingFails--
		err := e.failNextClose
		if e.remainingFails == 0 {
			e.failNextOpen, e.failNextClose = nil, nil
		}
		return err
	}
	return nil
}

func (e *Engine) MarketOpen(_ context.Context, dir market.Direction, volume, stopLoss float64) (broker.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.consumeFailure(); err != nil {
		return broker.Fill{}, err
	}
	if !e.has {
		return broker.Fill{}, broker.ErrNoPrice
	}
	if volume < e.info.VolumeMin || (e.info.VolumeMax > 0 && volume > e.info.VolumeMax) {
		return broker.Fill{}, fmt.Errorf("%w: %.2f", broker.ErrInvalidVolume, volume)
	}
	if err := e.checkMargin(volume); err != nil {
		return broker.Fill{}, err
	}

	slip := e.slippagePips * e.info.PipSize()
	price := e.tick.Ask + slip
	if dir == market.Sell {
		price = e.tick.Bid - slip
	}

	ticket := ulid.MustNew(ulid.Timestamp(e.tick.Time), e.entropy).String()
	e.trades[ticket] = &trade{ticket: ticket, dir: dir, entry: price, volume: volume, stopLoss: stopLoss}
	e.acct.Balance -= e.commissionLot * volume
	e.revalue()

	return broker.Fill{Ticket: ticket, Price: price, Volume: volume, Time: e.tick.Time}, nil
}

func (e *Engine) Close(_ context.Context, ticket string, volume float64) (broker.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.consumeFailure(); err != nil {
		return broker.Fill{}, err
	}
	t, ok := e.trades[ticket]
	if !ok {
		return broker.Fill{}, fmt.Errorf("%w: %q", broker.ErrUnknownTicket, ticket)
	}
	if !e.has {
		return broker.Fill{}, broker.ErrNoPrice
	}
	if volume <= 0 {
		return broker.Fill{}, fmt.Errorf("%w: %.2f", broker.ErrInvalidVolume, volume)
	}
	if volume > t.volume {
		volume = t.volume
	}

	slip := e.slippagePips * e.info.PipSize()
	price := e.tick.Bid - slip
	if t.dir == market.Sell {
		price = e.tick.Ask + slip
	}

	profit := (price - t.entry) * t.dir.Sign() * e.info.ContractSize * volume
	profit -= e.commissionLot * volume

	t.volume -= volume
	if t.volume <= 1e-9 {
		delete(e.trades, ticket)
	}
	e.acct.Balance += profit
	e.revalue()

	return broker.Fill{Ticket: ticket, Price: price, Volume: volume, Time: e.tick.Time, Profit: profit}, nil
}

func (e *Engine) ModifyStop(_ context.Context, ticket string, stopLoss float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trades[ticket]
	if !ok {
		return fmt.Errorf("%w: %q", broker.ErrUnknownTicket, ticket)
	}
	t.stopLoss = stopLoss
	return nil
}

func (e *Engine) CheckMargin(_ context.Context, _ market.Direction, volume float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkMargin(volume)
}

func (e *Engine) checkMargin(volume float64) error {
	if !e.has {
		return broker.ErrNoPrice
	}
	required := volume * e.info.ContractSize * e.tick.Mid() / e.marginDivisor
	free := e.acct.FreeMargin
	if free == 0 && e.acct.MarginUsed == 0 {
		free = e.acct.Equity
	}
	if required > free {
		return fmt.Errorf("%w: need %.0f, free %.0f", broker.ErrNoMoney, required, free)
	}
	return nil
}

func (e *Engine) Account(context.Context) (broker.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct, nil
}

func (e *Engine) Symbol(context.Context) (broker.SymbolInfo, error) {
	return e.info, nil
}

// OpenTickets reports the live tickets; tests use it to check book/broker
// agreement.
func (e *Engine) OpenTickets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.trades)
}

// revalue recomputes equity and margin from open trades. Callers hold mu.
func (e *Engine) revalue() {
	equity := e.acct.Balance
	var used float64
	for _, t := range e.trades {
		mark := e.tick.Bid
		if t.dir == market.Sell {
			mark = e.tick.Ask
		}
		equity += (mark - t.entry) * t.dir.Sign() * e.info.ContractSize * t.volume
		used += t.volume * e.info.ContractSize * e.tick.Mid() / e.marginDivisor
	}
	e.acct.Equity = equity
	e.acct.MarginUsed = used
	e.acct.FreeMargin = equity - used
}
