// Package position owns the authoritative in-memory set of open
// positions. All mutations route through the Book, which executes against
// the broker gateway and emits exactly one event per order result.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/rules"
)

type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// ErrInvariant marks state corruption; the engine reacts with an
// EmergencyStop and a best-effort close-all.
var ErrInvariant = errors.New("position: invariant violation")

var ErrNotFound = errors.New("position: not found")

// Position is one open (or recently closed) trade. Consumers receive
// copies; only the Book mutates the canonical record.
type Position struct {
	ID        string
	Ticket    string
	Symbol    string
	Direction market.Direction
	OpenedAt  time.Time
	OpenPrice float64

	VolumeInitial   float64
	VolumeRemaining float64

	// StopPrice is the active protective stop (the tighter of the rule
	// stop and the insurance stop); InsurancePrice is the retained
	// equity backstop.
	StopPrice      float64
	InsurancePrice float64

	// TrailingStop is the current trailing stop price, zero until the
	// activation threshold has been reached.
	TrailingStop  float64
	HighWaterPips float64

	// ExecutedTPs is an ascending prefix of the rule's take-profit
	// ladder indexes.
	ExecutedTPs []int

	RealizedProfit float64
	RealizedPips   float64
	EquityAtOpen   float64

	// Rule is the immutable snapshot governing this position even after
	// the store's active rule expires or is replaced.
	Rule rules.Rule

	Status   Status
	ClosedAt time.Time
}

// Pips is the current favourable pip distance from entry.
func (p *Position) Pips(price, pipScale float64) float64 {
	return market.Pips(p.Direction, p.OpenPrice, price, pipScale)
}

// OpenIntent describes an entry the evaluator has approved.
type OpenIntent struct {
	Symbol         string
	Direction      market.Direction
	Volume         float64
	StopPrice      float64
	InsurancePrice float64
	Equity         float64
	Rule           rules.Rule
}

// Book is the single owner of position state.
type Book struct {
	mu sync.Mutex

	gw       broker.Gateway
	rec      *journal.Recorder
	log      *slog.Logger
	pipScale float64

	open     map[string]*Position
	order    []string // IDs in open order
	closed   []*Position
	realized float64
}

func NewBook(gw broker.Gateway, rec *journal.Recorder, log *slog.Logger, pipScale float64) *Book {
	if log == nil {
		log = slog.Default()
	}
	return &Book{
		gw:       gw,
		rec:      rec,
		log:      log,
		pipScale: pipScale,
		open:     make(map[string]*Position),
	}
}

// Open executes a market order and registers the resulting position.
func (b *Book) Open(ctx context.Context, now time.Time, intent OpenIntent) (Position, error) {
	fill, err := b.gw.MarketOpen(ctx, intent.Direction, intent.Volume, intent.StopPrice)
	if err != nil {
		return Position{}, fmt.Errorf("open %s %s: %w", intent.Direction, intent.Symbol, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p := &Position{
		ID:              ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Ticket:          fill.Ticket,
		Symbol:          intent.Symbol,
		Direction:       intent.Direction,
		OpenedAt:        fill.Time,
		OpenPrice:       fill.Price,
		VolumeInitial:   fill.Volume,
		VolumeRemaining: fill.Volume,
		StopPrice:       intent.StopPrice,
		InsurancePrice:  intent.InsurancePrice,
		EquityAtOpen:    intent.Equity,
		Rule:            intent.Rule,
		Status:          StatusOpen,
	}
	b.open[p.ID] = p
	b.order = append(b.order, p.ID)

	b.rec.Emit(now, journal.Event{
		Type:       journal.EntryExecuted,
		Symbol:     p.Symbol,
		PositionID: p.ID,
		Price:      p.OpenPrice,
		Volume:     p.VolumeInitial,
	})
	return *p, nil
}

// Close closes volume lots of the position (the remainder when volume
// reaches or exceeds it) and emits one event: PartialClose while volume
// remains, otherwise evType (FullClose, ForceClose).
func (b *Book) Close(ctx context.Context, now time.Time, id string, volume float64, reason string, evType journal.EventType) (Position, error) {
	b.mu.Lock()
	p, ok := b.open[id]
	b.mu.Unlock()
	if !ok {
		return Position{}, fmt.Errorf("close %q: %w", id, ErrNotFound)
	}
	if volume > p.VolumeRemaining {
		volume = p.VolumeRemaining
	}

	fill, err := b.gw.Close(ctx, p.Ticket, volume)
	if err != nil {
		return Position{}, fmt.Errorf("close %q: %w", id, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p.VolumeRemaining -= fill.Volume
	if p.VolumeRemaining < -1e-9 {
		return Position{}, fmt.Errorf("%w: volume_remaining %.4f below zero", ErrInvariant, p.VolumeRemaining)
	}
	if p.VolumeRemaining < 1e-9 {
		p.VolumeRemaining = 0
	}

	pips := p.Pips(fill.Price, b.pipScale)
	p.RealizedProfit += fill.Profit
	p.RealizedPips += pips * (fill.Volume / p.VolumeInitial)
	b.realized += fill.Profit

	full := p.VolumeRemaining == 0
	t := journal.PartialClose
	if full {
		t = evType
		if t == "" || t == journal.PartialClose {
			t = journal.FullClose
		}
		p.Status = StatusClosed
		p.ClosedAt = now
		delete(b.open, id)
		for i, oid := range b.order {
			if oid == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
		b.closed = append(b.closed, p)
	}

	b.rec.Emit(now, journal.Event{
		Type:       t,
		Symbol:     p.Symbol,
		PositionID: p.ID,
		Reason:     reason,
		Price:      fill.Price,
		Volume:     fill.Volume,
		Pips:       pips,
	})
	return *p, nil
}

// CloseAll closes every open position, most recently opened last. It
// keeps going on individual failures and returns the first error.
func (b *Book) CloseAll(ctx context.Context, now time.Time, reason string, evType journal.EventType) error {
	var firstErr error
	for _, p := range b.Snapshot() {
		if _, err := b.Close(ctx, now, p.ID, p.VolumeRemaining, reason, evType); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarkTP records that ladder level idx executed. Levels must execute as a
// strictly ascending prefix; anything else is an invariant violation.
func (b *Book) MarkTP(id string, idx int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.open[id]
	if !ok {
		return fmt.Errorf("mark tp %q: %w", id, ErrNotFound)
	}
	if idx != len(p.ExecutedTPs) {
		return fmt.Errorf("%w: tp level %d after prefix of %d", ErrInvariant, idx, len(p.ExecutedTPs))
	}
	p.ExecutedTPs = append(p.ExecutedTPs, idx)
	return nil
}

// SetStop tightens the protective stop; it never loosens one.
func (b *Book) SetStop(ctx context.Context, id string, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.open[id]
	if !ok {
		return fmt.Errorf("set stop %q: %w", id, ErrNotFound)
	}
	loosens := p.StopPrice != 0 &&
		((p.Direction == market.Buy && price < p.StopPrice) ||
			(p.Direction == market.Sell && price > p.StopPrice))
	if loosens {
		return nil
	}
	p.StopPrice = price
	if err := b.gw.ModifyStop(ctx, p.Ticket, price); err != nil {
		b.log.Warn("modify stop failed", "position", id, "err", err)
	}
	return nil
}

// SetTrailing updates the trailing stop; it never moves adversely.
func (b *Book) SetTrailing(ctx context.Context, id string, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.open[id]
	if !ok {
		return fmt.Errorf("set trailing %q: %w", id, ErrNotFound)
	}
	adverse := p.TrailingStop != 0 &&
		((p.Direction == market.Buy && price < p.TrailingStop) ||
			(p.Direction == market.Sell && price > p.TrailingStop))
	if adverse {
		return nil
	}
	p.TrailingStop = price
	if err := b.gw.ModifyStop(ctx, p.Ticket, price); err != nil {
		b.log.Warn("modify stop failed", "position", id, "err", err)
	}
	return nil
}

// Observe refreshes per-position high-water marks from the latest tick.
func (b *Book) Observe(t market.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.open {
		mark := t.Bid
		if p.Direction == market.Sell {
			mark = t.Ask
		}
		if pips := p.Pips(mark, b.pipScale); pips > p.HighWaterPips {
			p.HighWaterPips = pips
		}
	}
}

// Get returns a copy of an open position.
func (b *Book) Get(id string) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.open[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Snapshot returns copies of all open positions ordered by ID ascending,
// the stable processing order for same-step decisions.
func (b *Book) Snapshot() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Closed returns copies of closed positions in close order.
func (b *Book) Closed() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.closed))
	for _, p := range b.closed {
		out = append(out, *p)
	}
	return out
}

// Count reports open positions for the symbol.
func (b *Book) Count(symbol string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.open {
		if p.Symbol == symbol {
			n++
		}
	}
	return n
}

// Realized is the account-currency sum of all close fills.
func (b *Book) Realized() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.realized
}
