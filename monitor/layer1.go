// Package monitor implements the three safety layers above the rule
// engine: Layer-1 tick-level emergencies, Layer-2 periodic anomaly
// scanning, and the Layer-3 advisory coordinator.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/position"
)

// Layer-1 thresholds. These are hard safety bounds, not tunables.
const (
	accountLossFraction = 0.02
	hardStopPips        = 50
	spreadAlertPips     = 20
	flashCrashPips      = 30
	flashCrashWindow    = 100 * time.Millisecond
	maxTickAge          = time.Second
)

// Layer1 is the tick-level emergency monitor. It runs on every consumed
// tick, needs no advisory input, and closes positions directly. Checks
// run per position in fixed order; the first hit wins.
type Layer1 struct {
	book   *position.Book
	log    *slog.Logger
	symbol broker.SymbolInfo

	recent  []pricePoint // mid prices inside the flash-crash window
	skipped atomic.Int64
}

type pricePoint struct {
	t   time.Time
	mid float64
}

func NewLayer1(book *position.Book, log *slog.Logger, symbol broker.SymbolInfo) *Layer1 {
	if log == nil {
		log = slog.Default()
	}
	return &Layer1{book: book, log: log, symbol: symbol}
}

// Skipped reports how many invocations found no fresh tick to evaluate.
func (l *Layer1) Skipped() int64 { return l.skipped.Load() }

// Check evaluates every open position against the emergency thresholds
// and closes the ones that trip. Close failures propagate; the engine
// reacts by degrading.
func (l *Layer1) Check(ctx context.Context, now time.Time, tick market.Tick) error {
	if now.Sub(tick.Time) > maxTickAge {
		l.skipped.Add(1)
		l.log.Debug("layer1 skipped, stale tick", "age", now.Sub(tick.Time))
		return nil
	}
	move := l.observe(tick)

	var firstErr error
	for _, p := range l.book.Snapshot() {
		reason := l.trigger(p, tick, move)
		if reason == "" {
			continue
		}
		l.log.Warn("layer1 emergency close", "position", p.ID, "reason", reason)
		if _, err := l.book.Close(ctx, now, p.ID, p.VolumeRemaining, reason, journal.FullClose); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("layer1 close %s: %w", p.ID, err)
			}
		}
	}
	return firstErr
}

// observe records the tick and returns the absolute pip move against the
// price from one flash-crash window ago.
func (l *Layer1) observe(tick market.Tick) float64 {
	mid := tick.Mid()
	cutoff := tick.Time.Add(-flashCrashWindow)

	move := 0.0
	for _, pt := range l.recent {
		if pt.t.Before(cutoff) {
			continue
		}
		if d := abs(mid-pt.mid) * l.symbol.PipScale; d > move {
			move = d
		}
	}

	kept := l.recent[:0]
	for _, pt := range l.recent {
		if !pt.t.Before(cutoff) {
			kept = append(kept, pt)
		}
	}
	l.recent = append(kept, pricePoint{t: tick.Time, mid: mid})
	return move
}

// trigger returns the name of the first tripped check, or "".
func (l *Layer1) trigger(p position.Position, tick market.Tick, flashMove float64) string {
	mark := tick.Bid
	if p.Direction == market.Sell {
		mark = tick.Ask
	}
	pips := p.Pips(mark, l.symbol.PipScale)

	unrealized := pips * p.VolumeRemaining * l.symbol.ContractSize * l.symbol.PipSize()
	if loss := -(p.RealizedProfit + unrealized); p.EquityAtOpen > 0 && loss >= accountLossFraction*p.EquityAtOpen {
		return "account_2pct"
	}
	if pips <= -hardStopPips {
		return "hard_stop_50pips"
	}
	if tick.SpreadPips(l.symbol.PipScale) >= spreadAlertPips {
		return "spread_alert"
	}
	if flashMove >= flashCrashPips {
		return "flash_crash"
	}
	return ""
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
