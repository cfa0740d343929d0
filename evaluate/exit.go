package evaluate

import (
	"fmt"
	"time"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/position"
	"github.com/rustyeddy/fxengine/rules"
)

// ActionKind classifies an exit action.
type ActionKind int

const (
	ActionFullClose ActionKind = iota
	ActionPartialClose
	ActionSetTrailing
)

// Action is one instruction for the position book. The engine applies
// actions in order and stops once a full close retires the position.
type Action struct {
	Kind       ActionKind
	Volume     float64 // lots to close
	TPIndex    int     // ladder index, -1 when not a take-profit
	Reason     string
	Event      journal.EventType // event for a full close
	TrailPrice float64
}

// ExitInput is the per-position state the exit pipeline inspects.
type ExitInput struct {
	Position  position.Position
	Snap      market.Snapshot
	Now       time.Time // broker-local
	Symbol    broker.SymbolInfo
	BarClosed map[market.Timeframe]bool // timeframes whose bar closed this step
}

// Exits runs the exit checks in fixed priority order: hard stops, the
// take-profit ladder, trailing, indicator exits (one per bar close),
// time exits. The first full close is terminal.
func Exits(in ExitInput) []Action {
	p := in.Position
	mark := markPrice(p.Direction, in.Snap.Tick)
	pips := p.Pips(mark, in.Symbol.PipScale)

	if a, hit := hardStop(p, mark); hit {
		return []Action{a}
	}

	var out []Action
	ladder, full := takeProfits(p, pips)
	out = append(out, ladder...)
	if full {
		return out
	}

	trail, closed := trailing(p, mark, in.Symbol)
	out = append(out, trail...)
	if closed {
		return out
	}

	if a, hit := indicatorExit(p, in.Snap, in.BarClosed); hit {
		out = append(out, a)
		if a.Kind == ActionFullClose {
			return out
		}
	}

	if a, hit := timeExit(p, in.Now); hit {
		out = append(out, a)
	}
	return out
}

// markPrice is the price a close would fill at.
func markPrice(dir market.Direction, t market.Tick) float64 {
	if dir == market.Sell {
		return t.Ask
	}
	return t.Bid
}

func breached(dir market.Direction, mark, stop float64) bool {
	if stop == 0 {
		return false
	}
	if dir == market.Buy {
		return mark <= stop
	}
	return mark >= stop
}

func hardStop(p position.Position, mark float64) (Action, bool) {
	if breached(p.Direction, mark, p.StopPrice) {
		return Action{Kind: ActionFullClose, Volume: p.VolumeRemaining, TPIndex: -1,
			Reason: "stop_loss", Event: journal.FullClose}, true
	}
	if breached(p.Direction, mark, p.InsurancePrice) {
		return Action{Kind: ActionFullClose, Volume: p.VolumeRemaining, TPIndex: -1,
			Reason: "insurance_stop", Event: journal.FullClose}, true
	}
	return Action{}, false
}

// takeProfits fires every unexecuted ladder level the current profit has
// reached, in ladder order. Partial volumes are fractions of the initial
// volume; a 100 level closes whatever remains.
func takeProfits(p position.Position, pips float64) ([]Action, bool) {
	var out []Action
	remaining := p.VolumeRemaining
	for i := len(p.ExecutedTPs); i < len(p.Rule.Exit.TakeProfit); i++ {
		tp := p.Rule.Exit.TakeProfit[i]
		// Tolerance absorbs float noise in price-to-pip conversion.
		if pips < tp.Pips-1e-6 || remaining <= 0 {
			break
		}
		reason := fmt.Sprintf("tp%d", i+1)
		if tp.ClosePercent >= 100 {
			out = append(out, Action{Kind: ActionFullClose, Volume: remaining, TPIndex: i,
				Reason: reason, Event: journal.FullClose})
			return out, true
		}
		vol := p.VolumeInitial * tp.ClosePercent / 100
		if vol > remaining {
			vol = remaining
		}
		out = append(out, Action{Kind: ActionPartialClose, Volume: vol, TPIndex: i, Reason: reason})
		remaining -= vol
	}
	return out, false
}

// trailing ratchets the trailing stop from the high-water mark once the
// activation threshold is reached, then checks whether the stop is hit.
func trailing(p position.Position, mark float64, info broker.SymbolInfo) ([]Action, bool) {
	tr := p.Rule.Exit.StopLoss.Trailing
	if tr == nil {
		return nil, false
	}

	var out []Action
	stop := p.TrailingStop
	if p.HighWaterPips >= tr.ActivateAtPips {
		candidate := p.OpenPrice + p.Direction.Sign()*(p.HighWaterPips-tr.TrailDistancePips)*info.PipSize()
		improves := stop == 0 ||
			(p.Direction == market.Buy && candidate > stop) ||
			(p.Direction == market.Sell && candidate < stop)
		if improves {
			stop = candidate
			out = append(out, Action{Kind: ActionSetTrailing, TPIndex: -1, TrailPrice: candidate,
				Reason: "trailing_update"})
		}
	}
	if breached(p.Direction, mark, stop) {
		out = append(out, Action{Kind: ActionFullClose, Volume: p.VolumeRemaining, TPIndex: -1,
			Reason: "trailing_stop", Event: journal.FullClose})
		return out, true
	}
	return out, false
}

// indicatorExit fires at most one exit per bar close: the first exit in
// declaration order whose timeframe closed and whose condition holds.
func indicatorExit(p position.Position, snap market.Snapshot, barClosed map[market.Timeframe]bool) (Action, bool) {
	for _, ex := range p.Rule.Exit.IndicatorExits {
		if !barClosed[ex.Timeframe] {
			continue
		}
		if !exitCondition(ex, p.Direction, snap) {
			continue
		}
		reason := "indicator_exit_" + ex.Type
		if ex.Action == rules.CloseAll {
			return Action{Kind: ActionFullClose, Volume: p.VolumeRemaining, TPIndex: -1,
				Reason: reason, Event: journal.FullClose}, true
		}
		vol := p.VolumeRemaining * ex.Action.Fraction()
		return Action{Kind: ActionPartialClose, Volume: vol, TPIndex: -1, Reason: reason}, true
	}
	return Action{}, false
}

func exitCondition(ex rules.IndicatorExit, dir market.Direction, snap market.Snapshot) bool {
	cur, ok := snap.Indicators(ex.Timeframe)
	if !ok {
		return false
	}
	switch ex.Type {
	case rules.ExitMACDCross:
		prev, ok := snap.PrevIndicators(ex.Timeframe)
		if !ok {
			return false
		}
		if dir == market.Buy {
			return prev.Histogram() >= 0 && cur.Histogram() < 0
		}
		return prev.Histogram() <= 0 && cur.Histogram() > 0
	case rules.ExitEMACross:
		prev, ok := snap.PrevIndicators(ex.Timeframe)
		if !ok {
			return false
		}
		prevDiff := prev.EMA20 - prev.EMA50
		curDiff := cur.EMA20 - cur.EMA50
		if dir == market.Buy {
			return prevDiff >= 0 && curDiff < 0
		}
		return prevDiff <= 0 && curDiff > 0
	case rules.ExitRSIAbove:
		return cur.RSI >= ex.Threshold
	case rules.ExitRSIBelow:
		return cur.RSI <= ex.Threshold
	}
	return false
}

func timeExit(p position.Position, now time.Time) (Action, bool) {
	te := p.Rule.Exit.TimeExits
	if te.MaxHoldMinutes > 0 && now.Sub(p.OpenedAt) >= time.Duration(te.MaxHoldMinutes)*time.Minute {
		return Action{Kind: ActionFullClose, Volume: p.VolumeRemaining, TPIndex: -1,
			Reason: "max_hold", Event: journal.FullClose}, true
	}
	if te.ForceCloseTime != "" {
		w := rules.TimeWindow{Start: te.ForceCloseTime, End: "23:59"}
		if w.Contains(now) {
			return Action{Kind: ActionFullClose, Volume: p.VolumeRemaining, TPIndex: -1,
				Reason: "force_close_time", Event: journal.ForceClose}, true
		}
	}
	return Action{}, false
}
