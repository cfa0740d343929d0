// Package evaluate holds the stateless rule evaluator: entry gating and
// the per-position exit pipeline. Every decision derives from the active
// rule, the market snapshot and the position book; nothing in here mutates
// state.
package evaluate

import (
	"fmt"
	"time"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/rules"
)

// MarginChecker dry-runs the margin requirement of an intended order.
type MarginChecker func(dir market.Direction, volume float64) error

// EntryDecision is the outcome of the five-gate entry pipeline. When
// Enter is false, Reason names the gate that failed.
type EntryDecision struct {
	Enter          bool
	Reason         string
	Direction      market.Direction
	Volume         float64
	StopPrice      float64 // tighter of rule stop and insurance stop
	InsurancePrice float64 // the retained backstop
}

func rejected(format string, args ...any) EntryDecision {
	return EntryDecision{Reason: fmt.Sprintf(format, args...)}
}

// EntryInput gathers everything gate evaluation needs.
type EntryInput struct {
	Rule        *rules.Rule
	Snap        market.Snapshot
	Now         time.Time // broker-local
	OpenCount   int
	Account     broker.Account
	Symbol      broker.SymbolInfo
	CheckMargin MarginChecker
	BaseLot     float64
}

// Entry runs the five entry gates in order and, on success, sizes the
// order and places the protective stops.
func Entry(in EntryInput) EntryDecision {
	r := in.Rule

	// Gate 1: admissibility.
	if r.DailyBias == market.Neutral {
		return rejected("daily_bias_neutral")
	}
	if !r.Entry.ShouldTrade {
		return rejected("should_trade_false")
	}
	if in.OpenCount >= r.Risk.MaxPositions {
		return rejected("max_positions_reached: %d", in.OpenCount)
	}
	if !in.Snap.HaveTick || in.Snap.Stale {
		return rejected("market_stale")
	}

	// Gate 2: price zone, bounds inclusive.
	mid := in.Snap.Tick.Mid()
	if !r.Entry.PriceZone.Contains(mid) {
		return rejected("outside_price_zone: %.3f not in [%.3f, %.3f]", mid, r.Entry.PriceZone.Min, r.Entry.PriceZone.Max)
	}

	// Gate 3: indicator requirements.
	if reason := checkIndicators(r, in.Snap, mid); reason != "" {
		return rejected("%s", reason)
	}

	// Gate 4: guardrails.
	spread := in.Snap.Tick.SpreadPips(in.Symbol.PipScale)
	if spread > r.Entry.Spread.MaxPips {
		return rejected("spread_too_wide: %.1f > %.1f", spread, r.Entry.Spread.MaxPips)
	}
	for _, w := range r.Entry.TimeFilter.AvoidTimes {
		if w.Contains(in.Now) {
			return rejected("avoid_time_window: %s-%s %s", w.Start, w.End, w.Reason)
		}
	}

	// Gate 5: risk sizing.
	volume := in.Symbol.RoundVolume(in.BaseLot * r.Risk.PositionSizeMultiplier)
	if volume <= 0 {
		return rejected("zero_volume")
	}
	if in.CheckMargin != nil {
		if err := in.CheckMargin(r.Entry.Direction, volume); err != nil {
			return rejected("insufficient_margin: %v", err)
		}
	}

	entryRef := in.Snap.Tick.Ask
	if r.Entry.Direction == market.Sell {
		entryRef = in.Snap.Tick.Bid
	}
	rulePips := r.Exit.StopLoss.InitialPips
	ruleStop := r.Exit.StopLoss.PriceLevel
	if ruleStop == 0 && rulePips > 0 {
		ruleStop = stopFromPips(r.Entry.Direction, entryRef, rulePips, in.Symbol)
	} else if ruleStop != 0 {
		// An absolute level competes by its pip distance from the entry
		// reference.
		rulePips = (entryRef - ruleStop) * r.Entry.Direction.Sign() * in.Symbol.PipScale
	}
	insurancePips := insuranceStopPips(in.Account.Equity, volume, in.Symbol)
	insuranceStop := stopFromPips(r.Entry.Direction, entryRef, insurancePips, in.Symbol)

	// The tighter stop travels with the order; the other is retained as
	// the final backstop.
	stop := ruleStop
	backstop := insuranceStop
	if ruleStop == 0 || insurancePips < rulePips {
		stop, backstop = insuranceStop, ruleStop
	}

	return EntryDecision{
		Enter:          true,
		Direction:      r.Entry.Direction,
		Volume:         volume,
		StopPrice:      stop,
		InsurancePrice: backstop,
	}
}

// insuranceStopPips sizes the equity backstop: the adverse distance at
// which the position has cost 5 % of account equity.
func insuranceStopPips(equity, volume float64, info broker.SymbolInfo) float64 {
	perPip := volume * info.ContractSize * info.PipSize()
	if perPip <= 0 {
		return 0
	}
	return equity * 0.05 / perPip
}

func stopFromPips(dir market.Direction, entry, pips float64, info broker.SymbolInfo) float64 {
	return entry - dir.Sign()*pips*info.PipSize()
}

// checkIndicators verifies every populated entry predicate against its
// declared timeframe. Returns the failure reason, or "".
func checkIndicators(r *rules.Rule, snap market.Snapshot, mid float64) string {
	if p := r.Entry.Indicators.RSI; p != nil {
		iv, ok := snap.Indicators(p.Timeframe)
		if !ok {
			return fmt.Sprintf("rsi_unavailable_%s", p.Timeframe)
		}
		if iv.RSI < p.Min || iv.RSI > p.Max {
			return fmt.Sprintf("rsi_out_of_range: %.1f not in [%.1f, %.1f]", iv.RSI, p.Min, p.Max)
		}
	}
	if p := r.Entry.Indicators.EMA; p != nil {
		if reason := checkEMA(p, snap, mid); reason != "" {
			return reason
		}
	}
	if p := r.Entry.Indicators.MACD; p != nil {
		if reason := checkMACD(p, snap); reason != "" {
			return reason
		}
	}
	return ""
}

func checkEMA(p *rules.EMAPredicate, snap market.Snapshot, mid float64) string {
	cur, ok := snap.Indicators(p.Timeframe)
	if !ok {
		return fmt.Sprintf("ema_unavailable_%s", p.Timeframe)
	}
	ema := cur.EMA(p.Period)
	if ema == 0 {
		return fmt.Sprintf("ema_period_untracked_%d", p.Period)
	}
	switch p.Condition {
	case rules.EMAPriceAbove:
		if mid <= ema {
			return fmt.Sprintf("ema_price_not_above: %.3f <= %.3f", mid, ema)
		}
	case rules.EMAPriceBelow:
		if mid >= ema {
			return fmt.Sprintf("ema_price_not_below: %.3f >= %.3f", mid, ema)
		}
	case rules.EMACrossAbove, rules.EMACrossBelow:
		prev, ok := snap.PrevIndicators(p.Timeframe)
		prevBar, okBar := snap.Bar(p.Timeframe, 1)
		curBar, okCur := snap.Bar(p.Timeframe, 0)
		if !ok || !okBar || !okCur {
			return fmt.Sprintf("ema_cross_history_unavailable_%s", p.Timeframe)
		}
		prevEMA := prev.EMA(p.Period)
		// The previous bar must sit on the opposite side.
		if p.Condition == rules.EMACrossAbove {
			if !(prevBar.Close <= prevEMA && curBar.Close > ema) {
				return "ema_no_cross_above"
			}
		} else {
			if !(prevBar.Close >= prevEMA && curBar.Close < ema) {
				return "ema_no_cross_below"
			}
		}
	}
	return ""
}

func checkMACD(p *rules.MACDPredicate, snap market.Snapshot) string {
	cur, ok := snap.Indicators(p.Timeframe)
	if !ok {
		return fmt.Sprintf("macd_unavailable_%s", p.Timeframe)
	}
	switch p.Condition {
	case rules.MACDHistogramPositive:
		if cur.Histogram() <= 0 {
			return fmt.Sprintf("macd_histogram_not_positive: %.5f", cur.Histogram())
		}
	case rules.MACDHistogramNegative:
		if cur.Histogram() >= 0 {
			return fmt.Sprintf("macd_histogram_not_negative: %.5f", cur.Histogram())
		}
	case rules.MACDSignalCrossAbove, rules.MACDSignalCrossBelow:
		prev, ok := snap.PrevIndicators(p.Timeframe)
		if !ok {
			return fmt.Sprintf("macd_history_unavailable_%s", p.Timeframe)
		}
		prevDiff, curDiff := prev.Histogram(), cur.Histogram()
		if p.Condition == rules.MACDSignalCrossAbove {
			if !(prevDiff <= 0 && curDiff > 0) {
				return "macd_no_cross_above"
			}
		} else {
			if !(prevDiff >= 0 && curDiff < 0) {
				return "macd_no_cross_below"
			}
		}
	}
	return ""
}
