package monitor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rustyeddy/fxengine/advisory"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/position"
	"github.com/rustyeddy/fxengine/rules"
)

// Layer2 scans open positions for anomalies on two cadences and emits
// escalation triggers for the Layer-3 coordinator. It never closes a
// position itself.
type Layer2 struct {
	rec      *journal.Recorder
	log      *slog.Logger
	pipScale float64
	cooldown time.Duration

	lastFired map[string]time.Time // positionID|kind
}

func NewLayer2(rec *journal.Recorder, log *slog.Logger, pipScale float64, cooldown time.Duration) *Layer2 {
	if log == nil {
		log = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Layer2{
		rec:       rec,
		log:       log,
		pipScale:  pipScale,
		cooldown:  cooldown,
		lastFired: make(map[string]time.Time),
	}
}

// CheckFast is the 60 s pass: critical-level breaches, M15 indicator
// reversals and three-candle adversity.
func (l *Layer2) CheckFast(now time.Time, snap market.Snapshot, positions []position.Position) []advisory.Trigger {
	var out []advisory.Trigger
	for _, p := range positions {
		if t, ok := l.criticalBreach(now, snap, p); ok {
			out = l.emit(out, t)
		}
		if t, ok := l.macdReversal(now, snap, p); ok {
			out = l.emit(out, t)
		}
		if t, ok := l.emaReversal(now, snap, p); ok {
			out = l.emit(out, t)
		}
		if t, ok := l.threeCandleAdversity(now, snap, p); ok {
			out = l.emit(out, t)
		}
	}
	return out
}

// CheckSlow is the 300 s pass: the rule's avoid_if predicates and RSI
// overheat on H1.
func (l *Layer2) CheckSlow(now time.Time, snap market.Snapshot, positions []position.Position) []advisory.Trigger {
	var out []advisory.Trigger
	facts := rules.Facts(snap, l.pipScale)
	for _, p := range positions {
		for i := range p.Rule.Entry.AvoidIf {
			cond := &p.Rule.Entry.AvoidIf[i]
			hit, err := cond.Eval(facts)
			if err != nil {
				l.log.Warn("avoid_if evaluation failed", "position", p.ID, "err", err)
				continue
			}
			if hit {
				out = l.emit(out, advisory.Trigger{
					At:         now,
					Kind:       "avoid_if",
					Severity:   advisory.SeverityMedium,
					PositionID: p.ID,
					Detail:     cond.Expression,
				})
			}
		}
		if t, ok := l.rsiOverheat(now, snap, p); ok {
			out = l.emit(out, t)
		}
	}
	return out
}

func (l *Layer2) emit(out []advisory.Trigger, t advisory.Trigger) []advisory.Trigger {
	key := t.PositionID + "|" + t.Kind
	if last, ok := l.lastFired[key]; ok && t.At.Sub(last) < l.cooldown {
		return out
	}
	l.lastFired[key] = t.At
	l.rec.Emit(t.At, journal.Event{
		Type:       journal.Layer2Trigger,
		PositionID: t.PositionID,
		Reason:     t.Kind + ": " + t.Detail,
		Severity:   string(t.Severity),
	})
	return append(out, t)
}

func (l *Layer2) criticalBreach(now time.Time, snap market.Snapshot, p position.Position) (advisory.Trigger, bool) {
	bar, ok := snap.Bar(market.M15, 0)
	if !ok {
		return advisory.Trigger{}, false
	}
	var level float64
	var breached bool
	switch p.Direction {
	case market.Buy:
		if len(p.Rule.KeyLevels.CriticalSupport) > 0 {
			level = p.Rule.KeyLevels.CriticalSupport[0]
			breached = bar.Close < level
		}
	case market.Sell:
		if len(p.Rule.KeyLevels.CriticalResistance) > 0 {
			level = p.Rule.KeyLevels.CriticalResistance[0]
			breached = bar.Close > level
		}
	}
	if !breached {
		return advisory.Trigger{}, false
	}
	return advisory.Trigger{
		At:         now,
		Kind:       "critical_level_breach",
		Severity:   advisory.SeverityHigh,
		PositionID: p.ID,
		Detail:     fmt.Sprintf("close %.3f beyond %.3f", bar.Close, level),
	}, true
}

func (l *Layer2) macdReversal(now time.Time, snap market.Snapshot, p position.Position) (advisory.Trigger, bool) {
	cur, ok1 := snap.Indicators(market.M15)
	prev, ok2 := snap.PrevIndicators(market.M15)
	if !ok1 || !ok2 {
		return advisory.Trigger{}, false
	}
	against := (p.Direction == market.Buy && prev.Histogram() >= 0 && cur.Histogram() < 0) ||
		(p.Direction == market.Sell && prev.Histogram() <= 0 && cur.Histogram() > 0)
	if !against {
		return advisory.Trigger{}, false
	}
	return advisory.Trigger{
		At:         now,
		Kind:       "macd_reversal",
		Severity:   advisory.SeverityMedium,
		PositionID: p.ID,
		Detail:     fmt.Sprintf("m15 histogram %.5f -> %.5f", prev.Histogram(), cur.Histogram()),
	}, true
}

func (l *Layer2) emaReversal(now time.Time, snap market.Snapshot, p position.Position) (advisory.Trigger, bool) {
	cur, ok1 := snap.Indicators(market.M15)
	prev, ok2 := snap.PrevIndicators(market.M15)
	if !ok1 || !ok2 {
		return advisory.Trigger{}, false
	}
	prevDiff := prev.EMA20 - prev.EMA50
	curDiff := cur.EMA20 - cur.EMA50
	against := (p.Direction == market.Buy && prevDiff >= 0 && curDiff < 0) ||
		(p.Direction == market.Sell && prevDiff <= 0 && curDiff > 0)
	if !against {
		return advisory.Trigger{}, false
	}
	return advisory.Trigger{
		At:         now,
		Kind:       "ema_reversal",
		Severity:   advisory.SeverityMedium,
		PositionID: p.ID,
		Detail:     fmt.Sprintf("m15 ema20-ema50 %.5f -> %.5f", prevDiff, curDiff),
	}, true
}

func (l *Layer2) threeCandleAdversity(now time.Time, snap market.Snapshot, p position.Position) (advisory.Trigger, bool) {
	bars := snap.Bars(market.M15, 3)
	if len(bars) < 3 {
		return advisory.Trigger{}, false
	}
	for _, b := range bars {
		adverse := (p.Direction == market.Buy && b.Bearish()) ||
			(p.Direction == market.Sell && b.Bullish())
		if !adverse {
			return advisory.Trigger{}, false
		}
	}
	return advisory.Trigger{
		At:         now,
		Kind:       "three_candle_adversity",
		Severity:   advisory.SeverityMedium,
		PositionID: p.ID,
		Detail:     "three consecutive m15 bars against position",
	}, true
}

func (l *Layer2) rsiOverheat(now time.Time, snap market.Snapshot, p position.Position) (advisory.Trigger, bool) {
	iv, ok := snap.Indicators(market.H1)
	if !ok {
		return advisory.Trigger{}, false
	}
	overheated := (p.Direction == market.Buy && iv.RSI > 80) ||
		(p.Direction == market.Sell && iv.RSI < 20)
	if !overheated {
		return advisory.Trigger{}, false
	}
	return advisory.Trigger{
		At:         now,
		Kind:       "rsi_overheat",
		Severity:   advisory.SeverityHigh,
		PositionID: p.ID,
		Detail:     fmt.Sprintf("rsi_h1 %.1f", iv.RSI),
	}, true
}
