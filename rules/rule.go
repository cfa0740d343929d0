// Package rules defines the structured trading rule: the authoritative
// trade law generated hourly from market analysis, plus the append-only
// store tracking rule history.
package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/fxengine/market"
)

// EMACondition is a rule predicate on an EMA of a declared period.
type EMACondition string

const (
	EMAPriceAbove EMACondition = "price_above"
	EMAPriceBelow EMACondition = "price_below"
	EMACrossAbove EMACondition = "cross_above"
	EMACrossBelow EMACondition = "cross_below"
)

// MACDCondition is a rule predicate on MACD state.
type MACDCondition string

const (
	MACDHistogramPositive MACDCondition = "histogram_positive"
	MACDHistogramNegative MACDCondition = "histogram_negative"
	MACDSignalCrossAbove  MACDCondition = "signal_cross_above"
	MACDSignalCrossBelow  MACDCondition = "signal_cross_below"
)

// CloseAction is the portion of a position an indicator exit closes.
type CloseAction string

const (
	Close50  CloseAction = "close_50"
	Close75  CloseAction = "close_75"
	CloseAll CloseAction = "close_all"
)

// Fraction converts the action to a fraction of initial volume.
func (a CloseAction) Fraction() float64 {
	switch a {
	case Close50:
		return 0.50
	case Close75:
		return 0.75
	case CloseAll:
		return 1.0
	}
	return 0
}

// Indicator exit trigger kinds.
const (
	ExitMACDCross = "macd_cross"
	ExitEMACross  = "ema_cross"
	ExitRSIAbove  = "rsi_above"
	ExitRSIBelow  = "rsi_below"
)

// Rule is an immutable structured trading rule. Updates append a new rule;
// an installed rule is never mutated.
type Rule struct {
	Version     string           `json:"version"`
	GeneratedAt time.Time        `json:"generated_at"`
	ValidUntil  time.Time        `json:"valid_until"`
	Symbol      string           `json:"symbol"`
	DailyBias   market.Direction `json:"daily_bias"`
	Confidence  float64          `json:"confidence"`
	Entry       EntryConditions  `json:"entry_conditions"`
	Exit        ExitStrategy     `json:"exit_strategy"`
	Risk        RiskManagement   `json:"risk_management"`
	KeyLevels   KeyLevels        `json:"key_levels"`
}

type EntryConditions struct {
	ShouldTrade bool             `json:"should_trade"`
	Direction   market.Direction `json:"direction,omitempty"`
	PriceZone   PriceZone        `json:"price_zone"`
	Indicators  EntryIndicators  `json:"indicators"`
	Spread      SpreadLimit      `json:"spread"`
	TimeFilter  TimeFilter       `json:"time_filter"`
	AvoidIf     []AvoidCondition `json:"avoid_if,omitempty"`
}

type PriceZone struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether price sits inside the zone, bounds inclusive.
func (z PriceZone) Contains(price float64) bool {
	return price >= z.Min && price <= z.Max
}

type EntryIndicators struct {
	RSI  *RSIPredicate  `json:"rsi,omitempty"`
	EMA  *EMAPredicate  `json:"ema,omitempty"`
	MACD *MACDPredicate `json:"macd,omitempty"`
}

type RSIPredicate struct {
	Timeframe market.Timeframe `json:"timeframe"`
	Min       float64          `json:"min"`
	Max       float64          `json:"max"`
}

type EMAPredicate struct {
	Timeframe market.Timeframe `json:"timeframe"`
	Condition EMACondition     `json:"condition"`
	Period    int              `json:"period"`
}

type MACDPredicate struct {
	Timeframe market.Timeframe `json:"timeframe"`
	Condition MACDCondition    `json:"condition"`
}

type SpreadLimit struct {
	MaxPips float64 `json:"max_pips"`
}

type TimeFilter struct {
	AvoidTimes []TimeWindow `json:"avoid_times,omitempty"`
}

// TimeWindow is a broker-local HH:MM interval. A window whose end precedes
// its start wraps past midnight.
type TimeWindow struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	Reason string `json:"reason,omitempty"`
}

// Contains reports whether the broker-local time of t falls inside the
// window, bounds inclusive.
func (w TimeWindow) Contains(t time.Time) bool {
	start, err1 := parseHHMM(w.Start)
	end, err2 := parseHHMM(w.End)
	if err1 != nil || err2 != nil {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if start <= end {
		return m >= start && m <= end
	}
	return m >= start || m <= end
}

func parseHHMM(s string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("parse %q as HH:MM: %w", s, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("parse %q as HH:MM: out of range", s)
	}
	return hh*60 + mm, nil
}

type ExitStrategy struct {
	TakeProfit     []TakeProfitLevel `json:"take_profit"`
	StopLoss       StopLoss          `json:"stop_loss"`
	IndicatorExits []IndicatorExit   `json:"indicator_exits,omitempty"`
	TimeExits      TimeExits         `json:"time_exits"`
}

type TakeProfitLevel struct {
	Pips         float64 `json:"pips"`
	ClosePercent float64 `json:"close_percent"`
}

type StopLoss struct {
	InitialPips float64   `json:"initial_pips"`
	PriceLevel  float64   `json:"price_level,omitempty"`
	Trailing    *Trailing `json:"trailing,omitempty"`
}

type Trailing struct {
	ActivateAtPips    float64 `json:"activate_at_pips"`
	TrailDistancePips float64 `json:"trail_distance_pips"`
}

type IndicatorExit struct {
	Type      string           `json:"type"`
	Timeframe market.Timeframe `json:"timeframe"`
	Action    CloseAction      `json:"action"`
	Threshold float64          `json:"threshold,omitempty"`
}

type TimeExits struct {
	MaxHoldMinutes int    `json:"max_hold_minutes,omitempty"`
	ForceCloseTime string `json:"force_close_time,omitempty"` // HH:MM broker-local
}

type RiskManagement struct {
	PositionSizeMultiplier  float64 `json:"position_size_multiplier"`
	MaxPositions            int     `json:"max_positions"`
	MaxRiskPerTradePercent  float64 `json:"max_risk_per_trade_percent"`
	MaxTotalExposurePercent float64 `json:"max_total_exposure_percent"`
}

type KeyLevels struct {
	EntryTarget        float64   `json:"entry_target,omitempty"`
	InvalidationLevel  float64   `json:"invalidation_level,omitempty"`
	CriticalSupport    []float64 `json:"critical_support,omitempty"`
	CriticalResistance []float64 `json:"critical_resistance,omitempty"`
}

var (
	ErrInvalidRule = errors.New("invalid rule")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// Validate checks the structural invariants a rule must satisfy before it
// can be installed.
func (r *Rule) Validate() error {
	if r.Symbol == "" {
		return invalid("symbol is required")
	}
	if r.GeneratedAt.IsZero() || r.ValidUntil.IsZero() {
		return invalid("generated_at and valid_until are required")
	}
	if r.ValidUntil.Before(r.GeneratedAt) {
		return invalid("valid_until precedes generated_at")
	}
	if !r.DailyBias.Valid() {
		return invalid("daily_bias %q", r.DailyBias)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return invalid("confidence %.3f outside [0,1]", r.Confidence)
	}
	if err := r.Entry.validate(); err != nil {
		return err
	}
	if err := r.Exit.validate(); err != nil {
		return err
	}
	if err := r.Risk.validate(); err != nil {
		return err
	}
	return nil
}

func (e *EntryConditions) validate() error {
	if e.ShouldTrade {
		if e.Direction != market.Buy && e.Direction != market.Sell {
			return invalid("should_trade without a BUY/SELL direction")
		}
		if e.PriceZone.Min > e.PriceZone.Max {
			return invalid("price_zone min %.5f above max %.5f", e.PriceZone.Min, e.PriceZone.Max)
		}
	}
	if p := e.Indicators.RSI; p != nil {
		if !p.Timeframe.Valid() {
			return invalid("rsi predicate timeframe %q", p.Timeframe)
		}
		if p.Min > p.Max {
			return invalid("rsi predicate min %.1f above max %.1f", p.Min, p.Max)
		}
	}
	if p := e.Indicators.EMA; p != nil {
		if !p.Timeframe.Valid() {
			return invalid("ema predicate timeframe %q", p.Timeframe)
		}
		switch p.Condition {
		case EMAPriceAbove, EMAPriceBelow, EMACrossAbove, EMACrossBelow:
		default:
			return invalid("ema condition %q", p.Condition)
		}
		if p.Period <= 0 {
			return invalid("ema period %d", p.Period)
		}
	}
	if p := e.Indicators.MACD; p != nil {
		if !p.Timeframe.Valid() {
			return invalid("macd predicate timeframe %q", p.Timeframe)
		}
		switch p.Condition {
		case MACDHistogramPositive, MACDHistogramNegative, MACDSignalCrossAbove, MACDSignalCrossBelow:
		default:
			return invalid("macd condition %q", p.Condition)
		}
	}
	if e.Spread.MaxPips < 0 {
		return invalid("spread max_pips %.1f negative", e.Spread.MaxPips)
	}
	for _, w := range e.TimeFilter.AvoidTimes {
		if _, err := parseHHMM(w.Start); err != nil {
			return invalid("avoid_times start: %v", err)
		}
		if _, err := parseHHMM(w.End); err != nil {
			return invalid("avoid_times end: %v", err)
		}
	}
	for i := range e.AvoidIf {
		if err := e.AvoidIf[i].compile(); err != nil {
			return invalid("avoid_if[%d]: %v", i, err)
		}
	}
	return nil
}

func (x *ExitStrategy) validate() error {
	total := 0.0
	lastPips := 0.0
	for i, tp := range x.TakeProfit {
		if tp.Pips <= lastPips {
			return invalid("take_profit[%d] pips %.1f not strictly ascending", i, tp.Pips)
		}
		lastPips = tp.Pips
		if tp.ClosePercent <= 0 || tp.ClosePercent > 100 {
			return invalid("take_profit[%d] close_percent %.1f", i, tp.ClosePercent)
		}
		// A 100 level closes whatever remains and is exempt from the
		// cumulative cap.
		if tp.ClosePercent < 100 {
			total += tp.ClosePercent
		}
	}
	if total > 100 {
		return invalid("take_profit close_percent sums to %.1f", total)
	}
	if x.StopLoss.InitialPips < 0 {
		return invalid("stop_loss initial_pips %.1f negative", x.StopLoss.InitialPips)
	}
	if tr := x.StopLoss.Trailing; tr != nil {
		if tr.ActivateAtPips <= 0 || tr.TrailDistancePips <= 0 {
			return invalid("trailing pips must be positive")
		}
	}
	for i, ex := range x.IndicatorExits {
		switch ex.Type {
		case ExitMACDCross, ExitEMACross, ExitRSIAbove, ExitRSIBelow:
		default:
			return invalid("indicator_exits[%d] type %q", i, ex.Type)
		}
		if !ex.Timeframe.Valid() {
			return invalid("indicator_exits[%d] timeframe %q", i, ex.Timeframe)
		}
		if ex.Action.Fraction() == 0 {
			return invalid("indicator_exits[%d] action %q", i, ex.Action)
		}
	}
	if x.TimeExits.MaxHoldMinutes < 0 {
		return invalid("time_exits max_hold_minutes negative")
	}
	if x.TimeExits.ForceCloseTime != "" {
		if _, err := parseHHMM(x.TimeExits.ForceCloseTime); err != nil {
			return invalid("time_exits force_close_time: %v", err)
		}
	}
	return nil
}

func (rm *RiskManagement) validate() error {
	if rm.PositionSizeMultiplier < 0 || rm.PositionSizeMultiplier > 1 {
		return invalid("position_size_multiplier %.3f outside [0,1]", rm.PositionSizeMultiplier)
	}
	if rm.MaxPositions < 0 {
		return invalid("max_positions negative")
	}
	return nil
}

// Active reports whether the rule's validity interval contains at.
func (r *Rule) Active(at time.Time) bool {
	return !at.Before(r.GeneratedAt) && !at.After(r.ValidUntil)
}
