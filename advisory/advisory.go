// Package advisory defines the external decision oracle the Layer-3
// coordinator consults: a periodic per-position review and an emergency
// re-evaluation on escalations. Wire shapes are stable JSON.
package advisory

import (
	"context"
	"time"

	"github.com/rustyeddy/fxengine/market"
)

// Action is the oracle's instruction for a position.
type Action string

const (
	Continue     Action = "continue"
	ClosePartial Action = "close_partial"
	CloseAllNow  Action = "close_all"
	TightenStop  Action = "tighten_stop"
	Escalate     Action = "escalate"
)

func (a Action) Valid() bool {
	switch a {
	case Continue, ClosePartial, CloseAllNow, TightenStop, Escalate:
		return true
	}
	return false
}

// Severity ranks triggers and verdicts; higher wins when coalescing.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for most-severe-wins comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Verdict is the oracle's answer.
type Verdict struct {
	Action          Action   `json:"action"`
	Reason          string   `json:"reason,omitempty"`
	Severity        Severity `json:"severity,omitempty"`
	PartialClosePct float64  `json:"partial_close_pct,omitempty"`
	NewStopPips     float64  `json:"new_stop_pips,omitempty"`
}

// Trigger identifies the anomaly that provoked an emergency review.
type Trigger struct {
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"`
	Severity   Severity  `json:"severity"`
	PositionID string    `json:"position_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// RecentIndicators is the compact indicator block of a snapshot.
type RecentIndicators struct {
	RSIH1            float64 `json:"rsi_h1"`
	EMAH1Alignment   string  `json:"ema_h1_alignment"`
	MACDH1Histogram  float64 `json:"macd_h1_histogram"`
}

// BarSummary is one M15 bar in a snapshot.
type BarSummary struct {
	Time  time.Time `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// Snapshot is the per-position state sent to the oracle.
type Snapshot struct {
	PositionID       string           `json:"position_id"`
	Symbol           string           `json:"symbol"`
	Direction        market.Direction `json:"direction"`
	OpenPrice        float64          `json:"open_price"`
	OpenTime         time.Time        `json:"open_time"`
	CurrentPrice     float64          `json:"current_price"`
	UnrealizedPips   float64          `json:"unrealized_pips"`
	UnrealizedPct    float64          `json:"unrealized_pct"`
	HoldingMinutes   float64          `json:"holding_minutes"`
	RecentIndicators RecentIndicators `json:"recent_indicators"`
	LastBarsM15      []BarSummary     `json:"last_bars_m15"`
}

// Oracle is the advisory service. Implementations must honor ctx
// cancellation; the coordinator enforces timeouts and substitutes safe
// defaults on failure.
type Oracle interface {
	Periodic(ctx context.Context, snap Snapshot) (Verdict, error)
	Emergency(ctx context.Context, snap Snapshot, trig Trigger) (Verdict, error)
}
