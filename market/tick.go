package market

import (
	"fmt"
	"time"
)

// PipScaleJPY converts a price delta to pips for JPY crosses.
// Non-JPY majors use 10000.
const PipScaleJPY = 100.0

// Direction is the side of a trade or a daily bias.
type Direction string

const (
	Buy     Direction = "BUY"
	Sell    Direction = "SELL"
	Neutral Direction = "NEUTRAL"
)

// Sign returns +1 for BUY, -1 for SELL and 0 otherwise.
func (d Direction) Sign() float64 {
	switch d {
	case Buy:
		return 1
	case Sell:
		return -1
	}
	return 0
}

func (d Direction) Valid() bool {
	return d == Buy || d == Sell || d == Neutral
}

// Opposite returns the reverse trade side. Neutral maps to itself.
func (d Direction) Opposite() Direction {
	switch d {
	case Buy:
		return Sell
	case Sell:
		return Buy
	}
	return d
}

// Tick is a single bid/ask quote update. Immutable once published.
type Tick struct {
	Time   time.Time
	Bid    float64
	Ask    float64
	Volume float64
}

func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// SpreadPips converts the raw spread to pips.
func (t Tick) SpreadPips(pipScale float64) float64 {
	return t.Spread() * pipScale
}

func (t Tick) Validate() error {
	if t.Time.IsZero() {
		return fmt.Errorf("tick: zero time")
	}
	if t.Ask < t.Bid {
		return fmt.Errorf("tick: ask %.5f below bid %.5f", t.Ask, t.Bid)
	}
	return nil
}

// Equal reports whether two ticks carry the same quote at the same instant.
// Used to make duplicate delivery idempotent.
func (t Tick) Equal(o Tick) bool {
	return t.Time.Equal(o.Time) && t.Bid == o.Bid && t.Ask == o.Ask
}

// Pips converts a signed price move to pips from the perspective of dir.
// A positive result is favourable for the position.
func Pips(dir Direction, entry, current, pipScale float64) float64 {
	return (current - entry) * pipScale * dir.Sign()
}
