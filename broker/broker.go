// Package broker abstracts order execution: market open, partial and full
// close by volume, protective-stop modification, account and symbol info.
package broker

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rustyeddy/fxengine/market"
)

var (
	// Transient order failures; the resilient wrapper retries these.
	ErrRequote  = errors.New("broker: requote")
	ErrPriceOff = errors.New("broker: price off")

	// Fatal order failures; the engine suppresses further entries.
	ErrNoMoney       = errors.New("broker: not enough money")
	ErrInvalidVolume = errors.New("broker: invalid volume")

	ErrUnknownTicket = errors.New("broker: unknown ticket")
	ErrNoPrice       = errors.New("broker: no current price")
)

// Transient reports whether the error is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrRequote) || errors.Is(err, ErrPriceOff)
}

// Fatal reports whether the error must suppress further entries.
func Fatal(err error) bool {
	return errors.Is(err, ErrNoMoney) || errors.Is(err, ErrInvalidVolume)
}

// Fill is the result of an executed order.
type Fill struct {
	Ticket string
	Price  float64
	Volume float64
	Time   time.Time
	Profit float64 // realized P/L in account currency, closes only
}

type Account struct {
	Currency   string
	Balance    float64
	Equity     float64
	MarginUsed float64
	FreeMargin float64
}

type SymbolInfo struct {
	Name         string
	PipScale     float64 // price-to-pip conversion, 100 for JPY crosses
	ContractSize float64 // units per 1.0 lot
	VolumeMin    float64
	VolumeMax    float64
	VolumeStep   float64
}

// PipSize is the price increment of one pip.
func (s SymbolInfo) PipSize() float64 {
	if s.PipScale == 0 {
		return 0
	}
	return 1 / s.PipScale
}

// RoundVolume rounds down to the volume step and clamps to [min, max].
func (s SymbolInfo) RoundVolume(v float64) float64 {
	if s.VolumeStep > 0 {
		v = math.Floor(v/s.VolumeStep+1e-9) * s.VolumeStep
	}
	if v < s.VolumeMin {
		v = s.VolumeMin
	}
	if s.VolumeMax > 0 && v > s.VolumeMax {
		v = s.VolumeMax
	}
	return v
}

// Gateway executes orders. Calls are synchronous and bounded (a timeout
// converts to a gateway failure); all gateway implementations must be safe
// for use from the engine loop.
type Gateway interface {
	// MarketOpen opens a position at market with a protective stop.
	MarketOpen(ctx context.Context, dir market.Direction, volume, stopLoss float64) (Fill, error)
	// Close closes volume lots of the ticket; buy positions close on bid,
	// sells on ask. A volume at or above the remaining size closes fully.
	Close(ctx context.Context, ticket string, volume float64) (Fill, error)
	// ModifyStop moves the protective stop of an open ticket.
	ModifyStop(ctx context.Context, ticket string, stopLoss float64) error
	// CheckMargin dry-runs the margin requirement for an intended order.
	CheckMargin(ctx context.Context, dir market.Direction, volume float64) error
	Account(ctx context.Context) (Account, error)
	Symbol(ctx context.Context) (SymbolInfo, error)
}
