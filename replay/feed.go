package replay

import (
	"context"
	"fmt"

	"github.com/cinar/indicator"

	"github.com/rustyeddy/fxengine/engine"
	"github.com/rustyeddy/fxengine/market"
)

// historyCap bounds the per-timeframe candle history kept for indicator
// computation. 250 bars covers EMA200 warm-up.
const historyCap = 250

// Aggregator folds ticks into candles of one timeframe. A candle is
// emitted when the first tick of the next bucket arrives.
type Aggregator struct {
	tf      market.Timeframe
	cur     market.Candle
	started bool
}

func NewAggregator(tf market.Timeframe) *Aggregator {
	return &Aggregator{tf: tf}
}

// Push folds one tick and returns the finished candle, if any. Candles
// are built on mid prices.
func (a *Aggregator) Push(t market.Tick) (market.Candle, bool) {
	mid := t.Mid()
	bucket := a.tf.Truncate(t.Time)

	if !a.started {
		a.cur = market.Candle{Time: bucket, Open: mid, High: mid, Low: mid, Close: mid, Volume: t.Volume}
		a.started = true
		return market.Candle{}, false
	}
	if bucket.Equal(a.cur.Time) {
		if mid > a.cur.High {
			a.cur.High = mid
		}
		if mid < a.cur.Low {
			a.cur.Low = mid
		}
		a.cur.Close = mid
		a.cur.Volume += t.Volume
		return market.Candle{}, false
	}

	done := a.cur
	a.cur = market.Candle{Time: bucket, Open: mid, High: mid, Low: mid, Close: mid, Volume: t.Volume}
	return done, true
}

// Flush returns the unfinished trailing candle.
func (a *Aggregator) Flush() (market.Candle, bool) {
	if !a.started {
		return market.Candle{}, false
	}
	return a.cur, true
}

// Vector computes the indicator set over a candle history, oldest first.
// Series shorter than an indicator's warm-up leave that field zero.
func Vector(bars []market.Candle) market.Indicators {
	n := len(bars)
	if n == 0 {
		return market.Indicators{}
	}
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i, b := range bars {
		highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
	}

	var iv market.Indicators
	if n > 14 {
		_, rsi := indicator.RsiPeriod(14, closes)
		iv.RSI = rsi[n-1]
	}
	if n >= 20 {
		iv.EMA20 = indicator.Ema(20, closes)[n-1]
	}
	if n >= 50 {
		iv.EMA50 = indicator.Ema(50, closes)[n-1]
	}
	if n >= 100 {
		iv.EMA100 = indicator.Ema(100, closes)[n-1]
	}
	if n >= 200 {
		iv.EMA200 = indicator.Ema(200, closes)[n-1]
	}
	if n >= 26 {
		macd, signal := indicator.Macd(closes)
		iv.MACD, iv.MACDSignal = macd[n-1], signal[n-1]
	}
	if n > 14 {
		_, atr := indicator.Atr(14, highs, lows, closes)
		iv.ATR = atr[n-1]
	}
	return iv
}

// TickSink receives the quote the sim gateway fills against.
type TickSink interface {
	SetTick(market.Tick)
}

// Runner replays ticks through an engine: bar closes are delivered
// before the tick that crosses the boundary, matching the live contract
// that indicator updates precede dependent decisions.
type Runner struct {
	eng  *engine.Engine
	gw   TickSink
	aggs map[market.Timeframe]*Aggregator
	hist map[market.Timeframe][]market.Candle
}

func NewRunner(eng *engine.Engine, gw TickSink) *Runner {
	aggs := make(map[market.Timeframe]*Aggregator, len(market.Timeframes))
	for _, tf := range market.Timeframes {
		aggs[tf] = NewAggregator(tf)
	}
	return &Runner{
		eng:  eng,
		gw:   gw,
		aggs: aggs,
		hist: make(map[market.Timeframe][]market.Candle, len(market.Timeframes)),
	}
}

// Run feeds every tick in order. Out-of-order and duplicate ticks pass
// straight through; the engine's market view handles them.
func (r *Runner) Run(ctx context.Context, ticks []market.Tick) error {
	for _, t := range ticks {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, tf := range market.Timeframes {
			c, done := r.aggs[tf].Push(t)
			if !done {
				continue
			}
			r.hist[tf] = append(r.hist[tf], c)
			if len(r.hist[tf]) > historyCap {
				r.hist[tf] = r.hist[tf][1:]
			}
			if err := r.eng.OnBarClose(ctx, tf, c, Vector(r.hist[tf])); err != nil {
				return fmt.Errorf("replay: %w", err)
			}
		}
		r.gw.SetTick(t)
		if err := r.eng.OnTick(ctx, t); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
	}
	return nil
}
