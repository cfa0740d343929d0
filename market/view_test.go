package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func tick(at time.Time, bid, ask float64) Tick {
	return Tick{Time: at, Bid: bid, Ask: ask}
}

func TestUpdateTickIdempotent(t *testing.T) {
	t.Parallel()

	v := NewView(0)

	applied, err := v.UpdateTick(tick(t0, 149.600, 149.605))
	require.NoError(t, err)
	assert.True(t, applied)

	// Same (time, bid, ask) delivered twice: second is a no-op.
	applied, err = v.UpdateTick(tick(t0, 149.600, 149.605))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(0), v.Dropped())
}

func TestUpdateTickOutOfOrderDropped(t *testing.T) {
	t.Parallel()

	v := NewView(0)
	_, err := v.UpdateTick(tick(t0.Add(time.Second), 149.60, 149.61))
	require.NoError(t, err)

	applied, err := v.UpdateTick(tick(t0, 149.50, 149.51))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(1), v.Dropped())

	snap := v.Snapshot(t0.Add(time.Second))
	assert.Equal(t, 149.60, snap.Tick.Bid)
}

func TestUpdateTickRejectsCrossedQuote(t *testing.T) {
	t.Parallel()

	v := NewView(0)
	_, err := v.UpdateTick(tick(t0, 149.61, 149.60))
	assert.Error(t, err)
}

func TestStaleness(t *testing.T) {
	t.Parallel()

	v := NewView(10 * time.Second)
	_, err := v.UpdateTick(tick(t0, 149.60, 149.61))
	require.NoError(t, err)

	assert.False(t, v.Snapshot(t0.Add(10*time.Second)).Stale)
	assert.True(t, v.Snapshot(t0.Add(10*time.Second+time.Millisecond)).Stale)

	// No tick at all is stale.
	assert.True(t, NewView(10*time.Second).Snapshot(t0).Stale)
}

func TestBarWindowEviction(t *testing.T) {
	t.Parallel()

	v := NewView(0)
	for i := 0; i < 120; i++ {
		c := Candle{
			Time: t0.Add(time.Duration(i) * 15 * time.Minute),
			Open: 149, High: 150, Low: 148, Close: 149.5,
		}
		require.NoError(t, v.UpdateBars(M15, c))
	}

	snap := v.Snapshot(t0)
	bars := snap.Bars(M15, 200)
	require.Len(t, bars, 100)
	// Oldest retained bar is the 21st appended.
	assert.Equal(t, t0.Add(20*15*time.Minute), bars[0].Time)
	latest, ok := snap.Bar(M15, 0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(119*15*time.Minute), latest.Time)
}

func TestTrailingBarRewrite(t *testing.T) {
	t.Parallel()

	v := NewView(0)
	c := Candle{Time: t0, Open: 149, High: 149.2, Low: 148.9, Close: 149.1}
	require.NoError(t, v.UpdateBars(M15, c))

	c.High = 149.4
	c.Close = 149.35
	require.NoError(t, v.UpdateBars(M15, c))

	snap := v.Snapshot(t0)
	require.Len(t, snap.Bars(M15, 10), 1)
	latest, _ := snap.Bar(M15, 0)
	assert.Equal(t, 149.35, latest.Close)
}

func TestIndicatorShift(t *testing.T) {
	t.Parallel()

	v := NewView(0)
	v.UpdateIndicators(H1, Indicators{RSI: 55, MACD: 0.02, MACDSignal: 0.01})
	v.UpdateIndicators(H1, Indicators{RSI: 62, MACD: 0.03, MACDSignal: 0.02})

	snap := v.Snapshot(t0)
	cur, ok := snap.Indicators(H1)
	require.True(t, ok)
	assert.Equal(t, 62.0, cur.RSI)

	prev, ok := snap.PrevIndicators(H1)
	require.True(t, ok)
	assert.Equal(t, 55.0, prev.RSI)
	assert.InDelta(t, 0.01, prev.Histogram(), 1e-12)
}

func TestPips(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 10, Pips(Buy, 149.60, 149.70, PipScaleJPY), 1e-9)
	assert.InDelta(t, -50, Pips(Buy, 149.60, 149.10, PipScaleJPY), 1e-9)
	assert.InDelta(t, 10, Pips(Sell, 149.60, 149.50, PipScaleJPY), 1e-9)
	assert.InDelta(t, 2.0, tick(t0, 149.60, 149.62).SpreadPips(PipScaleJPY), 1e-9)
}
