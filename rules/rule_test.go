package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/fxengine/market"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Rule)
		wantErr string
	}{
		{name: "sample_ok", mutate: func(*Rule) {}},
		{
			name:    "valid_until_before_generated_at",
			mutate:  func(r *Rule) { r.ValidUntil = r.GeneratedAt.Add(-time.Minute) },
			wantErr: "valid_until",
		},
		{
			name:    "should_trade_without_direction",
			mutate:  func(r *Rule) { r.Entry.Direction = "" },
			wantErr: "direction",
		},
		{
			name:    "inverted_price_zone",
			mutate:  func(r *Rule) { r.Entry.PriceZone = PriceZone{Min: 149.70, Max: 149.50} },
			wantErr: "price_zone",
		},
		{
			name: "duplicate_tp_pips",
			mutate: func(r *Rule) {
				r.Exit.TakeProfit = []TakeProfitLevel{
					{Pips: 10, ClosePercent: 30},
					{Pips: 10, ClosePercent: 40},
				}
			},
			wantErr: "strictly ascending",
		},
		{
			name: "descending_tp_pips",
			mutate: func(r *Rule) {
				r.Exit.TakeProfit = []TakeProfitLevel{
					{Pips: 20, ClosePercent: 30},
					{Pips: 10, ClosePercent: 40},
				}
			},
			wantErr: "strictly ascending",
		},
		{
			name: "tp_percent_oversubscribed",
			mutate: func(r *Rule) {
				r.Exit.TakeProfit = []TakeProfitLevel{
					{Pips: 10, ClosePercent: 60},
					{Pips: 20, ClosePercent: 60},
				}
			},
			wantErr: "sums to",
		},
		{
			name: "final_close_remainder_level_allowed",
			mutate: func(r *Rule) {
				r.Exit.TakeProfit = []TakeProfitLevel{
					{Pips: 10, ClosePercent: 30},
					{Pips: 20, ClosePercent: 40},
					{Pips: 30, ClosePercent: 100},
				}
			},
		},
		{
			name:    "confidence_out_of_range",
			mutate:  func(r *Rule) { r.Confidence = 1.2 },
			wantErr: "confidence",
		},
		{
			name:    "size_multiplier_out_of_range",
			mutate:  func(r *Rule) { r.Risk.PositionSizeMultiplier = 1.5 },
			wantErr: "position_size_multiplier",
		},
		{
			name:    "bad_daily_bias",
			mutate:  func(r *Rule) { r.DailyBias = "LONG" },
			wantErr: "daily_bias",
		},
		{
			name: "bad_ema_condition",
			mutate: func(r *Rule) {
				r.Entry.Indicators.EMA = &EMAPredicate{Timeframe: market.H1, Condition: "above", Period: 20}
			},
			wantErr: "ema condition",
		},
		{
			name: "bad_avoid_expression",
			mutate: func(r *Rule) {
				r.Entry.AvoidIf = []AvoidCondition{{Expression: "spread_pips >"}}
			},
			wantErr: "avoid_if",
		},
		{
			name: "bad_time_window",
			mutate: func(r *Rule) {
				r.Entry.TimeFilter.AvoidTimes = []TimeWindow{{Start: "25:00", End: "26:00"}}
			},
			wantErr: "avoid_times",
		},
		{
			name: "bad_indicator_exit_action",
			mutate: func(r *Rule) {
				r.Exit.IndicatorExits = []IndicatorExit{{Type: ExitMACDCross, Timeframe: market.M15, Action: "close_25"}}
			},
			wantErr: "action",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := Sample(t0)
			tt.mutate(r)
			err := r.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRule)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTimeWindowContains(t *testing.T) {
	t.Parallel()

	w := TimeWindow{Start: "21:30", End: "22:00"}
	at := func(hh, mm int) time.Time {
		return time.Date(2026, 3, 2, hh, mm, 0, 0, time.UTC)
	}
	assert.True(t, w.Contains(at(21, 30)))
	assert.True(t, w.Contains(at(22, 0)))
	assert.False(t, w.Contains(at(22, 1)))
	assert.False(t, w.Contains(at(21, 29)))

	// Window wrapping midnight.
	wrap := TimeWindow{Start: "23:30", End: "00:15"}
	assert.True(t, wrap.Contains(at(23, 45)))
	assert.True(t, wrap.Contains(at(0, 10)))
	assert.False(t, wrap.Contains(at(12, 0)))
}

func TestStoreCurrent(t *testing.T) {
	t.Parallel()

	s := NewStore()
	first := Sample(t0)
	second := Sample(t0.Add(30 * time.Minute))
	require.NoError(t, s.Install(first))
	require.NoError(t, s.Install(second))

	// install(r); current(generated_at + eps) == r.
	assert.Same(t, first, s.Current(t0.Add(time.Second)))
	// Newer rule wins once both intervals contain the instant.
	assert.Same(t, second, s.Current(t0.Add(31*time.Minute)))
	// Beyond every valid_until: rule-expired mode.
	assert.Nil(t, s.Current(t0.Add(3*time.Hour)))
}

func TestStoreRejectsInvalid(t *testing.T) {
	t.Parallel()

	s := NewStore()
	bad := Sample(t0)
	bad.Confidence = -1
	assert.ErrorIs(t, s.Install(bad), ErrInvalidRule)
	assert.Equal(t, 0, s.Len())
}

func TestAvoidConditionEval(t *testing.T) {
	t.Parallel()

	c := AvoidCondition{Expression: "spread_pips > 10 && rsi_h1 > 75"}
	require.NoError(t, c.compile())

	hit, err := c.Eval(map[string]any{"spread_pips": 12.0, "rsi_h1": 80.0})
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = c.Eval(map[string]any{"spread_pips": 2.0, "rsi_h1": 80.0})
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestFacts(t *testing.T) {
	t.Parallel()

	v := market.NewView(0)
	_, err := v.UpdateTick(market.Tick{Time: t0, Bid: 149.60, Ask: 149.62})
	require.NoError(t, err)
	v.UpdateIndicators(market.H1, market.Indicators{RSI: 81, MACD: 0.05, MACDSignal: 0.02})

	facts := Facts(v.Snapshot(t0), market.PipScaleJPY)
	assert.InDelta(t, 2.0, facts["spread_pips"].(float64), 1e-9)
	assert.Equal(t, 81.0, facts["rsi_h1"])
	assert.InDelta(t, 0.03, facts["histogram_h1"].(float64), 1e-12)
}

func TestCanonicalJSONRoundTrip(t *testing.T) {
	t.Parallel()

	r := Sample(t0)
	r.Entry.Indicators.RSI = &RSIPredicate{Timeframe: market.H1, Min: 40, Max: 70}
	r.Entry.AvoidIf = []AvoidCondition{{Expression: "spread_pips > 10", Reason: "wide spread"}}

	first, err := Encode(r)
	require.NoError(t, err)

	decoded, err := Decode(first)
	require.NoError(t, err)
	require.NoError(t, decoded.Validate())

	second, err := Encode(decoded)
	require.NoError(t, err)

	// Canonical encode/decode is a fixed point.
	assert.Equal(t, string(first), string(second))
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	raw, err := Encode(Sample(t0))
	require.NoError(t, err)

	tampered := string(raw[:len(raw)-1]) + `,"reasoning":"free text"}`
	_, err = Decode([]byte(tampered))
	assert.Error(t, err)
}
