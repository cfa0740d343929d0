package market

// Indicators is the pre-computed indicator snapshot for one timeframe's
// latest closed bar. The engine never computes indicators itself; the
// ingest path delivers them alongside each bar close.
type Indicators struct {
	RSI        float64
	EMA20      float64
	EMA50      float64
	EMA100     float64
	EMA200     float64
	MACD       float64
	MACDSignal float64
	ATR        float64
}

// EMA returns the EMA value for a rule-declared period. Zero means the
// period is not tracked.
func (s Indicators) EMA(period int) float64 {
	switch period {
	case 20:
		return s.EMA20
	case 50:
		return s.EMA50
	case 100:
		return s.EMA100
	case 200:
		return s.EMA200
	}
	return 0
}

// Histogram is MACD minus its signal line.
func (s Indicators) Histogram() float64 {
	return s.MACD - s.MACDSignal
}
