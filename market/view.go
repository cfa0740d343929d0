package market

import (
	"sync"
	"time"
)

// View holds the most recent market snapshot: the last tick, per-timeframe
// bar windows and per-timeframe indicator vectors. There is a single writer
// (the ingest path); readers obtain consistent copies via Snapshot.
type View struct {
	mu sync.RWMutex

	tick     Tick
	haveTick bool
	dropped  int64 // out-of-order ticks discarded

	bars map[Timeframe]*ring
	ind  map[Timeframe]Indicators
	prev map[Timeframe]Indicators

	staleAfter time.Duration // 0 disables staleness checks
}

// NewView creates an empty view. staleAfter is the last-tick age beyond
// which reads report Stale; pass 0 to disable (simulated time).
func NewView(staleAfter time.Duration) *View {
	bars := make(map[Timeframe]*ring, len(Timeframes))
	for _, tf := range Timeframes {
		bars[tf] = newRing(tf.Window())
	}
	return &View{
		bars:       bars,
		ind:        make(map[Timeframe]Indicators, len(Timeframes)),
		prev:       make(map[Timeframe]Indicators, len(Timeframes)),
		staleAfter: staleAfter,
	}
}

// UpdateTick atomically replaces the current tick. Duplicate delivery of
// the same (time, bid, ask) is an idempotent no-op; ticks older than the
// current one are dropped. The first return reports whether the view
// actually advanced.
func (v *View) UpdateTick(t Tick) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.haveTick {
		if t.Equal(v.tick) {
			return false, nil
		}
		if t.Time.Before(v.tick.Time) {
			v.dropped++
			return false, nil
		}
	}
	v.tick = t
	v.haveTick = true
	return true, nil
}

// UpdateBars appends a bar for tf, or rewrites the trailing bar when it
// carries the same open time. Bars beyond the timeframe window are evicted.
func (v *View) UpdateBars(tf Timeframe, c Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bars[tf].push(c)
	return nil
}

// UpdateIndicators replaces tf's indicator vector, shifting the old vector
// into the previous slot for cross detection.
func (v *View) UpdateIndicators(tf Timeframe, s Indicators) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.ind[tf]; ok {
		v.prev[tf] = cur
	}
	v.ind[tf] = s
}

// Dropped reports how many out-of-order ticks were discarded.
func (v *View) Dropped() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dropped
}

// Snapshot is a consistent, read-only copy of the view at one instant.
type Snapshot struct {
	Tick     Tick
	HaveTick bool
	Stale    bool

	bars map[Timeframe][]Candle
	ind  map[Timeframe]Indicators
	prev map[Timeframe]Indicators
}

// Snapshot copies the current state. now is the caller's clock; staleness
// is judged against it.
func (v *View) Snapshot(now time.Time) Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s := Snapshot{
		Tick:     v.tick,
		HaveTick: v.haveTick,
		bars:     make(map[Timeframe][]Candle, len(v.bars)),
		ind:      make(map[Timeframe]Indicators, len(v.ind)),
		prev:     make(map[Timeframe]Indicators, len(v.prev)),
	}
	if v.staleAfter > 0 && (!v.haveTick || now.Sub(v.tick.Time) > v.staleAfter) {
		s.Stale = true
	}
	for tf, r := range v.bars {
		s.bars[tf] = r.last(r.len())
	}
	for tf, iv := range v.ind {
		s.ind[tf] = iv
	}
	for tf, iv := range v.prev {
		s.prev[tf] = iv
	}
	return s
}

// Bars returns up to n most recent bars for tf, oldest first.
func (s Snapshot) Bars(tf Timeframe, n int) []Candle {
	bars := s.bars[tf]
	if n < len(bars) {
		bars = bars[len(bars)-n:]
	}
	return bars
}

// Bar returns the i-th bar counting back from the latest (0 = latest).
func (s Snapshot) Bar(tf Timeframe, i int) (Candle, bool) {
	bars := s.bars[tf]
	if i < 0 || i >= len(bars) {
		return Candle{}, false
	}
	return bars[len(bars)-1-i], true
}

// Indicators returns tf's current indicator vector.
func (s Snapshot) Indicators(tf Timeframe) (Indicators, bool) {
	iv, ok := s.ind[tf]
	return iv, ok
}

// PrevIndicators returns tf's vector from the prior bar close.
func (s Snapshot) PrevIndicators(tf Timeframe) (Indicators, bool) {
	iv, ok := s.prev[tf]
	return iv, ok
}
