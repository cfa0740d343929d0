package market

import (
	"fmt"
	"time"
)

// Timeframe identifies one of the chart resolutions the engine consumes.
type Timeframe string

const (
	M15 Timeframe = "M15"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
	D1  Timeframe = "D1"
)

// Timeframes lists all supported resolutions, finest first.
var Timeframes = []Timeframe{M15, H1, H4, D1}

func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case M15:
		return 15 * time.Minute
	case H1:
		return time.Hour
	case H4:
		return 4 * time.Hour
	case D1:
		return 24 * time.Hour
	}
	return 0
}

func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// Window is the number of closed bars retained per timeframe.
func (tf Timeframe) Window() int {
	switch tf {
	case D1:
		return 30
	case H4:
		return 50
	default:
		return 100
	}
}

// Truncate returns the bar-open instant containing t.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(tf.Duration())
}

// Candle is one OHLC bar with its average spread.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Spread float64
}

func (c Candle) Validate() error {
	if c.Low > c.High {
		return fmt.Errorf("candle %s: low %.5f above high %.5f", c.Time.Format(time.RFC3339), c.Low, c.High)
	}
	if c.Open < c.Low || c.Open > c.High {
		return fmt.Errorf("candle %s: open %.5f outside [low, high]", c.Time.Format(time.RFC3339), c.Open)
	}
	if c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("candle %s: close %.5f outside [low, high]", c.Time.Format(time.RFC3339), c.Close)
	}
	return nil
}

func (c Candle) Bullish() bool { return c.Close > c.Open }
func (c Candle) Bearish() bool { return c.Close < c.Open }

// ring is a fixed-capacity bar window. Oldest bars are evicted on append.
type ring struct {
	buf   []Candle
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Candle, capacity)}
}

func (r *ring) append(c Candle) {
	if r.n == len(r.buf) {
		r.buf[r.start] = c
		r.start = (r.start + 1) % len(r.buf)
		return
	}
	r.buf[(r.start+r.n)%len(r.buf)] = c
	r.n++
}

// push appends c, or rewrites the trailing bar when it carries the same
// open time (the still-forming bar being refreshed).
func (r *ring) push(c Candle) {
	if r.n > 0 {
		last := (r.start + r.n - 1) % len(r.buf)
		if r.buf[last].Time.Equal(c.Time) {
			r.buf[last] = c
			return
		}
	}
	r.append(c)
}

func (r *ring) len() int { return r.n }

// at returns the i-th bar counting back from the latest (0 = latest).
func (r *ring) at(i int) (Candle, bool) {
	if i < 0 || i >= r.n {
		return Candle{}, false
	}
	return r.buf[(r.start+r.n-1-i)%len(r.buf)], true
}

// last returns up to n most recent bars, oldest first.
func (r *ring) last(n int) []Candle {
	if n > r.n {
		n = r.n
	}
	out := make([]Candle, n)
	for i := 0; i < n; i++ {
		c, _ := r.at(n - 1 - i)
		out[i] = c
	}
	return out
}
