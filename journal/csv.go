package journal

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"
)

// CSV writes one row per event, flushed eagerly so a crash loses at most
// the in-flight record.
type CSV struct {
	w *csv.Writer
	f *os.File
}

func NewCSV(path string) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"seq", "time", "type", "symbol", "position_id", "reason", "severity", "price", "volume", "pips"}); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, err
	}
	return &CSV{w: w, f: f}, nil
}

func (j *CSV) Emit(ev Event) error {
	j.w.Write([]string{
		strconv.FormatUint(ev.Seq, 10),
		ev.Time.UTC().Format(time.RFC3339Nano),
		string(ev.Type),
		ev.Symbol,
		ev.PositionID,
		ev.Reason,
		ev.Severity,
		f(ev.Price),
		f(ev.Volume),
		f(ev.Pips),
	})
	j.w.Flush()
	return j.w.Error()
}

func (j *CSV) Close() error {
	j.w.Flush()
	if err := j.w.Error(); err != nil {
		j.f.Close()
		return err
	}
	return j.f.Close()
}

func f(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
