package journal

import (
	"log/slog"
	"sync"
	"time"
)

// Recorder assigns sequence numbers and forwards events to the sink. It is
// the only writer of Seq; all engine components emit through one Recorder.
type Recorder struct {
	mu   sync.Mutex
	seq  uint64
	sink Sink
	log  *slog.Logger

	degraded bool
}

func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, log: log}
}

// Emit stamps the next sequence number and hands the event to the sink.
// A sink failure flips the recorder into degraded state instead of
// dropping the event silently; the engine consults Degraded to suppress
// new entries.
func (r *Recorder) Emit(at time.Time, ev Event) Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev.Seq = r.seq
	if ev.Time.IsZero() {
		ev.Time = at
	}
	if err := r.sink.Emit(ev); err != nil {
		r.degraded = true
		r.log.Error("event sink failed", "seq", ev.Seq, "type", ev.Type, "err", err)
	}
	return ev
}

// Degraded reports whether the sink has rejected an event. Once degraded,
// the engine keeps managing open positions but refuses new entries.
func (r *Recorder) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// Seq returns the last assigned sequence number.
func (r *Recorder) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}
