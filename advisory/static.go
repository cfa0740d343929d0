package advisory

import (
	"context"
	"sync"
)

// Static is a canned oracle for tests and backtests: it replays queued
// verdicts (or a default) and records every call.
type Static struct {
	mu sync.Mutex

	Default  Verdict
	queue    []response
	periodic []Snapshot
	emerg    []Trigger
}

type response struct {
	verdict Verdict
	err     error
}

func NewStatic() *Static {
	return &Static{Default: Verdict{Action: Continue, Reason: "no opinion"}}
}

// Queue schedules the next response; queued responses are consumed FIFO
// before the default applies.
func (s *Static) Queue(v Verdict, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, response{verdict: v, err: err})
}

func (s *Static) next() (Verdict, error) {
	if len(s.queue) > 0 {
		r := s.queue[0]
		s.queue = s.queue[1:]
		return r.verdict, r.err
	}
	return s.Default, nil
}

func (s *Static) Periodic(ctx context.Context, snap Snapshot) (Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	s.periodic = append(s.periodic, snap)
	return s.next()
}

func (s *Static) Emergency(ctx context.Context, snap Snapshot, trig Trigger) (Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	s.emerg = append(s.emerg, trig)
	return s.next()
}

// PeriodicCalls returns the snapshots seen by Periodic.
func (s *Static) PeriodicCalls() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.periodic))
	copy(out, s.periodic)
	return out
}

// EmergencyCalls returns the triggers seen by Emergency.
func (s *Static) EmergencyCalls() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Trigger, len(s.emerg))
	copy(out, s.emerg)
	return out
}
