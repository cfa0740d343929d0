package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rustyeddy/fxengine/journal"
)

// Job priorities. Lower runs first when several jobs are due at the same
// instant. The daily force-close outranks Layer-3a so that an advisory
// verdict can never race a mandated close.
const (
	PriorityLayer2a    = 10
	PriorityLayer2b    = 20
	PriorityForceClose = 30
	PriorityLayer3a    = 40
	PriorityDaily      = 50
)

// JobFunc is one scheduled unit of work. Errors are recorded as JobError
// events; they never stop sibling jobs.
type JobFunc func(ctx context.Context, now time.Time) error

type periodicJob struct {
	name     string
	period   time.Duration
	phase    time.Duration
	priority int
	fn       JobFunc
	next     time.Time
}

type dailyJob struct {
	name     string
	sched    cron.Schedule
	priority int
	fn       JobFunc
	next     time.Time
}

var hhmmParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler fires periodic and daily jobs from Advance calls. It owns no
// goroutines; the caller's loop decides when time moves, which keeps
// simulated runs deterministic.
type Scheduler struct {
	rec *journal.Recorder
	log *slog.Logger
	loc *time.Location

	periodic []*periodicJob
	daily    []*dailyJob
	started  bool
	lastNow  time.Time
}

func NewScheduler(rec *journal.Recorder, log *slog.Logger, loc *time.Location) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{rec: rec, log: log, loc: loc}
}

// AddPeriodic registers a job firing every period, offset by phase from
// the scheduler's first Advance.
func (s *Scheduler) AddPeriodic(name string, period, phase time.Duration, priority int, fn JobFunc) {
	s.periodic = append(s.periodic, &periodicJob{
		name: name, period: period, phase: phase, priority: priority, fn: fn,
	})
}

// AddDaily registers a job firing once per day at the broker-local HH:MM.
func (s *Scheduler) AddDaily(name, hhmm string, priority int, fn JobFunc) error {
	var hh, mm int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hh, &mm); err != nil {
		return fmt.Errorf("scheduler: daily %q: %w", hhmm, err)
	}
	sched, err := hhmmParser.Parse(fmt.Sprintf("%d %d * * *", mm, hh))
	if err != nil {
		return fmt.Errorf("scheduler: daily %q: %w", hhmm, err)
	}
	j := &dailyJob{name: name, sched: sched, priority: priority, fn: fn}
	if s.started {
		// Late registration anchors forward, never into the past.
		j.next = sched.Next(s.lastNow)
	}
	s.daily = append(s.daily, j)
	return nil
}

// Advance runs every job whose deadline is at or before now, in priority
// order (ties by name). Each periodic job fires at most once per Advance
// regardless of how far time jumped.
func (s *Scheduler) Advance(ctx context.Context, now time.Time) {
	now = now.In(s.loc)
	s.lastNow = now
	if !s.started {
		s.started = true
		for _, j := range s.periodic {
			j.next = now.Add(j.phase)
		}
		for _, j := range s.daily {
			j.next = j.sched.Next(now.Add(-time.Second))
		}
	}

	type due struct {
		name     string
		priority int
		fn       JobFunc
	}
	var batch []due
	for _, j := range s.periodic {
		if j.next.After(now) {
			continue
		}
		batch = append(batch, due{j.name, j.priority, j.fn})
		for !j.next.After(now) {
			j.next = j.next.Add(j.period)
		}
	}
	for _, j := range s.daily {
		if j.next.After(now) {
			continue
		}
		batch = append(batch, due{j.name, j.priority, j.fn})
		j.next = j.sched.Next(now)
	}

	sort.Slice(batch, func(i, k int) bool {
		if batch[i].priority != batch[k].priority {
			return batch[i].priority < batch[k].priority
		}
		return batch[i].name < batch[k].name
	})
	for _, d := range batch {
		s.run(ctx, now, d.name, d.fn)
	}
}

func (s *Scheduler) run(ctx context.Context, now time.Time, name string, fn JobFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", "job", name, "panic", r)
			s.rec.Emit(now, journal.Event{
				Type:   journal.JobError,
				Reason: fmt.Sprintf("%s: panic: %v", name, r),
			})
		}
	}()
	if err := fn(ctx, now); err != nil {
		s.log.Warn("job failed", "job", name, "err", err)
		s.rec.Emit(now, journal.Event{
			Type:   journal.JobError,
			Reason: fmt.Sprintf("%s: %v", name, err),
		})
	}
}
