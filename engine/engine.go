package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rustyeddy/fxengine/advisory"
	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/evaluate"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/monitor"
	"github.com/rustyeddy/fxengine/position"
	"github.com/rustyeddy/fxengine/rules"
)

// DailySlots are the conventional broker-local wall-clock hooks an
// embedder can attach work to (morning analysis, session checkpoints).
// The daily close is scheduled separately with force-close priority.
var DailySlots = []string{"06:00", "08:00", "12:00", "16:00", "21:30"}

// RuleSource produces the next structured rule, typically once per hour.
type RuleSource func(ctx context.Context, now time.Time) (*rules.Rule, error)

// Options configures an Engine. Zero durations fall back to defaults.
type Options struct {
	Symbol  broker.SymbolInfo
	BaseLot float64

	Layer2aPeriod time.Duration // default 60 s
	Layer2bPeriod time.Duration // default 300 s
	Layer3aPeriod time.Duration // default 900 s
	DailyClose    string        // default "23:00"
	TickStaleness time.Duration // 0 disables (simulated runs)

	AdvisoryTimeoutPeriodic  time.Duration
	AdvisoryTimeoutEmergency time.Duration

	WeekendStart string // e.g. "FRI 23:00"; empty disables
	WeekendEnd   string // e.g. "MON 07:00"

	// Deterministic makes advisory calls settle synchronously at the end
	// of each step, for replays and tests.
	Deterministic bool

	RuleSource  RuleSource
	RuleRefresh time.Duration // default 1 h
}

// Engine is the single-threaded decision loop. All entry points (OnTick,
// OnBarClose, Close) must be called from one goroutine.
type Engine struct {
	clock Clock
	gw    broker.Gateway
	log   *slog.Logger
	opts  Options

	view  *market.View
	store *rules.Store
	book  *position.Book
	rec   *journal.Recorder
	sched *Scheduler

	l1 *monitor.Layer1
	l2 *monitor.Layer2
	l3 *monitor.Layer3

	weekendStart int // week minute, -1 when disabled
	weekendEnd   int

	degradedFlag      bool
	degradedReason    string
	entriesSuppressed bool
}

func New(clock Clock, gw broker.Gateway, oracle advisory.Oracle, sink journal.Sink, log *slog.Logger, opts Options) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Layer2aPeriod <= 0 {
		opts.Layer2aPeriod = time.Minute
	}
	if opts.Layer2bPeriod <= 0 {
		opts.Layer2bPeriod = 5 * time.Minute
	}
	if opts.Layer3aPeriod <= 0 {
		opts.Layer3aPeriod = 15 * time.Minute
	}
	if opts.DailyClose == "" {
		opts.DailyClose = "23:00"
	}
	if opts.RuleRefresh <= 0 {
		opts.RuleRefresh = time.Hour
	}

	rec := journal.NewRecorder(sink, log)
	book := position.NewBook(gw, rec, log, opts.Symbol.PipScale)

	e := &Engine{
		clock: clock,
		gw:    gw,
		log:   log,
		opts:  opts,
		view:  market.NewView(opts.TickStaleness),
		store: rules.NewStore(),
		book:  book,
		rec:   rec,
		sched: NewScheduler(rec, log, clock.Location()),
		l1:    monitor.NewLayer1(book, log, opts.Symbol),
		l2:    monitor.NewLayer2(rec, log, opts.Symbol.PipScale, time.Minute),
		l3: monitor.NewLayer3(oracle, book, rec, log, opts.Symbol, monitor.Layer3Config{
			TimeoutPeriodic:  opts.AdvisoryTimeoutPeriodic,
			TimeoutEmergency: opts.AdvisoryTimeoutEmergency,
		}),
		weekendStart: -1,
		weekendEnd:   -1,
	}

	var err error
	if opts.WeekendStart != "" && opts.WeekendEnd != "" {
		if e.weekendStart, err = parseWeekMinute(opts.WeekendStart); err != nil {
			return nil, err
		}
		if e.weekendEnd, err = parseWeekMinute(opts.WeekendEnd); err != nil {
			return nil, err
		}
	}

	e.sched.AddPeriodic("layer2a", opts.Layer2aPeriod, opts.Layer2aPeriod, PriorityLayer2a, e.jobLayer2Fast)
	e.sched.AddPeriodic("layer2b", opts.Layer2bPeriod, opts.Layer2bPeriod, PriorityLayer2b, e.jobLayer2Slow)
	e.sched.AddPeriodic("layer3a", opts.Layer3aPeriod, opts.Layer3aPeriod, PriorityLayer3a, e.jobLayer3Periodic)
	if err := e.sched.AddDaily("daily_close", opts.DailyClose, PriorityForceClose, e.jobForceClose); err != nil {
		return nil, err
	}
	// Wall-clock slots exist from construction so AttachDaily work lands
	// on an already-anchored schedule; unattached slots are no-ops.
	for _, slot := range DailySlots {
		if err := e.sched.AddDaily("daily_"+slot, slot, PriorityDaily, func(context.Context, time.Time) error { return nil }); err != nil {
			return nil, err
		}
	}
	if opts.RuleSource != nil {
		e.sched.AddPeriodic("rule_refresh", opts.RuleRefresh, 0, PriorityDaily, e.jobRuleRefresh)
	}
	return e, nil
}

// AttachDaily registers embedder work on one of the daily wall-clock
// slots (or any other broker-local HH:MM).
func (e *Engine) AttachDaily(hhmm string, fn JobFunc) error {
	return e.sched.AddDaily("daily_"+hhmm, hhmm, PriorityDaily, fn)
}

// InstallRule validates and installs a rule, recording acceptance either
// way.
func (e *Engine) InstallRule(now time.Time, r *rules.Rule) error {
	err := e.store.Install(r)
	ev := journal.Event{
		Type:     journal.RuleActivated,
		Symbol:   r.Symbol,
		Accepted: journal.Bool(err == nil),
	}
	if err != nil {
		ev.Reason = err.Error()
	} else {
		ev.Reason = "version " + r.Version
	}
	e.rec.Emit(now, ev)
	return err
}

// Rules exposes the rule history for the CLI.
func (e *Engine) Rules() *rules.Store { return e.store }

// Book exposes the position book for read-only inspection.
func (e *Engine) Book() *position.Book { return e.book }

// OnTick is the main loop step: market view update, Layer-1, per-tick
// exits, entry evaluation, due scheduled jobs, advisory settlement.
func (e *Engine) OnTick(ctx context.Context, tick market.Tick) error {
	if sc, ok := e.clock.(*SimClock); ok {
		sc.Advance(tick.Time)
	}
	now := e.clock.Now()

	applied, err := e.view.UpdateTick(tick)
	if err != nil {
		e.log.Warn("tick rejected", "err", err)
		return nil
	}
	if !applied {
		// Duplicate or out-of-order delivery: nothing to evaluate.
		return nil
	}

	e.book.Observe(tick)

	if err := e.l1.Check(ctx, now, tick); err != nil {
		e.degrade(now, "close_failed", err)
	}
	e.runExits(ctx, now, nil)
	e.tryEntry(ctx, now)
	e.sched.Advance(ctx, now)
	e.settleAdvisory(ctx, now)
	return nil
}

// OnBarClose feeds a finished candle and its indicator vector into the
// view and runs the bar-close exit pass.
func (e *Engine) OnBarClose(ctx context.Context, tf market.Timeframe, c market.Candle, ind market.Indicators) error {
	if err := e.view.UpdateBars(tf, c); err != nil {
		return fmt.Errorf("bar close %s: %w", tf, err)
	}
	e.view.UpdateIndicators(tf, ind)

	now := e.clock.Now()
	e.runExits(ctx, now, map[market.Timeframe]bool{tf: true})
	if tf == market.M15 {
		// A fresh M15 vector can satisfy an indicator gate between ticks.
		e.tryEntry(ctx, now)
	}
	e.settleAdvisory(ctx, now)
	return nil
}

func (e *Engine) runExits(ctx context.Context, now time.Time, barClosed map[market.Timeframe]bool) {
	snap := e.view.Snapshot(now)
	if !snap.HaveTick {
		return
	}
	for _, p := range e.book.Snapshot() {
		acts := evaluate.Exits(evaluate.ExitInput{
			Position:  p,
			Snap:      snap,
			Now:       now,
			Symbol:    e.opts.Symbol,
			BarClosed: barClosed,
		})
		if !e.applyActions(ctx, now, p.ID, acts) {
			return
		}
	}
}

// applyActions executes exit actions in order. Returns false when the
// engine degraded and the caller should stop processing this step.
func (e *Engine) applyActions(ctx context.Context, now time.Time, id string, acts []evaluate.Action) bool {
	for _, a := range acts {
		switch a.Kind {
		case evaluate.ActionSetTrailing:
			if err := e.book.SetTrailing(ctx, id, a.TrailPrice); err != nil && !errors.Is(err, position.ErrNotFound) {
				e.log.Warn("trailing update failed", "position", id, "err", err)
			}

		case evaluate.ActionPartialClose, evaluate.ActionFullClose:
			if a.TPIndex >= 0 {
				if err := e.book.MarkTP(id, a.TPIndex); err != nil {
					e.invariantFailure(ctx, now, err)
					return false
				}
			}
			evType := a.Event
			if _, err := e.book.Close(ctx, now, id, a.Volume, a.Reason, evType); err != nil {
				if errors.Is(err, position.ErrNotFound) {
					return true
				}
				if errors.Is(err, position.ErrInvariant) {
					e.invariantFailure(ctx, now, err)
					return false
				}
				e.degrade(now, "close_failed", err)
				return false
			}
			if a.Kind == evaluate.ActionFullClose {
				return true
			}
		}
	}
	return true
}

// invariantFailure is the state-corruption path: emergency-stop, best
// effort close-all, degraded mode.
func (e *Engine) invariantFailure(ctx context.Context, now time.Time, err error) {
	e.rec.Emit(now, journal.Event{
		Type:     journal.EmergencyStop,
		Reason:   "invariant: " + err.Error(),
		Severity: string(advisory.SeverityCritical),
	})
	if cerr := e.book.CloseAll(ctx, now, "invariant_violation", journal.FullClose); cerr != nil {
		e.log.Error("close-all after invariant violation failed", "err", cerr)
	}
	e.degradedFlag = true
	e.degradedReason = err.Error()
}

func (e *Engine) tryEntry(ctx context.Context, now time.Time) {
	if e.Degraded() || e.entriesSuppressed || e.inWeekend(now) {
		return
	}
	r := e.store.Current(now)
	if r == nil {
		return // rule-expired mode: manage existing positions only
	}
	snap := e.view.Snapshot(now)
	acct, err := e.gw.Account(ctx)
	if err != nil {
		e.log.Warn("account info unavailable", "err", err)
		return
	}

	d := evaluate.Entry(evaluate.EntryInput{
		Rule:      r,
		Snap:      snap,
		Now:       now,
		OpenCount: e.book.Count(e.opts.Symbol.Name),
		Account:   acct,
		Symbol:    e.opts.Symbol,
		BaseLot:   e.opts.BaseLot,
		CheckMargin: func(dir market.Direction, volume float64) error {
			return e.gw.CheckMargin(ctx, dir, volume)
		},
	})
	if !d.Enter {
		e.log.Debug("entry rejected", "reason", d.Reason)
		return
	}

	_, err = e.book.Open(ctx, now, position.OpenIntent{
		Symbol:         e.opts.Symbol.Name,
		Direction:      d.Direction,
		Volume:         d.Volume,
		StopPrice:      d.StopPrice,
		InsurancePrice: d.InsurancePrice,
		Equity:         acct.Equity,
		Rule:           *r,
	})
	if err != nil {
		if broker.Fatal(err) {
			e.entriesSuppressed = true
			e.log.Error("fatal gateway error, entries suppressed", "err", err)
			return
		}
		e.log.Warn("entry order failed", "err", err)
	}
}

func (e *Engine) jobLayer2Fast(ctx context.Context, now time.Time) error {
	snap := e.view.Snapshot(now)
	trigs := e.l2.CheckFast(now, snap, e.book.Snapshot())
	e.l3.Escalate(ctx, now, snap, trigs)
	return nil
}

func (e *Engine) jobLayer2Slow(ctx context.Context, now time.Time) error {
	snap := e.view.Snapshot(now)
	trigs := e.l2.CheckSlow(now, snap, e.book.Snapshot())
	e.l3.Escalate(ctx, now, snap, trigs)
	return nil
}

func (e *Engine) jobLayer3Periodic(ctx context.Context, now time.Time) error {
	e.l3.Periodic(ctx, now, e.view.Snapshot(now))
	return nil
}

func (e *Engine) jobForceClose(ctx context.Context, now time.Time) error {
	if err := e.book.CloseAll(ctx, now, "daily_close", journal.ForceClose); err != nil {
		e.degrade(now, "close_failed", err)
		return err
	}
	return nil
}

func (e *Engine) jobRuleRefresh(ctx context.Context, now time.Time) error {
	r, err := e.opts.RuleSource(ctx, now)
	if err != nil {
		return fmt.Errorf("rule source: %w", err)
	}
	if r == nil {
		return nil
	}
	if err := e.InstallRule(now, r); err != nil {
		e.log.Warn("rule rejected", "err", err)
	}
	return nil
}

func (e *Engine) settleAdvisory(ctx context.Context, now time.Time) {
	snap := e.view.Snapshot(now)
	if e.opts.Deterministic {
		e.l3.Settle(ctx, now, snap)
		return
	}
	e.l3.Poll(ctx, now, snap)
}

func (e *Engine) degrade(now time.Time, reason string, err error) {
	if e.degradedFlag {
		return
	}
	e.degradedFlag = true
	e.degradedReason = fmt.Sprintf("%s: %v", reason, err)
	e.log.Error("engine degraded", "reason", reason, "err", err)
	e.rec.Emit(now, journal.Event{
		Type:     journal.EmergencyStop,
		Reason:   e.degradedReason,
		Severity: string(advisory.SeverityCritical),
	})
}

// Degraded reports whether the engine refuses new entries: an explicit
// degradation or a failing event sink.
func (e *Engine) Degraded() bool {
	return e.degradedFlag || e.rec.Degraded()
}

// Status is a point-in-time operational summary.
type Status struct {
	Time              time.Time `json:"time"`
	Degraded          bool      `json:"degraded"`
	DegradedReason    string    `json:"degraded_reason,omitempty"`
	EntriesSuppressed bool      `json:"entries_suppressed"`
	OpenPositions     int       `json:"open_positions"`
	RealizedProfit    float64   `json:"realized_profit"`
	RuleActive        bool      `json:"rule_active"`
	RulesInstalled    int       `json:"rules_installed"`
	Layer1Skipped     int64     `json:"layer1_skipped"`
	DroppedTicks      int64     `json:"dropped_ticks"`
	EventSeq          uint64    `json:"event_seq"`
}

func (e *Engine) Status() Status {
	now := e.clock.Now()
	return Status{
		Time:              now,
		Degraded:          e.Degraded(),
		DegradedReason:    e.degradedReason,
		EntriesSuppressed: e.entriesSuppressed,
		OpenPositions:     e.book.Count(e.opts.Symbol.Name),
		RealizedProfit:    e.book.Realized(),
		RuleActive:        e.store.Current(now) != nil,
		RulesInstalled:    e.store.Len(),
		Layer1Skipped:     e.l1.Skipped(),
		DroppedTicks:      e.view.Dropped(),
		EventSeq:          e.rec.Seq(),
	}
}

// Close finishes the current step's advisory work within a 5 s budget.
// Calls still in flight after the budget are recorded as UnknownOutcome
// for reconciliation.
func (e *Engine) Close(ctx context.Context) error {
	now := e.clock.Now()
	done := make(chan struct{})
	go func() {
		e.l3.Settle(ctx, now, e.view.Snapshot(now))
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		e.rec.Emit(now, journal.Event{
			Type:   journal.UnknownOutcome,
			Reason: "advisory calls unresolved at shutdown",
		})
		return fmt.Errorf("engine: shutdown budget exceeded")
	}
}

var weekdays = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday, "WED": time.Wednesday,
	"THU": time.Thursday, "FRI": time.Friday, "SAT": time.Saturday,
}

// parseWeekMinute parses "FRI 23:00" into a minute offset within the week.
func parseWeekMinute(s string) (int, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return 0, fmt.Errorf("engine: weekend bound %q, want \"DDD HH:MM\"", s)
	}
	wd, ok := weekdays[strings.ToUpper(parts[0])]
	if !ok {
		return 0, fmt.Errorf("engine: weekend bound %q: unknown weekday", s)
	}
	var hh, mm int
	if _, err := fmt.Sscanf(parts[1], "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("engine: weekend bound %q: %w", s, err)
	}
	return int(wd)*24*60 + hh*60 + mm, nil
}

func (e *Engine) inWeekend(now time.Time) bool {
	if e.weekendStart < 0 || e.weekendEnd < 0 {
		return false
	}
	m := int(now.Weekday())*24*60 + now.Hour()*60 + now.Minute()
	if e.weekendStart <= e.weekendEnd {
		return m >= e.weekendStart && m < e.weekendEnd
	}
	return m >= e.weekendStart || m < e.weekendEnd
}
