package engine

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/fxengine/advisory"
	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/broker/sim"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/rules"
)

var usdjpy = broker.SymbolInfo{
	Name: "USDJPY", PipScale: market.PipScaleJPY, ContractSize: 100_000,
	VolumeMin: 0.01, VolumeMax: 10, VolumeStep: 0.01,
}

// Monday 09:00 UTC.
var monday = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	e      *Engine
	gw     *sim.Engine
	mem    *journal.Memory
	oracle *advisory.Static
}

func newFixture(t *testing.T, start time.Time, mutate func(*Options)) *fixture {
	t.Helper()
	gw := sim.NewEngine(broker.Account{Currency: "JPY", Balance: 1_000_000}, usdjpy)
	mem := journal.NewMemory()
	oracle := advisory.NewStatic()

	opts := Options{
		Symbol:        usdjpy,
		BaseLot:       0.1,
		Deterministic: true,
		WeekendStart:  "FRI 23:00",
		WeekendEnd:    "MON 07:00",
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(NewSimClock(start, time.UTC), gw, oracle, mem, slog.Default(), opts)
	require.NoError(t, err)
	return &fixture{e: e, gw: gw, mem: mem, oracle: oracle}
}

func (f *fixture) tick(t *testing.T, at time.Time, mid float64) {
	t.Helper()
	tk := market.Tick{Time: at, Bid: mid, Ask: mid}
	f.gw.SetTick(tk)
	require.NoError(t, f.e.OnTick(context.Background(), tk))
}

func (f *fixture) install(t *testing.T, r *rules.Rule) {
	t.Helper()
	require.NoError(t, f.e.InstallRule(r.GeneratedAt, r))
}

func TestScenarioStagedTakeProfit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)
	f.install(t, rules.Sample(monday))

	f.tick(t, monday.Add(1*time.Second), 149.60)
	f.tick(t, monday.Add(2*time.Second), 149.70)
	f.tick(t, monday.Add(3*time.Second), 149.80)
	f.tick(t, monday.Add(4*time.Second), 149.90)

	entries := f.mem.ByType(journal.EntryExecuted)
	require.Len(t, entries, 1)
	assert.Equal(t, 149.60, entries[0].Price)
	assert.InDelta(t, 0.08, entries[0].Volume, 1e-9)

	partials := f.mem.ByType(journal.PartialClose)
	require.Len(t, partials, 2)
	assert.Equal(t, "tp1", partials[0].Reason)
	assert.InDelta(t, 0.08*0.30, partials[0].Volume, 1e-9)
	assert.Equal(t, "tp2", partials[1].Reason)
	assert.InDelta(t, 0.08*0.40, partials[1].Volume, 1e-9)

	fulls := f.mem.ByType(journal.FullClose)
	require.Len(t, fulls, 1)
	assert.Equal(t, "tp3", fulls[0].Reason)
	assert.Equal(t, 149.90, fulls[0].Price)

	closed := f.e.Book().Closed()
	require.Len(t, closed, 1)
	// 10*0.3 + 20*0.4 + 30*0.3 pips on a volume basis.
	assert.InDelta(t, 20.0, closed[0].RealizedPips, 1e-6)
	assert.Zero(t, closed[0].VolumeRemaining)
}

func TestScenarioHardStopLayer1(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)
	f.install(t, rules.Sample(monday))

	f.tick(t, monday.Add(1*time.Second), 149.60)
	require.Len(t, f.mem.ByType(journal.EntryExecuted), 1)

	// One step straight down 50 pips.
	f.tick(t, monday.Add(2*time.Second), 149.10)

	fulls := f.mem.ByType(journal.FullClose)
	require.Len(t, fulls, 1)
	assert.Equal(t, "hard_stop_50pips", fulls[0].Reason)
	assert.Equal(t, 149.10, fulls[0].Price)

	// A Layer-1 close is routine, not a degradation.
	assert.Empty(t, f.mem.ByType(journal.EmergencyStop))
	assert.False(t, f.e.Degraded())
}

func TestScenarioAdvisoryTimeoutClosesAll(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)
	f.install(t, rules.Sample(monday))
	f.oracle.Queue(advisory.Verdict{}, errors.New("oracle unreachable"))

	f.tick(t, monday.Add(1*time.Second), 149.60)
	require.Len(t, f.mem.ByType(journal.EntryExecuted), 1)

	// M15 bar closing through critical_support[0] = 149.20.
	require.NoError(t, f.e.OnBarClose(context.Background(), market.M15, market.Candle{
		Time: monday.Add(-15 * time.Minute), Open: 149.30, High: 149.32, Low: 149.10, Close: 149.15,
	}, market.Indicators{}))

	// Next tick carries time past the Layer-2a deadline.
	f.tick(t, monday.Add(62*time.Second), 149.55)

	require.Len(t, f.mem.ByType(journal.Layer2Trigger), 1)
	verdicts := f.mem.ByType(journal.Layer3bVerdict)
	require.Len(t, verdicts, 1)
	assert.Contains(t, verdicts[0].Reason, "close_all")

	fulls := f.mem.ByType(journal.FullClose)
	require.Len(t, fulls, 1)
	assert.Equal(t, "advisory_timeout", fulls[0].Reason)
	assert.Equal(t, 0, f.e.Book().Count("USDJPY"))
}

func TestScenarioRuleExpiry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)
	f.install(t, rules.Sample(monday)) // valid for one hour

	f.tick(t, monday.Add(1*time.Second), 149.60)
	require.Len(t, f.mem.ByType(journal.EntryExecuted), 1)

	// Past expiry the snapshot rule still manages the open position: the
	// ladder fires all three levels.
	f.tick(t, monday.Add(time.Hour+time.Second), 149.90)
	assert.Len(t, f.mem.ByType(journal.FullClose), 1)

	// In-zone tick after expiry: rule-expired mode, no new entry.
	f.tick(t, monday.Add(time.Hour+2*time.Second), 149.60)
	assert.Len(t, f.mem.ByType(journal.EntryExecuted), 1)
	assert.False(t, f.e.Status().RuleActive)
}

func TestScenarioWeekendClose(t *testing.T) {
	t.Parallel()

	friday := time.Date(2026, 3, 6, 22, 59, 0, 0, time.UTC)
	f := newFixture(t, friday, nil)

	r := rules.Sample(friday)
	r.ValidUntil = friday.Add(96 * time.Hour)
	r.Exit.TimeExits = rules.TimeExits{} // isolate the daily-close job
	f.install(t, r)

	f.tick(t, friday.Add(30*time.Second), 149.60)
	require.Len(t, f.mem.ByType(journal.EntryExecuted), 1)

	// 23:00:00: the daily-close job fires ahead of Layer-3a.
	f.tick(t, friday.Add(time.Minute), 149.60)
	fulls := f.mem.ByType(journal.ForceClose)
	require.Len(t, fulls, 1)
	assert.Equal(t, "daily_close", fulls[0].Reason)

	// Monday 06:59, in zone: still inside the weekend window.
	monday0659 := time.Date(2026, 3, 9, 6, 59, 0, 0, time.UTC)
	f.tick(t, monday0659, 149.60)
	assert.Len(t, f.mem.ByType(journal.EntryExecuted), 1)

	// Monday 07:01: trading resumes.
	f.tick(t, monday0659.Add(2*time.Minute), 149.60)
	assert.Len(t, f.mem.ByType(journal.EntryExecuted), 2)
}

func TestScenarioIdempotentTick(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)
	f.install(t, rules.Sample(monday))

	tk := market.Tick{Time: monday.Add(time.Second), Bid: 149.60, Ask: 149.60}
	f.gw.SetTick(tk)
	require.NoError(t, f.e.OnTick(context.Background(), tk))
	require.NoError(t, f.e.OnTick(context.Background(), tk))

	assert.Len(t, f.mem.ByType(journal.EntryExecuted), 1)
	assert.Equal(t, 1, f.e.Book().Count("USDJPY"))
}

func TestEngineDegradesOnCloseFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)
	f.install(t, rules.Sample(monday))

	f.tick(t, monday.Add(1*time.Second), 149.60)
	require.Len(t, f.mem.ByType(journal.EntryExecuted), 1)

	// The stop-loss close fails at the gateway.
	f.gw.FailNext(broker.ErrRequote, 10)
	f.tick(t, monday.Add(2*time.Second), 149.40)

	assert.True(t, f.e.Degraded())
	stops := f.mem.ByType(journal.EmergencyStop)
	require.NotEmpty(t, stops)
	assert.Contains(t, stops[0].Reason, "close_failed")

	// Degraded mode refuses new entries.
	f.gw.FailNext(nil, 0)
	f.tick(t, monday.Add(3*time.Second), 149.60)
	assert.Len(t, f.mem.ByType(journal.EntryExecuted), 1)
}

func TestEngineSuppressesEntriesOnFatalOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)
	f.install(t, rules.Sample(monday))

	f.gw.FailNext(broker.ErrNoMoney, 1)
	f.tick(t, monday.Add(1*time.Second), 149.60)
	assert.Empty(t, f.mem.ByType(journal.EntryExecuted))

	// The gateway recovered, but fatal failures latch.
	f.tick(t, monday.Add(2*time.Second), 149.60)
	assert.Empty(t, f.mem.ByType(journal.EntryExecuted))
	assert.True(t, f.e.Status().EntriesSuppressed)
	assert.False(t, f.e.Degraded())
}

func TestEngineNoEntryInAvoidWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)
	r := rules.Sample(monday)
	r.Entry.TimeFilter.AvoidTimes = []rules.TimeWindow{{Start: "09:00", End: "09:30", Reason: "news"}}
	f.install(t, r)

	f.tick(t, monday.Add(1*time.Second), 149.60)
	assert.Empty(t, f.mem.ByType(journal.EntryExecuted))

	f.tick(t, monday.Add(31*time.Minute), 149.60)
	assert.Len(t, f.mem.ByType(journal.EntryExecuted), 1)
}

func TestEngineLayer3aPeriodicVerdict(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)
	f.install(t, rules.Sample(monday))

	f.tick(t, monday.Add(1*time.Second), 149.60)
	// Carry time past the 900 s Layer-3a deadline.
	f.tick(t, monday.Add(15*time.Minute+2*time.Second), 149.62)

	verdicts := f.mem.ByType(journal.Layer3aVerdict)
	require.Len(t, verdicts, 1)
	assert.Contains(t, verdicts[0].Reason, "continue")
	assert.Equal(t, 1, f.e.Book().Count("USDJPY"))
	require.Len(t, f.oracle.PeriodicCalls(), 1)
	assert.InDelta(t, 2.0, f.oracle.PeriodicCalls()[0].UnrealizedPips, 1e-6)
}

func TestEngineRuleRefreshSource(t *testing.T) {
	t.Parallel()

	var served *rules.Rule
	f := newFixture(t, monday, func(o *Options) {
		o.RuleRefresh = time.Minute
		o.RuleSource = func(ctx context.Context, now time.Time) (*rules.Rule, error) {
			return served, nil
		}
	})

	f.tick(t, monday.Add(1*time.Second), 149.40) // out of zone; source still empty
	assert.Empty(t, f.mem.ByType(journal.RuleActivated))

	served = rules.Sample(monday)
	f.tick(t, monday.Add(62*time.Second), 149.40)

	acts := f.mem.ByType(journal.RuleActivated)
	require.Len(t, acts, 1)
	require.NotNil(t, acts[0].Accepted)
	assert.True(t, *acts[0].Accepted)
	assert.True(t, f.e.Status().RuleActive)
}

func TestEngineRejectsInvalidRule(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)
	r := rules.Sample(monday)
	r.Confidence = 1.5
	assert.Error(t, f.e.InstallRule(monday, r))

	acts := f.mem.ByType(journal.RuleActivated)
	require.Len(t, acts, 1)
	require.NotNil(t, acts[0].Accepted)
	assert.False(t, *acts[0].Accepted)
}

func TestEngineStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)
	f.install(t, rules.Sample(monday))
	f.tick(t, monday.Add(1*time.Second), 149.60)

	st := f.e.Status()
	assert.Equal(t, 1, st.OpenPositions)
	assert.True(t, st.RuleActive)
	assert.Equal(t, 1, st.RulesInstalled)
	assert.False(t, st.Degraded)
	assert.NotZero(t, st.EventSeq)
}

func TestEngineAttachDailySlot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)

	var fired []time.Time
	require.NoError(t, f.e.AttachDaily("12:00", func(_ context.Context, now time.Time) error {
		fired = append(fired, now)
		return nil
	}))

	f.tick(t, monday.Add(1*time.Second), 149.40) // anchors the schedule
	assert.Empty(t, fired)

	// Carried past noon: the attached slot runs once, the stock no-op
	// slots stay silent.
	f.tick(t, monday.Add(3*time.Hour+30*time.Second), 149.40)
	require.Len(t, fired, 1)
	assert.Equal(t, 12, fired[0].Hour())
	assert.Empty(t, f.mem.ByType(journal.JobError))

	// Same day: no second firing.
	f.tick(t, monday.Add(4*time.Hour), 149.40)
	assert.Len(t, fired, 1)
}

func TestEngineEntryOnBarClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)
	r := rules.Sample(monday)
	r.Entry.Indicators.RSI = &rules.RSIPredicate{Timeframe: market.M15, Min: 40, Max: 60}
	f.install(t, r)

	// In zone, but the M15 RSI gate has no vector yet.
	f.tick(t, monday.Add(1*time.Second), 149.60)
	assert.Empty(t, f.mem.ByType(journal.EntryExecuted))

	// An H1 close does not re-evaluate entries.
	require.NoError(t, f.e.OnBarClose(context.Background(), market.H1, market.Candle{
		Time: monday.Add(-time.Hour), Open: 149.55, High: 149.62, Low: 149.54, Close: 149.60,
	}, market.Indicators{RSI: 55}))
	assert.Empty(t, f.mem.ByType(journal.EntryExecuted))

	// The M15 close publishes the vector the gate wants; the entry fires
	// between ticks.
	require.NoError(t, f.e.OnBarClose(context.Background(), market.M15, market.Candle{
		Time: monday.Add(-15 * time.Minute), Open: 149.55, High: 149.62, Low: 149.54, Close: 149.60,
	}, market.Indicators{RSI: 55}))
	entries := f.mem.ByType(journal.EntryExecuted)
	require.Len(t, entries, 1)
	assert.Equal(t, 149.60, entries[0].Price)
}

func TestEngineCloseSettlesAdvisory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, monday, nil)
	f.install(t, rules.Sample(monday))
	f.tick(t, monday.Add(1*time.Second), 149.60)

	require.NoError(t, f.e.Close(context.Background()))
}
