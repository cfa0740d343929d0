package position

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/broker/sim"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/rules"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	book *Book
	gw   *sim.Engine
	mem  *journal.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := sim.NewEngine(
		broker.Account{Currency: "JPY", Balance: 1_000_000},
		broker.SymbolInfo{
			Name: "USDJPY", PipScale: market.PipScaleJPY, ContractSize: 100000,
			VolumeMin: 0.01, VolumeMax: 10, VolumeStep: 0.01,
		},
	)
	gw.SetTick(market.Tick{Time: t0, Bid: 149.600, Ask: 149.600})
	mem := journal.NewMemory()
	rec := journal.NewRecorder(mem, slog.Default())
	return &fixture{book: NewBook(gw, rec, slog.Default(), market.PipScaleJPY), gw: gw, mem: mem}
}

func (f *fixture) openBuy(t *testing.T, volume float64) Position {
	t.Helper()
	p, err := f.book.Open(context.Background(), t0, OpenIntent{
		Symbol:    "USDJPY",
		Direction: market.Buy,
		Volume:    volume,
		StopPrice: 149.45,
		Equity:    1_000_000,
		Rule:      *rules.Sample(t0),
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) setMid(price float64) {
	f.gw.SetTick(market.Tick{Time: t0.Add(time.Minute), Bid: price, Ask: price})
}

func TestOpenEmitsEntryExecuted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.openBuy(t, 0.08)

	assert.Equal(t, StatusOpen, p.Status)
	assert.Equal(t, 0.08, p.VolumeInitial)
	assert.Equal(t, 1, f.book.Count("USDJPY"))

	entries := f.mem.ByType(journal.EntryExecuted)
	require.Len(t, entries, 1)
	assert.Equal(t, p.ID, entries[0].PositionID)
	assert.Equal(t, 0.08, entries[0].Volume)
}

func TestStagedPartialCloses(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	p := f.openBuy(t, 0.08)

	// 30% of initial at +10 pips.
	f.setMid(149.700)
	after, err := f.book.Close(ctx, t0.Add(time.Minute), p.ID, 0.08*0.30, "tp_level_0", journal.FullClose)
	require.NoError(t, err)
	assert.InDelta(t, 0.056, after.VolumeRemaining, 1e-9)
	require.NoError(t, f.book.MarkTP(p.ID, 0))

	// 40% of initial at +20 pips.
	f.setMid(149.800)
	after, err = f.book.Close(ctx, t0.Add(2*time.Minute), p.ID, 0.08*0.40, "tp_level_1", journal.FullClose)
	require.NoError(t, err)
	assert.InDelta(t, 0.024, after.VolumeRemaining, 1e-9)
	require.NoError(t, f.book.MarkTP(p.ID, 1))

	// Remainder at +30 pips.
	f.setMid(149.900)
	after, err = f.book.Close(ctx, t0.Add(3*time.Minute), p.ID, after.VolumeRemaining, "tp_level_2", journal.FullClose)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, after.Status)
	assert.Zero(t, after.VolumeRemaining)

	// Realized pips on volume basis: 10*0.3 + 20*0.4 + 30*0.3 = 20.
	assert.InDelta(t, 20, after.RealizedPips, 1e-6)

	partials := f.mem.ByType(journal.PartialClose)
	require.Len(t, partials, 2)
	full := f.mem.ByType(journal.FullClose)
	require.Len(t, full, 1)
	assert.InDelta(t, 30, full[0].Pips, 1e-6)

	// Events for the position are in sequence order.
	var lastSeq uint64
	for _, ev := range f.mem.Events() {
		require.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
	}
	assert.Equal(t, 0, f.gw.OpenTickets())
}

func TestCloseVolumeClampedToRemaining(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.openBuy(t, 0.05)
	f.setMid(149.650)

	after, err := f.book.Close(context.Background(), t0, p.ID, 1.0, "forced", journal.ForceClose)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, after.Status)
	assert.Len(t, f.mem.ByType(journal.ForceClose), 1)
}

func TestMarkTPOutOfOrderIsInvariantViolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.openBuy(t, 0.08)

	err := f.book.MarkTP(p.ID, 1)
	assert.ErrorIs(t, err, ErrInvariant)
	require.NoError(t, f.book.MarkTP(p.ID, 0))
	require.NoError(t, f.book.MarkTP(p.ID, 1))
}

func TestTrailingNeverMovesAdversely(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	p := f.openBuy(t, 0.08)

	require.NoError(t, f.book.SetTrailing(ctx, p.ID, 149.70))
	require.NoError(t, f.book.SetTrailing(ctx, p.ID, 149.60)) // adverse, ignored
	got, ok := f.book.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, 149.70, got.TrailingStop)

	require.NoError(t, f.book.SetTrailing(ctx, p.ID, 149.75))
	got, _ = f.book.Get(p.ID)
	assert.Equal(t, 149.75, got.TrailingStop)
}

func TestObserveTracksHighWater(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.openBuy(t, 0.08)

	f.book.Observe(market.Tick{Time: t0, Bid: 149.80, Ask: 149.81})
	f.book.Observe(market.Tick{Time: t0, Bid: 149.70, Ask: 149.71}) // below high water
	got, _ := f.book.Get(p.ID)
	assert.InDelta(t, 20, got.HighWaterPips, 1e-6)
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.openBuy(t, 0.03)
	f.openBuy(t, 0.04)
	f.setMid(149.62)

	require.NoError(t, f.book.CloseAll(context.Background(), t0, "weekend_close", journal.ForceClose))
	assert.Equal(t, 0, f.book.Count("USDJPY"))
	assert.Len(t, f.mem.ByType(journal.ForceClose), 2)
	assert.Len(t, f.book.Closed(), 2)
}

func TestSnapshotOrderedByID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.openBuy(t, 0.03)
	f.openBuy(t, 0.04)

	snap := f.book.Snapshot()
	require.Len(t, snap, 2)
	assert.Less(t, snap[0].ID, snap[1].ID)
}
