package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rustyeddy/fxengine/advisory"
	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/position"
)

// Layer3 coordinates the advisory oracle: periodic per-position reviews
// (3a) and event-driven emergency reviews (3b) fed by Layer-2
// escalations. Oracle calls run asynchronously; verdicts are applied
// from the loop thread via Poll or Settle. On oracle failure the safe
// default applies: 3a continues, 3b closes.
type Layer3 struct {
	oracle advisory.Oracle
	book   *position.Book
	rec    *journal.Recorder
	log    *slog.Logger
	symbol broker.SymbolInfo

	timeoutPeriodic  time.Duration
	timeoutEmergency time.Duration
	dedupWindow      time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time // positionID|kind of last dispatched trigger

	wg      sync.WaitGroup
	results chan verdictResult
}

type verdictResult struct {
	positionID string
	emergency  bool
	trigger    advisory.Trigger
	verdict    advisory.Verdict
}

// Layer3Config carries the coordinator timeouts.
type Layer3Config struct {
	TimeoutPeriodic  time.Duration // default 3 s
	TimeoutEmergency time.Duration // default 10 s
	DedupWindow      time.Duration // default 60 s
}

func NewLayer3(oracle advisory.Oracle, book *position.Book, rec *journal.Recorder, log *slog.Logger, symbol broker.SymbolInfo, cfg Layer3Config) *Layer3 {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TimeoutPeriodic <= 0 {
		cfg.TimeoutPeriodic = 3 * time.Second
	}
	if cfg.TimeoutEmergency <= 0 {
		cfg.TimeoutEmergency = 10 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Minute
	}
	return &Layer3{
		oracle:           oracle,
		book:             book,
		rec:              rec,
		log:              log,
		symbol:           symbol,
		timeoutPeriodic:  cfg.TimeoutPeriodic,
		timeoutEmergency: cfg.TimeoutEmergency,
		dedupWindow:      cfg.DedupWindow,
		lastSeen:         make(map[string]time.Time),
		results:          make(chan verdictResult, 256),
	}
}

// Periodic launches a 3a review for every open position.
func (l *Layer3) Periodic(ctx context.Context, now time.Time, snap market.Snapshot) {
	for _, p := range l.book.Snapshot() {
		l.submit(ctx, buildSnapshot(p, snap, now, l.symbol), advisory.Trigger{}, false)
	}
}

// Escalate dispatches 3b reviews for Layer-2 (or 3a) triggers. Identical
// consecutive triggers inside the dedup window are dropped.
func (l *Layer3) Escalate(ctx context.Context, now time.Time, snap market.Snapshot, triggers []advisory.Trigger) {
	for _, trig := range triggers {
		key := trig.PositionID + "|" + trig.Kind
		l.mu.Lock()
		last, seen := l.lastSeen[key]
		if seen && now.Sub(last) < l.dedupWindow {
			l.mu.Unlock()
			continue
		}
		l.lastSeen[key] = now
		l.mu.Unlock()

		p, ok := l.book.Get(trig.PositionID)
		if !ok {
			continue
		}
		l.submit(ctx, buildSnapshot(p, snap, now, l.symbol), trig, true)
	}
}

func (l *Layer3) submit(ctx context.Context, snap advisory.Snapshot, trig advisory.Trigger, emergency bool) {
	timeout := l.timeoutPeriodic
	if emergency {
		timeout = l.timeoutEmergency
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var v advisory.Verdict
		var err error
		if emergency {
			v, err = l.oracle.Emergency(cctx, snap, trig)
		} else {
			v, err = l.oracle.Periodic(cctx, snap)
		}
		if err != nil {
			v = l.safeDefault(emergency)
			l.log.Warn("advisory unavailable, safe default applied",
				"position", snap.PositionID, "emergency", emergency, "err", err)
		}
		l.results <- verdictResult{positionID: snap.PositionID, emergency: emergency, trigger: trig, verdict: v}
	}()
}

// safeDefault is the verdict substituted when the oracle fails or times
// out. Unknown risk on an already-flagged anomaly resolves to closing.
func (l *Layer3) safeDefault(emergency bool) advisory.Verdict {
	if emergency {
		return advisory.Verdict{Action: advisory.CloseAllNow, Reason: "advisory_timeout", Severity: advisory.SeverityCritical}
	}
	return advisory.Verdict{Action: advisory.Continue, Reason: "advisory_timeout", Severity: advisory.SeverityLow}
}

// Poll drains completed verdicts without blocking and applies them.
// Escalating 3a verdicts are re-dispatched as 3b triggers.
func (l *Layer3) Poll(ctx context.Context, now time.Time, snap market.Snapshot) {
	var batch []verdictResult
	for {
		select {
		case r := <-l.results:
			batch = append(batch, r)
		default:
			l.applyBatch(ctx, now, snap, batch)
			return
		}
	}
}

// Settle waits for all in-flight oracle calls and applies their
// verdicts. Simulated runs use it to stay deterministic. Results are
// drained while waiting so senders never block on the channel buffer.
func (l *Layer3) Settle(ctx context.Context, now time.Time, snap market.Snapshot) {
	settled := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(settled)
	}()
	var batch []verdictResult
	for {
		select {
		case r := <-l.results:
			batch = append(batch, r)
		case <-settled:
			for {
				select {
				case r := <-l.results:
					batch = append(batch, r)
				default:
					l.applyBatch(ctx, now, snap, batch)
					return
				}
			}
		}
	}
}

// applyBatch resolves one verdict per position before applying: when a
// position collected several verdicts in the batch, the most severe
// wins, emergency breaking ties. Positions apply in arrival order.
func (l *Layer3) applyBatch(ctx context.Context, now time.Time, snap market.Snapshot, batch []verdictResult) {
	byPos := make(map[string]verdictResult, len(batch))
	var order []string
	for _, r := range batch {
		prev, seen := byPos[r.positionID]
		if !seen {
			byPos[r.positionID] = r
			order = append(order, r.positionID)
			continue
		}
		if r.verdict.Severity.Rank() > prev.verdict.Severity.Rank() ||
			(r.verdict.Severity.Rank() == prev.verdict.Severity.Rank() && r.emergency && !prev.emergency) {
			byPos[r.positionID] = r
		}
	}
	for _, id := range order {
		l.apply(ctx, now, snap, byPos[id])
	}
}

func (l *Layer3) apply(ctx context.Context, now time.Time, snap market.Snapshot, r verdictResult) {
	evType := journal.Layer3aVerdict
	if r.emergency {
		evType = journal.Layer3bVerdict
	}
	l.rec.Emit(now, journal.Event{
		Type:       evType,
		PositionID: r.positionID,
		Reason:     fmt.Sprintf("%s: %s", r.verdict.Action, r.verdict.Reason),
		Severity:   string(r.verdict.Severity),
	})

	p, ok := l.book.Get(r.positionID)
	if !ok {
		return // already closed by a faster layer
	}

	switch r.verdict.Action {
	case advisory.Continue:

	case advisory.ClosePartial:
		pct := r.verdict.PartialClosePct
		if pct <= 0 || pct > 100 {
			pct = 50
		}
		vol := p.VolumeRemaining * pct / 100
		if _, err := l.book.Close(ctx, now, p.ID, vol, closeReason(r.verdict, "layer3_close_partial"), journal.FullClose); err != nil {
			l.log.Error("layer3 partial close failed", "position", p.ID, "err", err)
		}

	case advisory.CloseAllNow:
		if _, err := l.book.Close(ctx, now, p.ID, p.VolumeRemaining, closeReason(r.verdict, "layer3_close_all"), journal.FullClose); err != nil {
			l.log.Error("layer3 close failed", "position", p.ID, "err", err)
		}

	case advisory.TightenStop:
		pips := r.verdict.NewStopPips
		if pips <= 0 {
			return
		}
		mark := snap.Tick.Bid
		if p.Direction == market.Sell {
			mark = snap.Tick.Ask
		}
		stop := mark - p.Direction.Sign()*pips*l.symbol.PipSize()
		if err := l.book.SetStop(ctx, p.ID, stop); err != nil {
			l.log.Error("layer3 tighten stop failed", "position", p.ID, "err", err)
		}

	case advisory.Escalate:
		if r.emergency {
			// 3b escalating to itself would loop; treat as close.
			if _, err := l.book.Close(ctx, now, p.ID, p.VolumeRemaining, "layer3_escalate", journal.FullClose); err != nil {
				l.log.Error("layer3 escalate close failed", "position", p.ID, "err", err)
			}
			return
		}
		l.Escalate(ctx, now, snap, []advisory.Trigger{{
			At:         now,
			Kind:       "layer3a_escalate",
			Severity:   r.verdict.Severity,
			PositionID: p.ID,
			Detail:     r.verdict.Reason,
		}})
	}
}

// closeReason carries the verdict's reason onto the close record.
func closeReason(v advisory.Verdict, fallback string) string {
	if v.Reason != "" {
		return v.Reason
	}
	return fallback
}

// buildSnapshot flattens a position and the market view into the oracle
// wire shape.
func buildSnapshot(p position.Position, snap market.Snapshot, now time.Time, symbol broker.SymbolInfo) advisory.Snapshot {
	mark := snap.Tick.Bid
	if p.Direction == market.Sell {
		mark = snap.Tick.Ask
	}
	pips := p.Pips(mark, symbol.PipScale)

	out := advisory.Snapshot{
		PositionID:     p.ID,
		Symbol:         p.Symbol,
		Direction:      p.Direction,
		OpenPrice:      p.OpenPrice,
		OpenTime:       p.OpenedAt,
		CurrentPrice:   mark,
		UnrealizedPips: pips,
		HoldingMinutes: now.Sub(p.OpenedAt).Minutes(),
	}
	if p.EquityAtOpen > 0 {
		unrealized := pips * p.VolumeRemaining * symbol.ContractSize * symbol.PipSize()
		out.UnrealizedPct = unrealized / p.EquityAtOpen * 100
	}
	if iv, ok := snap.Indicators(market.H1); ok {
		out.RecentIndicators = advisory.RecentIndicators{
			RSIH1:           iv.RSI,
			EMAH1Alignment:  emaAlignment(iv),
			MACDH1Histogram: iv.Histogram(),
		}
	}
	for _, b := range snap.Bars(market.M15, 3) {
		out.LastBarsM15 = append(out.LastBarsM15, advisory.BarSummary{
			Time: b.Time, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
		})
	}
	return out
}

func emaAlignment(iv market.Indicators) string {
	switch {
	case iv.EMA20 > iv.EMA50 && iv.EMA50 > iv.EMA100:
		return "bullish"
	case iv.EMA20 < iv.EMA50 && iv.EMA50 < iv.EMA100:
		return "bearish"
	}
	return "mixed"
}
