package rules

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rustyeddy/fxengine/market"
)

// AvoidCondition is one entry of the rule's avoid_if block: a boolean
// expression over the current market facts. When any condition evaluates
// to true the rule asks the engine to stay out (entries) or escalate
// (Layer-2 review of open positions).
//
// The expression language is expr-lang; facts are exposed as flat
// snake_case identifiers, e.g.
//
//	spread_pips > 10 && rsi_h1 > 75
//	histogram_m15 < 0 and mid < 149.20
type AvoidCondition struct {
	Expression string `json:"expression"`
	Reason     string `json:"reason,omitempty"`

	program *vm.Program
}

func (a *AvoidCondition) compile() error {
	if strings.TrimSpace(a.Expression) == "" {
		return fmt.Errorf("empty expression")
	}
	p, err := expr.Compile(a.Expression, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return fmt.Errorf("compile %q: %w", a.Expression, err)
	}
	a.program = p
	return nil
}

// Eval runs the condition against facts. An uncompiled condition compiles
// lazily; evaluation errors report as not-triggered with the error.
func (a *AvoidCondition) Eval(facts map[string]any) (bool, error) {
	if a.program == nil {
		if err := a.compile(); err != nil {
			return false, err
		}
	}
	out, err := expr.Run(a.program, facts)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", a.Expression, err)
	}
	hit, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: non-boolean result", a.Expression)
	}
	return hit, nil
}

// Facts flattens a market snapshot into the expression environment.
func Facts(snap market.Snapshot, pipScale float64) map[string]any {
	facts := map[string]any{
		"bid":         snap.Tick.Bid,
		"ask":         snap.Tick.Ask,
		"mid":         snap.Tick.Mid(),
		"spread_pips": snap.Tick.SpreadPips(pipScale),
		"stale":       snap.Stale,
	}
	for _, tf := range market.Timeframes {
		iv, ok := snap.Indicators(tf)
		if !ok {
			continue
		}
		sfx := strings.ToLower(string(tf))
		facts["rsi_"+sfx] = iv.RSI
		facts["ema20_"+sfx] = iv.EMA20
		facts["ema50_"+sfx] = iv.EMA50
		facts["ema100_"+sfx] = iv.EMA100
		facts["ema200_"+sfx] = iv.EMA200
		facts["macd_"+sfx] = iv.MACD
		facts["macd_signal_"+sfx] = iv.MACDSignal
		facts["histogram_"+sfx] = iv.Histogram()
		facts["atr_"+sfx] = iv.ATR
	}
	return facts
}
