package rules

import (
	"time"

	"github.com/rustyeddy/fxengine/market"
)

// Sample returns a valid BUY rule used by tests across packages: zone
// [149.50, 149.65], TP ladder 10/30 20/40 30/100, 15 pip stop, 0.8 size
// multiplier. Callers mutate the copy as needed.
func Sample(generatedAt time.Time) *Rule {
	return &Rule{
		Version:     "1",
		GeneratedAt: generatedAt,
		ValidUntil:  generatedAt.Add(time.Hour),
		Symbol:      "USDJPY",
		DailyBias:   market.Buy,
		Confidence:  0.7,
		Entry: EntryConditions{
			ShouldTrade: true,
			Direction:   market.Buy,
			PriceZone:   PriceZone{Min: 149.50, Max: 149.65},
			Spread:      SpreadLimit{MaxPips: 3},
		},
		Exit: ExitStrategy{
			TakeProfit: []TakeProfitLevel{
				{Pips: 10, ClosePercent: 30},
				{Pips: 20, ClosePercent: 40},
				{Pips: 30, ClosePercent: 100},
			},
			StopLoss:  StopLoss{InitialPips: 15},
			TimeExits: TimeExits{MaxHoldMinutes: 480, ForceCloseTime: "23:00"},
		},
		Risk: RiskManagement{
			PositionSizeMultiplier:  0.8,
			MaxPositions:            1,
			MaxRiskPerTradePercent:  2,
			MaxTotalExposurePercent: 6,
		},
		KeyLevels: KeyLevels{
			CriticalSupport:    []float64{149.20, 148.80},
			CriticalResistance: []float64{150.10, 150.50},
		},
	}
}
