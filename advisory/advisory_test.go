package advisory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	v, err := ParseVerdict(`{"action":"close_partial","reason":"momentum fading","severity":"medium","partial_close_pct":50}`)
	require.NoError(t, err)
	assert.Equal(t, ClosePartial, v.Action)
	assert.Equal(t, 50.0, v.PartialClosePct)
}

func TestParseVerdictRepairsSloppyJSON(t *testing.T) {
	t.Parallel()

	// Fenced output with a trailing comma, the usual model sins.
	raw := "```json\n{\"action\": \"tighten_stop\", \"new_stop_pips\": 8,}\n```"
	v, err := ParseVerdict(raw)
	require.NoError(t, err)
	assert.Equal(t, TightenStop, v.Action)
	assert.Equal(t, 8.0, v.NewStopPips)
}

func TestParseVerdictRejectsUnknownAction(t *testing.T) {
	t.Parallel()

	_, err := ParseVerdict(`{"action":"panic"}`)
	assert.Error(t, err)
}

func TestSeverityRank(t *testing.T) {
	t.Parallel()

	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Equal(t, 0, Severity("").Rank())
}

func TestStaticQueue(t *testing.T) {
	t.Parallel()

	s := NewStatic()
	s.Queue(Verdict{Action: CloseAllNow, Reason: "test"}, nil)

	v, err := s.Periodic(t.Context(), Snapshot{PositionID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, CloseAllNow, v.Action)

	// Queue drained: default applies.
	v, err = s.Periodic(t.Context(), Snapshot{PositionID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, Continue, v.Action)
	assert.Len(t, s.PeriodicCalls(), 2)
}
