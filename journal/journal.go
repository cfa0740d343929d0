// Package journal is the engine's event sink: every decision that touches
// a rule or a position leaves an ordered, canonically encoded record here.
package journal

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// EventType tags an event record.
type EventType string

const (
	RuleActivated  EventType = "RuleActivated"
	EntryExecuted  EventType = "EntryExecuted"
	PartialClose   EventType = "PartialClose"
	FullClose      EventType = "FullClose"
	EmergencyStop  EventType = "EmergencyStop"
	Layer2Trigger  EventType = "Layer2Trigger"
	Layer3aVerdict EventType = "Layer3aVerdict"
	Layer3bVerdict EventType = "Layer3bVerdict"
	ForceClose     EventType = "ForceClose"
	JobError       EventType = "JobError"
	UnknownOutcome EventType = "UnknownOutcome"
)

// Event is one record in the engine's ordered event stream. Seq is a
// process-wide monotonic sequence number: events for one position are
// totally ordered by it, and the global stream follows it as well.
type Event struct {
	Seq        uint64    `json:"seq"`
	Time       time.Time `json:"time"`
	Type       EventType `json:"type"`
	Symbol     string    `json:"symbol,omitempty"`
	PositionID string    `json:"position_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	Price      float64   `json:"price,omitempty"`
	Volume     float64   `json:"volume,omitempty"`
	Pips       float64   `json:"pips,omitempty"`
	Accepted   *bool     `json:"accepted,omitempty"`
}

var canonical = sonic.Config{
	SortMapKeys:      true,
	NoNullSliceOrMap: true,
	CompactMarshaler: true,
}.Froze()

// Encode renders the event as canonical JSON with a stable field order.
func (e Event) Encode() ([]byte, error) {
	b, err := canonical.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

// Sink receives ordered event records for external persistence. Emit must
// not block the caller for longer than a local write; slow consumers sit
// behind a Buffered sink.
type Sink interface {
	Emit(Event) error
	Close() error
}

// Bool is a convenience for the Accepted field.
func Bool(v bool) *bool { return &v }
