package types

// EventType names a round-lifecycle event published on the EventBus.
type EventType string

const (
	EventRoundStarted       EventType = "round.started"
	EventRoundParticipating EventType = "round.participating"
	EventRoundCommitted     EventType = "round.committed"
	EventRoundFailed        EventType = "round.failed"
	EventRoundTimedOut      EventType = "round.timedout"
	EventProposalBuffered   EventType = "round.proposal_buffered"
	EventGenesisBuilt       EventType = "genesis.built"
)

// BaseEvent is the concrete Event implementation published by
// RoundManager.
type BaseEvent struct {
	EventType EventType
	EventData interface{}
}

func (e BaseEvent) Type() EventType   { return e.EventType }
func (e BaseEvent) Data() interface{} { return e.EventData }
