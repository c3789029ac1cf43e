package consensus

import "dex/stats"

// Metrics counts round-lifecycle errors and other liveness events, wired
// onto the reference tree's own api-call counter (stats.Stats) rather than
// a third-party metrics client — see DESIGN.md for why.
type Metrics struct {
	s *stats.Stats
}

func NewMetrics(s *stats.Stats) *Metrics {
	if s == nil {
		s = stats.NewStats()
	}
	return &Metrics{s: s}
}

// IncRoundError records one occurrence of the given classified error kind.
func (m *Metrics) IncRoundError(kind ErrorKind) {
	m.s.RecordAPICall("round_error." + kind.String())
}

// IncTimeout records one round evicted by CleanLongRunning.
func (m *Metrics) IncTimeout() {
	m.s.RecordAPICall("consensus_timeout")
}

// IncDiscardedMessage records one message discarded for arriving at or
// after a terminal/earlier phase than the protocol's current state.
func (m *Metrics) IncDiscardedMessage(messageType string) {
	m.s.RecordAPICall("discarded_message." + messageType)
}

func (m *Metrics) Snapshot() map[string]uint64 {
	return m.s.GetAPICallStats()
}
