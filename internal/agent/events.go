package agent

// Event types emitted by a Session while a run is in flight.
const (
	EventRunStart  = "run_start"
	EventRunEnd    = "run_end"
	EventTurnStart = "turn_start"
	EventTurnEnd   = "turn_end"
	EventToolStart = "tool_execution_start"
	EventToolEnd   = "tool_execution_end"
)

// Event is one lifecycle notification from a running session.
type Event struct {
	Type    string
	Tool    string // set on tool_execution_* events
	IsError bool   // set on tool_execution_end when the tool failed
}
