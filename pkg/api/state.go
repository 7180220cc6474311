package api

// State is a message's position in the ingestion state machine.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateFingerprinted State = "FINGERPRINTED"
	StateParsed        State = "PARSED"
	StateMapped        State = "MAPPED"
	StatePersisted     State = "PERSISTED"

	StateSkippedDuplicate State = "SKIPPED_DUPLICATE"
	StateParseFailed      State = "PARSE_FAILED"
	StateTransientError   State = "TRANSIENT_ERROR"
	StateDeadLetter       State = "DEAD_LETTER"

	// StateReleased marks a delivery handed back to the queue during shutdown.
	StateReleased State = "RELEASED"
)

// Terminal reports whether no further processing happens after s.
func (s State) Terminal() bool {
	switch s {
	case StatePersisted, StateSkippedDuplicate, StateParseFailed, StateDeadLetter:
		return true
	}
	return false
}
