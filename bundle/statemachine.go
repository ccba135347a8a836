package bundle

// State is a bundle's position in the local lifecycle.
type State string

const (
	StatePending   State = "PENDING"
	StateAttested  State = "ATTESTED"
	StateQueued    State = "QUEUED"
	StateBroadcast State = "BROADCAST"
	StateSettled   State = "SETTLED"
	StateFailed    State = "FAILED"
	StateRollback  State = "ROLLBACK"
)

// FailureClass distinguishes retryable from terminal failures: network,
// rate-limit, clock-skew are transient; invalid-signature,
// insufficient-funds, duplicate are permanent.
type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
)

// transitions enumerates every legal state-machine edge. Anything not
// listed here is rejected.
var transitions = map[State]map[State]bool{
	StatePending:   {StateAttested: true},
	StateAttested:  {StateQueued: true},
	StateQueued:    {StateBroadcast: true},
	StateBroadcast: {StateSettled: true, StateFailed: true, StateRollback: true},
	// A transient FAILED bundle may be promoted back to QUEUED for
	// retry; a permanent FAILED bundle has no further transitions.
	StateFailed: {StateQueued: true},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// IsTerminal reports whether a state has no further transitions absent a
// retry promotion (SETTLED and ROLLBACK are always terminal; FAILED is
// terminal only when its failure class is permanent, decided by the
// caller).
func IsTerminal(s State) bool {
	return s == StateSettled || s == StateRollback
}
