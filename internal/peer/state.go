package peer

// State is the negotiator's position in the current attempt.
type State int32

const (
	StateIdle State = iota
	StateGatheringICE
	StateOffering
	StateRegistered
	StatePolling
	StateConnected
	StateReoffering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGatheringICE:
		return "gathering-ice"
	case StateOffering:
		return "offering"
	case StateRegistered:
		return "registered"
	case StatePolling:
		return "polling"
	case StateConnected:
		return "connected"
	case StateReoffering:
		return "reoffering"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
