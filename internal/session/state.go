package session

// State is a session's lifecycle state
type State int

const (
	// StateUnjoined is an open connection with no identity
	StateUnjoined State = iota

	// StateJoined is an open connection registered in its identity's group
	StateJoined

	// StateClosed is terminal; the connection holds no group membership
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
