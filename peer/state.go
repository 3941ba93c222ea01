package peer

import "fmt"

// State is the lifecycle position of a Peer's connection.
//
//	Idle ──Connect──→ Connecting ──dial ok──→ Open ──remote close──→ Closed
//	                      │                     │
//	                  dial failed            transport error
//	                      ↓                     ↓
//	                   Errored ───────────→ Closed
//
// Attach moves straight to Open. Close moves any state to Closed, and
// Connect may start over from any state.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Errored
	Closed
)

var stateNames = [...]string{
	Idle:       "idle",
	Connecting: "connecting",
	Open:       "open",
	Errored:    "errored",
	Closed:     "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}
