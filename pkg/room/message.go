package room

// Message types understood by the router.
const (
	Join       = "join"        // client asks to enter a room
	UserJoined = "user-joined" // server tells the others who arrived
	Offer      = "offer"       // relayed
	Answer     = "answer"      // relayed
	Candidate  = "candidate"   // relayed
)

// UnknownUser is announced when a joiner did not supply a userId.
const UnknownUser = "unknown"

type joinMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

type userJoinedMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// isRelayed reports whether messages of type t are forwarded verbatim to the
// rest of the room.
func isRelayed(t string) bool {
	switch t {
	case Offer, Answer, Candidate:
		return true
	}
	return false
}
