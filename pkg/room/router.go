package room

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"livecall/pkg/server"
	"livecall/pkg/utils"
)

// Router is the signaling state machine. A connection starts unjoined, moves
// into a room with a join message, and from then on its offer, answer and
// candidate messages are relayed verbatim to every other member of that room.
//
// One mutex guards the room table and the registry. Fan-out happens under the
// same lock, so every member sees a room's messages in server arrival order;
// this is cheap because Conn.Send only enqueues.
type Router struct {
	mu       sync.Mutex
	table    *Table
	registry *Registry
	log      zerolog.Logger
}

// NewRouter takes the process logger as configured at the time of the call.
func NewRouter() *Router {
	return &Router{
		table:    NewTable(),
		registry: NewRegistry(),
		log:      *utils.Logger(),
	}
}

// Connect registers a freshly upgraded connection.
func (rm *Router) Connect(conn Conn) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.registry.Register(conn)
}

// Disconnect removes every trace of conn. Remaining members are not told.
// Calling it more than once is harmless.
func (rm *Router) Disconnect(conn Conn) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if roomID, ok := rm.registry.Lookup(conn); ok {
		rm.table.Leave(roomID, conn)
		rm.log.Info().Str("conn", conn.ID()).Str("room", roomID).Msg("left room")
	}
	rm.registry.Unregister(conn)
}

// HandleMessage processes one inbound frame from conn. Malformed frames and
// unknown types are dropped; nothing here ends the connection.
func (rm *Router) HandleMessage(conn Conn, message []byte) {
	msgType, err := utils.DecodeEnvelope(message, nil)
	if err != nil {
		rm.log.Warn().Err(err).Str("conn", conn.ID()).Msg("dropping malformed message")
		return
	}

	switch {
	case msgType == Join:
		var join joinMessage
		if _, err := utils.DecodeEnvelope(message, &join); err != nil {
			rm.log.Warn().Err(err).Str("conn", conn.ID()).Msg("dropping malformed join")
			return
		}
		rm.onJoin(conn, join.RoomID, join.UserID)
	case isRelayed(msgType):
		rm.onRelay(conn, msgType, message)
	default:
		utils.DebugF("[%s] ignoring message type %q", conn.ID(), msgType)
	}
}

func (rm *Router) onJoin(conn Conn, roomID, userID string) {
	log := rm.log.With().Str("conn", conn.ID()).Str("room", roomID).Logger()
	if roomID == "" {
		log.Warn().Msg("join without roomId")
		return
	}
	if userID == "" {
		userID = UnknownUser
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.registry.Registered(conn) {
		log.Debug().Msg("join from a connection that is already gone")
		return
	}
	if current, ok := rm.registry.Lookup(conn); ok {
		if current == roomID {
			return
		}
		// One room per connection: switching rooms leaves the old one.
		rm.table.Leave(current, conn)
		log.Info().Str("from", current).Msg("switching rooms")
	}

	members := rm.table.Join(roomID, conn)
	rm.registry.Assign(conn, roomID, userID)
	log.Info().Str("user", userID).Int("members", len(members)).Msg("joined room")

	notice, err := utils.ToJson(userJoinedMessage{Type: UserJoined, UserID: userID})
	if err != nil {
		log.Error().Err(err).Msg("encode user-joined")
		return
	}
	rm.fanOut(conn, members, notice)
}

func (rm *Router) onRelay(conn Conn, msgType string, message []byte) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	roomID, ok := rm.registry.Lookup(conn)
	if !ok {
		utils.DebugF("[%s] %s before join, no recipients", conn.ID(), msgType)
		return
	}
	members := rm.table.Members(roomID)
	if members == nil {
		return
	}
	utils.DebugF("[%s] relaying %s to room %s", conn.ID(), msgType, roomID)
	rm.fanOut(conn, members, message)
}

// fanOut sends message to every member except from. A failed delivery is
// logged and does not affect the others. Must be called with rm.mu held.
func (rm *Router) fanOut(from Conn, members []Conn, message []byte) {
	for _, member := range members {
		if member == from {
			continue
		}
		if err := member.Send(message); err != nil {
			var event *zerolog.Event
			if errors.Is(err, server.ErrConnClosed) {
				event = rm.log.Debug()
			} else {
				event = rm.log.Warn()
			}
			event.Err(err).Str("from", from.ID()).Str("to", member.ID()).Msg("delivery dropped")
		}
	}
}

// Members returns a copy of the room's members.
func (rm *Router) Members(roomID string) []Conn {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.table.Members(roomID)
}

// RoomOf returns the room conn has joined.
func (rm *Router) RoomOf(conn Conn) (string, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.registry.Lookup(conn)
}

// Rooms returns room id -> member count.
func (rm *Router) Rooms() map[string]int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.table.Rooms()
}

// Connections returns the number of registered connections.
func (rm *Router) Connections() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.registry.Len()
}

// Close closes every registered connection that supports it. Each close
// goes through the normal disconnect path.
func (rm *Router) Close() {
	rm.mu.Lock()
	conns := rm.registry.Connections()
	rm.mu.Unlock()

	for _, c := range conns {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				rm.log.Debug().Err(err).Str("conn", c.ID()).Msg("close on shutdown")
			}
		}
		rm.Disconnect(c)
	}
}

// InterHandleWebSocket binds a transport connection to the router.
func (rm *Router) InterHandleWebSocket(conn *server.WebSocketConn, request *http.Request) {
	rm.Connect(conn)
	conn.On(server.EventMessage, func(message []byte) {
		rm.HandleMessage(conn, message)
	})
	conn.On(server.EventClose, func(code int, text string) {
		utils.DebugF("[%s] close %d %s", conn.ID(), code, text)
		rm.Disconnect(conn)
	})
}
