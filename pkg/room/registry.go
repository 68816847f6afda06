package room

// assignment is what the registry knows about one connection.
type assignment struct {
	roomID string
	userID string
}

// Registry tracks live connections and the room each one is in. It holds
// references only; the transport owns the connections.
//
// Registry is not safe for concurrent use; Router serializes access to it.
type Registry struct {
	conns map[Conn]*assignment
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[Conn]*assignment)}
}

// Register records conn with no room. Registering again keeps the existing
// assignment.
func (r *Registry) Register(conn Conn) {
	if _, ok := r.conns[conn]; ok {
		return
	}
	r.conns[conn] = &assignment{}
}

// Unregister forgets conn. Unknown connections are ignored.
func (r *Registry) Unregister(conn Conn) {
	delete(r.conns, conn)
}

// Assign records that conn has joined roomID as userID. It reports false if
// conn is not registered.
func (r *Registry) Assign(conn Conn, roomID, userID string) bool {
	a, ok := r.conns[conn]
	if !ok {
		return false
	}
	a.roomID, a.userID = roomID, userID
	return true
}

// Lookup returns the room conn is in, or "" if it has not joined one.
func (r *Registry) Lookup(conn Conn) (roomID string, ok bool) {
	a, ok := r.conns[conn]
	if !ok || a.roomID == "" {
		return "", false
	}
	return a.roomID, true
}

// UserID returns the display id conn joined with.
func (r *Registry) UserID(conn Conn) string {
	if a, ok := r.conns[conn]; ok {
		return a.userID
	}
	return ""
}

func (r *Registry) Registered(conn Conn) bool {
	_, ok := r.conns[conn]
	return ok
}

// Connections returns every registered connection.
func (r *Registry) Connections() []Conn {
	out := make([]Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.conns)
}
