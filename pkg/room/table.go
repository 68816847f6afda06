package room

// Conn is the router's view of a client connection. Implementations must
// make Send non-blocking.
type Conn interface {
	ID() string
	Send(message []byte) error
}

// Table maps room ids to their members. A room exists only while it has at
// least one member.
//
// Table is not safe for concurrent use; Router serializes access to it.
type Table struct {
	rooms map[string]map[Conn]struct{}
}

func NewTable() *Table {
	return &Table{rooms: make(map[string]map[Conn]struct{})}
}

// Join adds conn to the room, creating it if needed, and returns the
// resulting members. Joining twice has no further effect.
func (t *Table) Join(roomID string, conn Conn) []Conn {
	members, ok := t.rooms[roomID]
	if !ok {
		members = make(map[Conn]struct{})
		t.rooms[roomID] = members
	}
	members[conn] = struct{}{}
	return t.Members(roomID)
}

// Leave removes conn from the room and drops the room once it is empty.
func (t *Table) Leave(roomID string, conn Conn) {
	members, ok := t.rooms[roomID]
	if !ok {
		return
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(t.rooms, roomID)
	}
}

// Members returns a copy of the room's members, nil for an unknown room.
func (t *Table) Members(roomID string) []Conn {
	members, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// Has reports whether conn is a member of the room.
func (t *Table) Has(roomID string, conn Conn) bool {
	_, ok := t.rooms[roomID][conn]
	return ok
}

// Rooms returns room id -> member count.
func (t *Table) Rooms() map[string]int {
	out := make(map[string]int, len(t.rooms))
	for id, members := range t.rooms {
		out[id] = len(members)
	}
	return out
}
