package matrixclient

import (
	"sort"
	"time"

	"maunium.net/go/mautrix/id"
)

// Message is a single timeline entry, ordered by arrival.
type Message struct {
	ID        string
	Sender    string
	Body      string
	ReplyTo   string
	Timestamp time.Time
}

// Room is the per-room view inside a RoomSnapshot.
type Room struct {
	ID        string
	Name      string
	AvatarURL string
	Members   []string
	Encrypted bool
	IsSpace   bool
	Parents   []string
	Children  []string
	Timeline  []Message
}

// RoomSnapshot is an immutable-per-tick view of the joined room set. It is
// replaced wholesale after every successful sync response and must never be
// mutated by callers.
type RoomSnapshot struct {
	Rooms map[string]*Room
}

// roomState is the mutable accumulator fed by sync deltas.
type roomState struct {
	name      string
	avatarURL string
	members   map[id.UserID]string
	encrypted bool
	roomType  string
	parents   map[id.RoomID]struct{}
	children  map[id.RoomID]struct{}
	timeline  []Message
	seen      map[id.EventID]struct{}
}

func newRoomState() *roomState {
	return &roomState{
		members:  make(map[id.UserID]string),
		parents:  make(map[id.RoomID]struct{}),
		children: make(map[id.RoomID]struct{}),
		seen:     make(map[id.EventID]struct{}),
	}
}

const spaceRoomType = "m.space"

func (rs *roomState) appendMessage(msg Message) {
	// message ids are unique within a room
	if _, ok := rs.seen[id.EventID(msg.ID)]; ok {
		return
	}

	rs.seen[id.EventID(msg.ID)] = struct{}{}
	rs.timeline = append(rs.timeline, msg)
}

func (rs *roomState) snapshot(roomID id.RoomID) *Room {
	room := &Room{
		ID:        roomID.String(),
		Name:      rs.name,
		AvatarURL: rs.avatarURL,
		Encrypted: rs.encrypted,
		IsSpace:   rs.roomType == spaceRoomType,
		Timeline:  append([]Message(nil), rs.timeline...),
	}

	for member := range rs.members {
		room.Members = append(room.Members, member.String())
	}

	for parent := range rs.parents {
		room.Parents = append(room.Parents, parent.String())
	}

	for child := range rs.children {
		room.Children = append(room.Children, child.String())
	}

	sort.Strings(room.Members)
	sort.Strings(room.Parents)
	sort.Strings(room.Children)

	return room
}
