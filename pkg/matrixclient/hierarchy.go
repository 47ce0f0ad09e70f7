package matrixclient

import (
	"sort"
	"strings"
)

// Hierarchy is the space/room tree derived from a RoomSnapshot. It is
// recomputed from scratch on every snapshot and holds no state of its own.
type Hierarchy struct {
	// Spaces classifies every room id as space (true) or plain room (false).
	Spaces map[string]bool
	// Children maps a parent id to its child ids, sorted case-insensitively
	// by display name.
	Children map[string][]string
	// TopLevelSpaces are spaces with no joined parent.
	TopLevelSpaces []string
	// Orphans are plain rooms with no joined parent.
	Orphans []string
}

// BuildHierarchy derives the space tree from a snapshot. Parent/child
// relations are the union of both declared directions, restricted to the
// joined room set: a room whose only parent is not joined counts as an
// orphan (or a top-level space).
func BuildHierarchy(snap *RoomSnapshot) *Hierarchy {
	h := &Hierarchy{
		Spaces:         make(map[string]bool, len(snap.Rooms)),
		Children:       make(map[string][]string),
		TopLevelSpaces: []string{},
		Orphans:        []string{},
	}

	children := make(map[string]map[string]struct{})
	hasParent := make(map[string]bool)

	link := func(parent, child string) {
		if _, ok := snap.Rooms[parent]; !ok {
			return
		}

		if _, ok := snap.Rooms[child]; !ok {
			return
		}

		if children[parent] == nil {
			children[parent] = make(map[string]struct{})
		}

		children[parent][child] = struct{}{}
		hasParent[child] = true
	}

	for roomID, room := range snap.Rooms {
		h.Spaces[roomID] = room.IsSpace

		for _, child := range room.Children {
			link(roomID, child)
		}

		for _, parent := range room.Parents {
			link(parent, roomID)
		}
	}

	byName := func(ids []string) {
		sort.SliceStable(ids, func(i, j int) bool {
			return sortKey(snap, ids[i]) < sortKey(snap, ids[j])
		})
	}

	reachable := make(map[string]bool, len(snap.Rooms))

	var walk func(string)
	walk = func(roomID string) {
		if reachable[roomID] {
			return
		}

		reachable[roomID] = true

		for child := range children[roomID] {
			walk(child)
		}
	}

	for roomID := range snap.Rooms {
		if !hasParent[roomID] {
			walk(roomID)
		}
	}

	// rooms caught in a parent cycle are reachable from no root and would
	// otherwise drop out of the partition; promote one member per cycle,
	// first by display name, and retract the relations pointing at it
	if len(reachable) < len(snap.Rooms) {
		cycled := make([]string, 0, len(snap.Rooms)-len(reachable))

		for roomID := range snap.Rooms {
			if !reachable[roomID] {
				cycled = append(cycled, roomID)
			}
		}

		sort.Strings(cycled)
		byName(cycled)

		for _, roomID := range cycled {
			if reachable[roomID] {
				continue
			}

			hasParent[roomID] = false

			for _, set := range children {
				delete(set, roomID)
			}

			walk(roomID)
		}
	}

	for parent, set := range children {
		if len(set) == 0 {
			continue
		}

		ids := make([]string, 0, len(set))
		for child := range set {
			ids = append(ids, child)
		}

		sort.Strings(ids)
		byName(ids)
		h.Children[parent] = ids
	}

	for roomID := range snap.Rooms {
		if hasParent[roomID] {
			continue
		}

		if h.Spaces[roomID] {
			h.TopLevelSpaces = append(h.TopLevelSpaces, roomID)
		} else {
			h.Orphans = append(h.Orphans, roomID)
		}
	}

	sort.Strings(h.TopLevelSpaces)
	byName(h.TopLevelSpaces)
	sort.Strings(h.Orphans)
	byName(h.Orphans)

	return h
}

// sortKey orders rooms case-insensitively by display name, falling back to
// the room id when no name is set.
func sortKey(snap *RoomSnapshot, roomID string) string {
	if room, ok := snap.Rooms[roomID]; ok && room.Name != "" {
		return strings.ToLower(room.Name)
	}

	return strings.ToLower(roomID)
}
