package matrixclient

import (
	"context"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/jpillora/backoff"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// SyncUpdate is handed to sync observers after every applied response,
// carrying the fresh snapshot and the hierarchy derived from it.
type SyncUpdate struct {
	Snapshot  *RoomSnapshot
	Hierarchy *Hierarchy
}

// syncLoop long-polls the server until cancelled. Responses are applied
// strictly in order; the loop is the retry mechanism for transport errors.
// Exiting for any reason other than cancellation is a bug.
func (c *Client) syncLoop(ctx context.Context, mc *mautrix.Client, done chan struct{}) {
	defer func() {
		close(done)

		if ctx.Err() == nil {
			c.logger.Error("sync loop terminated without cancellation")
		}
	}()

	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    5 * time.Minute,
		Jitter: true,
	}

	timeout := int(c.v.GetDuration("sync.timeout").Milliseconds())
	since := ""

	for {
		resp, err := mc.SyncRequest(timeout, since, "", false, event.PresenceOnline, ctx)
		if ctx.Err() != nil {
			c.logger.Debug("sync loop cancelled")

			return
		}

		if err != nil {
			d := b.Duration()
			c.logger.Errorf("sync failed: %s, retrying in %s", err, d)

			select {
			case <-time.After(d):
			case <-ctx.Done():
				c.logger.Debug("sync loop cancelled")

				return
			}

			continue
		}

		b.Reset()
		since = resp.NextBatch
		c.processSyncResponse(ctx, resp)
	}
}

func (c *Client) processSyncResponse(ctx context.Context, resp *mautrix.RespSync) {
	c.logger.Tracef("sync response %s", spew.Sdump(resp))

	c.applyRoomDeltas(resp)

	snap := c.Snapshot()
	update := &SyncUpdate{Snapshot: snap, Hierarchy: BuildHierarchy(snap)}

	c.RLock()
	observers := make([]func(*SyncUpdate), len(c.syncObservers))
	copy(observers, c.syncObservers)
	c.RUnlock()

	for _, observer := range observers {
		observer(update)
	}

	for _, ev := range resp.ToDevice.Events {
		c.handleToDeviceEvent(ctx, ev)
	}

	c.keyBookkeeping(ctx, resp)
}

func (c *Client) applyRoomDeltas(resp *mautrix.RespSync) {
	for roomID, room := range resp.Rooms.Join {
		c.applyRoomEvents(roomID, room.State.Events)
		c.applyRoomEvents(roomID, room.Timeline.Events)
	}

	for roomID := range resp.Rooms.Leave {
		c.removeRoom(roomID)
	}
}

// applyRoomEvents folds a batch of state/timeline events for one room into
// the mutable room table. Malformed events are dropped, never fatal.
func (c *Client) applyRoomEvents(roomID id.RoomID, events []*event.Event) {
	for _, ev := range events {
		if err := ev.Content.ParseRaw(ev.Type); err != nil {
			c.logger.Debugf("unparseable %s event in %s: %s", ev.Type.Type, roomID, err)
		}

		ev.RoomID = roomID
		c.applyRoomEvent(ev)
	}
}

//nolint:gocyclo
func (c *Client) applyRoomEvent(ev *event.Event) {
	if ev.Type == event.EventEncrypted {
		c.handleEncryptedEvent(ev)

		return
	}

	c.Lock()
	defer c.Unlock()

	rs, ok := c.rooms[ev.RoomID]
	if !ok {
		rs = newRoomState()
		c.rooms[ev.RoomID] = rs
	}

	switch ev.Type {
	case event.StateRoomName:
		if content, ok := ev.Content.Parsed.(*event.RoomNameEventContent); ok {
			rs.name = content.Name
		}

	case event.StateRoomAvatar:
		if content, ok := ev.Content.Parsed.(*event.RoomAvatarEventContent); ok {
			rs.avatarURL = content.URL.String()
		}

	case event.StateCreate:
		if roomType, ok := ev.Content.Raw["type"].(string); ok {
			rs.roomType = roomType
		}

	case event.StateEncryption:
		rs.encrypted = true

	case event.StateMember:
		content, ok := ev.Content.Parsed.(*event.MemberEventContent)
		if !ok || ev.StateKey == nil {
			return
		}

		member := id.UserID(*ev.StateKey)

		switch content.Membership {
		case event.MembershipJoin:
			rs.members[member] = content.Displayname
		case event.MembershipLeave, event.MembershipBan:
			delete(rs.members, member)

			if member == c.userID {
				delete(c.rooms, ev.RoomID)
			}
		}

	case event.StateSpaceChild:
		if ev.StateKey == nil {
			return
		}

		child := id.RoomID(*ev.StateKey)

		// an m.space.child with empty via is a removal
		if content, ok := ev.Content.Parsed.(*event.SpaceChildEventContent); ok && len(content.Via) > 0 {
			rs.children[child] = struct{}{}
		} else {
			delete(rs.children, child)
		}

	case event.StateSpaceParent:
		if ev.StateKey == nil {
			return
		}

		parent := id.RoomID(*ev.StateKey)

		if content, ok := ev.Content.Parsed.(*event.SpaceParentEventContent); ok && len(content.Via) > 0 {
			rs.parents[parent] = struct{}{}
		} else {
			delete(rs.parents, parent)
		}

	case event.EventMessage:
		if content, ok := ev.Content.Parsed.(*event.MessageEventContent); ok {
			rs.appendMessage(messageFromEvent(ev, content))
		}
	}
}

// handleEncryptedEvent decrypts through the crypto capability; events that
// stay undecryptable trigger a best-effort room-key re-request instead of
// being discarded outright.
func (c *Client) handleEncryptedEvent(ev *event.Event) {
	decrypted, err := c.crypto.Decrypt(ev)
	if err != nil {
		c.logger.Debugf("undecryptable event %s in %s: %s", ev.ID, ev.RoomID, err)

		if err := c.crypto.RequestRoomKey(context.Background(), ev); err != nil {
			c.logger.Debugf("room key re-request for %s failed: %s", ev.ID, err)
		}

		return
	}

	if err := decrypted.Content.ParseRaw(decrypted.Type); err != nil {
		c.logger.Debugf("unparseable decrypted event %s: %s", decrypted.ID, err)

		return
	}

	decrypted.RoomID = ev.RoomID
	c.applyRoomEvent(decrypted)
}

func messageFromEvent(ev *event.Event, content *event.MessageEventContent) Message {
	msg := Message{
		ID:        ev.ID.String(),
		Sender:    ev.Sender.String(),
		Body:      content.Body,
		Timestamp: time.UnixMilli(ev.Timestamp),
	}

	if rel := content.RelatesTo; rel != nil && rel.Type == event.RelReply {
		msg.ReplyTo = rel.EventID.String()
	}

	return msg
}

func (c *Client) removeRoom(roomID id.RoomID) {
	c.Lock()
	delete(c.rooms, roomID)
	c.Unlock()
}

// handleToDeviceEvent routes to-device traffic: verification messages feed
// the state machine, key requests go to the crypto capability, the rest is
// dropped with a trace line.
func (c *Client) handleToDeviceEvent(ctx context.Context, ev *event.Event) {
	switch {
	case ev.Type == event.ToDeviceRoomKeyRequest:
		if err := c.crypto.HandleKeyRequest(ctx, ev); err != nil {
			c.logger.Debugf("key request from %s not served: %s", ev.Sender, err)
		}

	case verificationEventType(ev.Type):
		ve, ok := decodeVerificationEvent(ev)
		if !ok {
			c.logger.Warnf("dropping malformed %s from %s", ev.Type.Type, ev.Sender)

			return
		}

		c.handleVerificationEvent(ve)

	default:
		c.logger.Tracef("unhandled to-device event %s from %s", ev.Type.Type, ev.Sender)
	}
}

func verificationEventType(t event.Type) bool {
	_, ok := verificationKinds[t.Type]

	return ok
}

// Snapshot builds the immutable per-tick view of the joined room set.
func (c *Client) Snapshot() *RoomSnapshot {
	c.RLock()
	defer c.RUnlock()

	snap := &RoomSnapshot{Rooms: make(map[string]*Room, len(c.rooms))}

	for roomID, rs := range c.rooms {
		snap.Rooms[roomID.String()] = rs.snapshot(roomID)
	}

	return snap
}
