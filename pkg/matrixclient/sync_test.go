package matrixclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func newSyncTestClient(t *testing.T) *Client {
	t.Helper()

	c := New(viper.New(), nil)
	c.userID = "@me:example.org"
	c.deviceID = "TESTDEV"

	return c
}

func roomEvent(t *testing.T, evType event.Type, stateKey, content string) *event.Event {
	t.Helper()

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(content), &raw))

	ev := &event.Event{
		Type: evType,
		Content: event.Content{
			VeryRaw: json.RawMessage(content),
			Raw:     raw,
		},
	}

	if stateKey != "" {
		ev.StateKey = &stateKey
	}

	return ev
}

func messageEvent(t *testing.T, eventID, sender, body string) *event.Event {
	t.Helper()

	ev := roomEvent(t, event.EventMessage, "",
		`{"msgtype":"m.text","body":`+string(mustJSON(t, body))+`}`)
	ev.ID = id.EventID(eventID)
	ev.Sender = id.UserID(sender)
	ev.Timestamp = 1700000000000

	return ev
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	return data
}

func TestApplyRoomEventsBuildsSnapshot(t *testing.T) {
	c := newSyncTestClient(t)

	c.applyRoomEvents("!room:x", []*event.Event{
		roomEvent(t, event.StateRoomName, "", `{"name":"General"}`),
		roomEvent(t, event.StateRoomAvatar, "", `{"url":"mxc://x/avatar1"}`),
		roomEvent(t, event.StateMember, "@me:example.org", `{"membership":"join","displayname":"Me"}`),
		roomEvent(t, event.StateMember, "@peer:example.org", `{"membership":"join"}`),
		roomEvent(t, event.StateEncryption, "", `{"algorithm":"m.megolm.v1.aes-sha2"}`),
		messageEvent(t, "$m1", "@peer:example.org", "hello"),
	})

	snap := c.Snapshot()
	require.Contains(t, snap.Rooms, "!room:x")

	room := snap.Rooms["!room:x"]
	assert.Equal(t, "General", room.Name)
	assert.Equal(t, "mxc://x/avatar1", room.AvatarURL)
	assert.True(t, room.Encrypted)
	assert.False(t, room.IsSpace)
	assert.Equal(t, []string{"@me:example.org", "@peer:example.org"}, room.Members)

	require.Len(t, room.Timeline, 1)
	assert.Equal(t, "hello", room.Timeline[0].Body)
	assert.Equal(t, "@peer:example.org", room.Timeline[0].Sender)
}

func TestApplyRoomEventsDeduplicatesMessages(t *testing.T) {
	c := newSyncTestClient(t)

	// the same event can arrive in both an initial and an incremental
	// timeline chunk
	c.applyRoomEvents("!room:x", []*event.Event{
		messageEvent(t, "$m1", "@peer:example.org", "hello"),
		messageEvent(t, "$m1", "@peer:example.org", "hello"),
		messageEvent(t, "$m2", "@peer:example.org", "again"),
	})

	room := c.Snapshot().Rooms["!room:x"]
	require.Len(t, room.Timeline, 2)
	assert.Equal(t, "$m1", room.Timeline[0].ID)
	assert.Equal(t, "$m2", room.Timeline[1].ID)
}

func TestApplyRoomEventsReply(t *testing.T) {
	c := newSyncTestClient(t)

	ev := roomEvent(t, event.EventMessage, "",
		`{"msgtype":"m.text","body":"reply","m.relates_to":{"m.in_reply_to":{"event_id":"$orig"}}}`)
	ev.ID = "$m1"
	ev.Sender = "@peer:example.org"

	c.applyRoomEvents("!room:x", []*event.Event{ev})

	room := c.Snapshot().Rooms["!room:x"]
	require.Len(t, room.Timeline, 1)
	assert.Equal(t, "$orig", room.Timeline[0].ReplyTo)
}

func TestApplyRoomEventsSpaceRelations(t *testing.T) {
	c := newSyncTestClient(t)

	c.applyRoomEvents("!space:x", []*event.Event{
		roomEvent(t, event.StateCreate, "", `{"type":"m.space"}`),
		roomEvent(t, event.StateRoomName, "", `{"name":"Work"}`),
		roomEvent(t, event.StateSpaceChild, "!room:x", `{"via":["example.org"]}`),
	})
	c.applyRoomEvents("!room:x", []*event.Event{
		roomEvent(t, event.StateSpaceParent, "!space:x", `{"via":["example.org"]}`),
	})

	snap := c.Snapshot()
	assert.True(t, snap.Rooms["!space:x"].IsSpace)
	assert.Equal(t, []string{"!room:x"}, snap.Rooms["!space:x"].Children)
	assert.Equal(t, []string{"!space:x"}, snap.Rooms["!room:x"].Parents)

	h := BuildHierarchy(snap)
	assert.Equal(t, []string{"!space:x"}, h.TopLevelSpaces)
	assert.Equal(t, []string{"!room:x"}, h.Children["!space:x"])

	// a child event with empty via retracts the relation
	c.applyRoomEvents("!space:x", []*event.Event{
		roomEvent(t, event.StateSpaceChild, "!room:x", `{}`),
	})

	assert.Empty(t, c.Snapshot().Rooms["!space:x"].Children)
}

func TestApplyRoomEventsOwnLeaveDropsRoom(t *testing.T) {
	c := newSyncTestClient(t)

	c.applyRoomEvents("!room:x", []*event.Event{
		roomEvent(t, event.StateMember, "@me:example.org", `{"membership":"join"}`),
	})
	require.Contains(t, c.Snapshot().Rooms, "!room:x")

	c.applyRoomEvents("!room:x", []*event.Event{
		roomEvent(t, event.StateMember, "@me:example.org", `{"membership":"leave"}`),
	})

	assert.NotContains(t, c.Snapshot().Rooms, "!room:x")
}

func TestApplyRoomEventsMemberLeave(t *testing.T) {
	c := newSyncTestClient(t)

	c.applyRoomEvents("!room:x", []*event.Event{
		roomEvent(t, event.StateMember, "@a:example.org", `{"membership":"join"}`),
		roomEvent(t, event.StateMember, "@b:example.org", `{"membership":"join"}`),
		roomEvent(t, event.StateMember, "@b:example.org", `{"membership":"ban"}`),
	})

	assert.Equal(t, []string{"@a:example.org"}, c.Snapshot().Rooms["!room:x"].Members)
}

func TestSnapshotIsolation(t *testing.T) {
	c := newSyncTestClient(t)

	c.applyRoomEvents("!room:x", []*event.Event{
		messageEvent(t, "$m1", "@peer:example.org", "hello"),
	})

	snap := c.Snapshot()

	c.applyRoomEvents("!room:x", []*event.Event{
		messageEvent(t, "$m2", "@peer:example.org", "later"),
	})

	// the earlier snapshot must not see the later message
	assert.Len(t, snap.Rooms["!room:x"].Timeline, 1)
	assert.Len(t, c.Snapshot().Rooms["!room:x"].Timeline, 2)
}

func TestHandleToDeviceEventRoutesVerification(t *testing.T) {
	c := newSyncTestClient(t)
	c.sendToDevice = (&msgRecorder{}).send
	c.v.Set("verification.timeout", time.Minute)

	ev := toDeviceEvent(t, "m.key.verification.request", "@peer:example.org",
		`{"transaction_id":"txn1","from_device":"PEERDEV","methods":["m.sas.v1"]}`)

	c.handleToDeviceEvent(context.Background(), ev)

	state, ok := c.VerificationStateOf("txn1")
	require.True(t, ok)
	assert.Equal(t, StateRequested, state)
}
