package matrixclient

import (
	"context"
	"errors"
	"strings"
	"sync"

	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/omomatrix/omomatrix/store"
)

var errNoSession = errors.New("no active session")

// Client owns the authenticated session: it logs in or restores, drives the
// sync loop, dispatches incoming events and fronts the profile cache. At
// most one session is active per Client.
type Client struct {
	sync.RWMutex

	mc         *mautrix.Client
	v          *viper.Viper
	st         *store.Store
	crypto     Crypto
	homeserver string
	userID     id.UserID
	deviceID   id.DeviceID

	rooms         map[id.RoomID]*roomState
	verifications map[string]*verification
	profiles      *profileCache

	syncObservers []func(*SyncUpdate)
	verifObserver func(VerificationUpdate)

	syncCancel context.CancelFunc
	syncDone   chan struct{}

	sendToDevice func(evType event.Type, user id.UserID, device id.DeviceID, content map[string]interface{}) error

	logger     *logrus.Entry
	rootLogger *logrus.Logger
}

func New(v *viper.Viper, st *store.Store) *Client {
	rootLogger := logrus.New()
	rootLogger.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})

	if v.GetBool("debug") {
		rootLogger.SetLevel(logrus.DebugLevel)
	}

	if v.GetBool("trace") {
		rootLogger.SetLevel(logrus.TraceLevel)
	}

	logger := rootLogger.WithFields(logrus.Fields{"prefix": "matrixclient"})

	c := &Client{
		v:             v,
		st:            st,
		crypto:        nullCrypto{},
		rooms:         make(map[id.RoomID]*roomState),
		verifications: make(map[string]*verification),
		logger:        logger,
		rootLogger:    rootLogger,
	}

	c.sendToDevice = c.doSendToDevice
	c.profiles = newProfileCache(st, c.fetchProfile, logger)

	return c
}

// SetCrypto installs the E2EE capability. Must be called before StartSync.
func (c *Client) SetCrypto(crypto Crypto) {
	c.crypto = crypto
}

// OnSync appends a sync observer. Observers run on the sync goroutine, in
// registration order, after each applied response.
func (c *Client) OnSync(fn func(*SyncUpdate)) {
	c.Lock()
	c.syncObservers = append(c.syncObservers, fn)
	c.Unlock()
}

// OnVerification registers the verification observer, replacing any
// previous registration.
func (c *Client) OnVerification(fn func(VerificationUpdate)) {
	c.Lock()
	c.verifObserver = fn
	c.Unlock()
}

// Login authenticates against the configured homeserver with username and
// password. On success the session record is persisted. Errors are logged
// and absorbed; the caller only sees the boolean.
func (c *Client) Login(username, password string) bool {
	homeserver := c.v.GetString("homeserver")
	if homeserver == "" {
		c.logger.Error("login: no homeserver configured")

		return false
	}

	mc, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		c.logger.Errorf("login: %s", err)

		return false
	}

	resp, err := mc.Login(&mautrix.ReqLogin{
		Type: "m.login.password",
		Identifier: mautrix.UserIdentifier{
			Type: "m.id.user",
			User: username,
		},
		Password:                 password,
		InitialDeviceDisplayName: "OMOMatrix",
		StoreCredentials:         true,
	})
	if err != nil {
		c.logger.Errorf("login failed: %s", err)

		return false
	}

	c.Lock()
	c.mc = mc
	c.homeserver = homeserver
	c.userID = resp.UserID
	c.deviceID = resp.DeviceID
	c.Unlock()

	sess := store.Session{
		Homeserver:  homeserver,
		UserID:      resp.UserID.String(),
		AccessToken: resp.AccessToken,
		DeviceID:    resp.DeviceID.String(),
	}
	if err := c.st.SaveSession(sess); err != nil {
		c.logger.Errorf("persisting session: %s", err)
	}

	if c.crypto.ShouldUploadKeys() {
		if err := c.crypto.UploadKeys(context.Background()); err != nil {
			c.logger.Errorf("initial key upload failed: %s", err)
		}
	}

	return true
}

// RestoreSession reconstructs the session from the persisted record without
// a network round trip. Stored identifiers are normalized first: whitespace
// has been observed creeping into saved fields, and the cleaned values are
// written back when they differ.
func (c *Client) RestoreSession() bool {
	sess, found, err := c.st.LoadSession()
	if err != nil {
		c.logger.Errorf("loading session: %s", err)

		return false
	}

	if !found {
		return false
	}

	homeserver := strings.TrimSpace(sess.Homeserver)
	userID := strings.TrimSpace(sess.UserID)
	deviceID := strings.TrimSpace(sess.DeviceID)

	if homeserver != sess.Homeserver || userID != sess.UserID || deviceID != sess.DeviceID {
		c.logger.Info("cleaning up whitespace in stored credentials")

		sess.Homeserver = homeserver
		sess.UserID = userID
		sess.DeviceID = deviceID

		if err := c.st.SaveSession(sess); err != nil {
			c.logger.Errorf("re-persisting normalized session: %s", err)
		}
	}

	mc, err := mautrix.NewClient(homeserver, id.UserID(userID), sess.AccessToken)
	if err != nil {
		c.logger.Errorf("restore: %s", err)

		return false
	}

	mc.DeviceID = id.DeviceID(deviceID)

	c.Lock()
	c.mc = mc
	c.homeserver = homeserver
	c.userID = id.UserID(userID)
	c.deviceID = id.DeviceID(deviceID)
	c.Unlock()

	if c.crypto.ShouldQueryKeys() {
		if err := c.crypto.QueryKeys(context.Background(), nil); err != nil {
			c.logger.Errorf("key query on restore failed: %s", err)
		}
	}

	return true
}

// StartSync launches the sync loop. Requires a valid session; calling it
// again while a loop is running is a no-op.
func (c *Client) StartSync() {
	c.Lock()

	if c.syncCancel != nil {
		c.Unlock()

		return
	}

	mc := c.mc
	if mc == nil {
		c.Unlock()
		c.logger.Error("start sync without a session")

		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.syncCancel = cancel
	c.syncDone = done
	c.Unlock()

	go c.syncLoop(ctx, mc, done)
}

// StopSync cancels the sync loop and waits for it to exit.
func (c *Client) StopSync() {
	c.Lock()
	cancel := c.syncCancel
	done := c.syncDone
	c.syncCancel = nil
	c.syncDone = nil
	c.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

// Logout stops the sync loop, performs a best-effort server-side logout and
// always clears the persisted credentials.
func (c *Client) Logout() {
	c.StopSync()

	c.Lock()
	mc := c.mc
	c.mc = nil
	c.userID = ""
	c.deviceID = ""
	c.Unlock()

	if mc != nil {
		if _, err := mc.Logout(); err != nil {
			c.logger.Debugf("server-side logout failed: %s", err)
		}
	}

	if err := c.st.ClearSession(); err != nil {
		c.logger.Errorf("clearing session: %s", err)
	}
}

// SendMessage sends a text message, fire-and-forget. Callers needing
// confirmation must watch the resulting timeline state.
func (c *Client) SendMessage(roomID, body, replyTo string) {
	mc := c.client()
	if mc == nil {
		c.logger.Error("send message without a session")

		return
	}

	content := textMessageContent(body, replyTo)

	if _, err := mc.SendMessageEvent(id.RoomID(roomID), event.EventMessage, content); err != nil {
		c.logger.Errorf("sending message to %s: %s", roomID, err)
	}
}

// textMessageContent builds the outgoing text content, attaching the reply
// relation which serializes to the m.in_reply_to wire shape.
func textMessageContent(body, replyTo string) event.MessageEventContent {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}

	if replyTo != "" {
		content.RelatesTo = &event.RelatesTo{
			Type:    event.RelReply,
			EventID: id.EventID(replyTo),
		}
	}

	return content
}

func (c *Client) JoinRoom(roomIDOrAlias string) bool {
	mc := c.client()
	if mc == nil {
		return false
	}

	resp, err := mc.JoinRoom(roomIDOrAlias, "", nil)
	if err != nil {
		c.logger.Errorf("joining %s: %s", roomIDOrAlias, err)

		return false
	}

	c.logger.Debugf("joined %s", resp.RoomID)

	return true
}

func (c *Client) LeaveRoom(roomID string) bool {
	mc := c.client()
	if mc == nil {
		return false
	}

	if _, err := mc.LeaveRoom(id.RoomID(roomID)); err != nil {
		c.logger.Errorf("leaving %s: %s", roomID, err)

		return false
	}

	c.removeRoom(id.RoomID(roomID))

	return true
}

// RoomMessages fetches a page of history, walking backwards from the given
// token (or the live edge when empty). Undecryptable events trigger a
// best-effort room-key re-request and are skipped.
func (c *Client) RoomMessages(roomID, from string, limit int) ([]Message, string, bool) {
	mc := c.client()
	if mc == nil {
		return nil, "", false
	}

	resp, err := mc.Messages(id.RoomID(roomID), from, "", 'b', nil, limit)
	if err != nil {
		c.logger.Errorf("fetching messages for %s: %s", roomID, err)

		return nil, "", false
	}

	var messages []Message

	for _, ev := range resp.Chunk {
		if err := ev.Content.ParseRaw(ev.Type); err != nil {
			c.logger.Debugf("unparseable %s event in history: %s", ev.Type.Type, err)

			continue
		}

		if ev.Type == event.EventEncrypted {
			decrypted, err := c.crypto.Decrypt(ev)
			if err != nil {
				if err := c.crypto.RequestRoomKey(context.Background(), ev); err != nil {
					c.logger.Debugf("room key re-request for %s failed: %s", ev.ID, err)
				}

				continue
			}

			if err := decrypted.Content.ParseRaw(decrypted.Type); err != nil {
				continue
			}

			ev = decrypted
		}

		if content, ok := ev.Content.Parsed.(*event.MessageEventContent); ok {
			messages = append(messages, messageFromEvent(ev, content))
		}
	}

	return messages, resp.End, true
}

// GetProfile returns a user's display profile from the cache, fetching on
// first use. Failures yield the empty profile.
func (c *Client) GetProfile(userID string) Profile {
	return c.profiles.Get(userID)
}

func (c *Client) fetchProfile(userID string) (Profile, error) {
	mc := c.client()
	if mc == nil {
		return Profile{}, errNoSession
	}

	var profile Profile

	name, nameErr := mc.GetDisplayName(id.UserID(userID))
	if nameErr == nil {
		profile.DisplayName = name.DisplayName
	}

	avatar, avatarErr := mc.GetAvatarURL(id.UserID(userID))
	if avatarErr == nil {
		profile.AvatarURL = avatar.String()
	}

	// either field can legitimately be unset (the server answers 404);
	// only both failing counts as a fetch error
	if nameErr != nil && avatarErr != nil {
		return Profile{}, nameErr
	}

	return profile, nil
}

func (c *Client) doSendToDevice(evType event.Type, user id.UserID, device id.DeviceID, content map[string]interface{}) error {
	mc := c.client()
	if mc == nil {
		return errNoSession
	}

	_, err := mc.SendToDevice(evType, &mautrix.ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]*event.Content{
			user: {device: {Raw: content}},
		},
	})

	return err
}

func (c *Client) client() *mautrix.Client {
	c.RLock()
	defer c.RUnlock()

	return c.mc
}

// UserID returns the authenticated user id, empty without a session.
func (c *Client) UserID() string {
	c.RLock()
	defer c.RUnlock()

	return c.userID.String()
}

// DeviceID returns this session's device id, empty without a session.
func (c *Client) DeviceID() string {
	c.RLock()
	defer c.RUnlock()

	return c.deviceID.String()
}

// Homeserver returns the homeserver of the active session.
func (c *Client) Homeserver() string {
	c.RLock()
	defer c.RUnlock()

	return c.homeserver
}

// AccessToken returns the session's access token, for the media layer's
// authenticated endpoints.
func (c *Client) AccessToken() string {
	mc := c.client()
	if mc == nil {
		return ""
	}

	return mc.AccessToken
}

// Connected reports whether an authenticated session exists.
func (c *Client) Connected() bool {
	return c.client() != nil
}
