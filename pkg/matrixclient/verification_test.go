package matrixclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// fakeCrypto satisfies the crypto capability with canned answers so the
// state machine can be driven without any real key agreement.
type fakeCrypto struct {
	sasErr error
	macErr error
}

func (fakeCrypto) ShouldUploadKeys() bool                        { return false }
func (fakeCrypto) UploadKeys(context.Context) error              { return nil }
func (fakeCrypto) ShouldQueryKeys() bool                         { return false }
func (fakeCrypto) QueryKeys(context.Context, []id.UserID) error  { return nil }
func (fakeCrypto) Decrypt(*event.Event) (*event.Event, error)    { return nil, errNoCrypto }
func (fakeCrypto) RequestRoomKey(context.Context, *event.Event) error  { return nil }
func (fakeCrypto) HandleKeyRequest(context.Context, *event.Event) error { return nil }

func (fakeCrypto) PublicKey(string) (string, error)          { return "ourpubkey", nil }
func (fakeCrypto) Commitment(string, []byte) (string, error) { return "commitment", nil }

func (f fakeCrypto) SASBytes(string, string) ([]byte, error) {
	if f.sasErr != nil {
		return nil, f.sasErr
	}

	return []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, nil
}

func (fakeCrypto) CalculateMAC(string) (map[string]string, string, error) {
	return map[string]string{"ed25519:TESTDEV": "ourmac"}, "ourkeymac", nil
}

func (f fakeCrypto) VerifyMAC(string, map[string]string, string) error {
	return f.macErr
}

type msgRecorder struct {
	sync.Mutex
	msgs []toDeviceMsg
}

func (r *msgRecorder) send(evType event.Type, user id.UserID, device id.DeviceID, content map[string]interface{}) error {
	r.Lock()
	defer r.Unlock()

	r.msgs = append(r.msgs, toDeviceMsg{evType, user, device, content})

	return nil
}

func (r *msgRecorder) types() []string {
	r.Lock()
	defer r.Unlock()

	out := make([]string, len(r.msgs))
	for i, msg := range r.msgs {
		out[i] = msg.evType.Type
	}

	return out
}

func (r *msgRecorder) last() toDeviceMsg {
	r.Lock()
	defer r.Unlock()

	return r.msgs[len(r.msgs)-1]
}

func newVerificationTestClient(t *testing.T, crypto Crypto) (*Client, *msgRecorder) {
	t.Helper()

	v := viper.New()
	v.Set("verification.timeout", time.Minute)

	c := New(v, nil)
	c.userID = "@me:example.org"
	c.deviceID = "TESTDEV"
	c.SetCrypto(crypto)

	rec := &msgRecorder{}
	c.sendToDevice = rec.send

	return c, rec
}

const peer = "@peer:example.org"

func peerEvent(kind VerificationKind, txnID string, mutate func(*VerificationEvent)) VerificationEvent {
	ve := VerificationEvent{
		Kind:          kind,
		TransactionID: txnID,
		Sender:        peer,
		FromDevice:    "PEERDEV",
	}

	if mutate != nil {
		mutate(&ve)
	}

	return ve
}

func TestVerificationResponderFlow(t *testing.T) {
	c, rec := newVerificationTestClient(t, fakeCrypto{})

	var updates []string
	c.OnVerification(func(u VerificationUpdate) {
		updates = append(updates, u.Kind)
	})

	c.handleVerificationEvent(peerEvent(VerificationRequest, "txn1", nil))

	state, ok := c.VerificationStateOf("txn1")
	require.True(t, ok)
	assert.Equal(t, StateRequested, state)
	assert.Nil(t, c.SASEmojis("txn1"))

	require.True(t, c.AcceptRequest("txn1"))

	c.handleVerificationEvent(peerEvent(VerificationStart, "txn1", func(ve *VerificationEvent) {
		ve.Raw = []byte(`{"transaction_id":"txn1","method":"m.sas.v1"}`)
	}))

	state, _ = c.VerificationStateOf("txn1")
	assert.Equal(t, StateStarted, state)

	require.True(t, c.AcceptStart("txn1"))

	c.handleVerificationEvent(peerEvent(VerificationKey, "txn1", func(ve *VerificationEvent) {
		ve.Key = "theirpubkey"
	}))

	state, _ = c.VerificationStateOf("txn1")
	assert.Equal(t, StateKeyExchanged, state)

	emojis := c.SASEmojis("txn1")
	require.Len(t, emojis, 7)
	assert.Equal(t, "Dog", emojis[0].Name)

	require.True(t, c.ConfirmSAS("txn1"))

	c.handleVerificationEvent(peerEvent(VerificationMAC, "txn1", func(ve *VerificationEvent) {
		ve.MAC = map[string]string{"ed25519:PEERDEV": "theirmac"}
		ve.MACKeys = "theirkeymac"
	}))

	state, _ = c.VerificationStateOf("txn1")
	assert.Equal(t, StateMacExchanged, state)

	c.handleVerificationEvent(peerEvent(VerificationDone, "txn1", nil))

	_, ok = c.VerificationStateOf("txn1")
	assert.False(t, ok, "finished transactions are pruned")

	assert.Equal(t, []string{
		"m.key.verification.ready",
		"m.key.verification.accept",
		"m.key.verification.key",
		"m.key.verification.mac",
		"m.key.verification.done",
	}, rec.types())

	assert.Equal(t, []string{"request", "start", "key", "mac", "done"}, updates)
}

func TestVerificationRequesterFlow(t *testing.T) {
	c, rec := newVerificationTestClient(t, fakeCrypto{})

	txnID, ok := c.RequestVerification(peer, "PEERDEV")
	require.True(t, ok)
	require.NotEmpty(t, txnID)

	c.handleVerificationEvent(peerEvent(VerificationReady, txnID, nil))

	state, _ := c.VerificationStateOf(txnID)
	assert.Equal(t, StateStarted, state)

	c.handleVerificationEvent(peerEvent(VerificationAccept, txnID, func(ve *VerificationEvent) {
		ve.Commitment = "theircommitment"
	}))

	c.handleVerificationEvent(peerEvent(VerificationKey, txnID, func(ve *VerificationEvent) {
		ve.Key = "theirpubkey"
	}))

	state, _ = c.VerificationStateOf(txnID)
	assert.Equal(t, StateKeyExchanged, state)

	assert.Equal(t, []string{
		"m.key.verification.request",
		"m.key.verification.start",
		"m.key.verification.key",
	}, rec.types())
}

func TestVerificationMACConfirmOrderIrrelevant(t *testing.T) {
	// peer's mac arriving before the local confirmation must not finish
	// the exchange early
	c, _ := newVerificationTestClient(t, fakeCrypto{})

	c.handleVerificationEvent(peerEvent(VerificationRequest, "txn1", nil))
	c.handleVerificationEvent(peerEvent(VerificationStart, "txn1", func(ve *VerificationEvent) {
		ve.Raw = []byte(`{"transaction_id":"txn1"}`)
	}))
	require.True(t, c.AcceptStart("txn1"))
	c.handleVerificationEvent(peerEvent(VerificationKey, "txn1", func(ve *VerificationEvent) {
		ve.Key = "theirpubkey"
	}))
	c.handleVerificationEvent(peerEvent(VerificationMAC, "txn1", func(ve *VerificationEvent) {
		ve.MAC = map[string]string{"ed25519:PEERDEV": "theirmac"}
	}))

	state, ok := c.VerificationStateOf("txn1")
	require.True(t, ok)
	assert.Equal(t, StateKeyExchanged, state)

	require.True(t, c.ConfirmSAS("txn1"))

	state, _ = c.VerificationStateOf("txn1")
	assert.Equal(t, StateMacExchanged, state)
}

func TestVerificationOutOfOrderCancels(t *testing.T) {
	c, rec := newVerificationTestClient(t, fakeCrypto{})

	c.handleVerificationEvent(peerEvent(VerificationRequest, "txn1", nil))

	// mac long before any key exchange
	c.handleVerificationEvent(peerEvent(VerificationMAC, "txn1", func(ve *VerificationEvent) {
		ve.MAC = map[string]string{"ed25519:PEERDEV": "theirmac"}
	}))

	_, ok := c.VerificationStateOf("txn1")
	assert.False(t, ok)

	last := rec.last()
	assert.Equal(t, event.ToDeviceVerificationCancel, last.evType)
	assert.Equal(t, cancelCodeUnexpected, last.content["code"])
}

func TestVerificationUnknownTransactionDropped(t *testing.T) {
	c, rec := newVerificationTestClient(t, fakeCrypto{})

	c.handleVerificationEvent(peerEvent(VerificationKey, "nosuch", func(ve *VerificationEvent) {
		ve.Key = "theirpubkey"
	}))

	assert.Empty(t, rec.types())

	_, ok := c.VerificationStateOf("nosuch")
	assert.False(t, ok)
}

func TestVerificationPeerCancel(t *testing.T) {
	c, _ := newVerificationTestClient(t, fakeCrypto{})

	var updates []string
	c.OnVerification(func(u VerificationUpdate) {
		updates = append(updates, u.Kind)
	})

	c.handleVerificationEvent(peerEvent(VerificationRequest, "txn1", nil))
	c.handleVerificationEvent(peerEvent(VerificationCancel, "txn1", func(ve *VerificationEvent) {
		ve.Code = "m.user"
		ve.Reason = "changed my mind"
	}))

	_, ok := c.VerificationStateOf("txn1")
	assert.False(t, ok)
	assert.Equal(t, []string{"request", "cancel"}, updates)
}

func TestVerificationMACMismatchCancels(t *testing.T) {
	c, rec := newVerificationTestClient(t, fakeCrypto{macErr: errors.New("bad mac")})

	c.handleVerificationEvent(peerEvent(VerificationRequest, "txn1", nil))
	c.handleVerificationEvent(peerEvent(VerificationStart, "txn1", func(ve *VerificationEvent) {
		ve.Raw = []byte(`{"transaction_id":"txn1"}`)
	}))
	require.True(t, c.AcceptStart("txn1"))
	c.handleVerificationEvent(peerEvent(VerificationKey, "txn1", func(ve *VerificationEvent) {
		ve.Key = "theirpubkey"
	}))
	require.True(t, c.ConfirmSAS("txn1"))

	c.handleVerificationEvent(peerEvent(VerificationMAC, "txn1", func(ve *VerificationEvent) {
		ve.MAC = map[string]string{"ed25519:PEERDEV": "forged"}
	}))

	_, ok := c.VerificationStateOf("txn1")
	assert.False(t, ok)

	last := rec.last()
	assert.Equal(t, event.ToDeviceVerificationCancel, last.evType)
	assert.Equal(t, cancelCodeMismatch, last.content["code"])
}

func TestVerificationTimeout(t *testing.T) {
	c, rec := newVerificationTestClient(t, fakeCrypto{})
	c.v.Set("verification.timeout", 20*time.Millisecond)

	c.handleVerificationEvent(peerEvent(VerificationRequest, "txn1", nil))

	require.Eventually(t, func() bool {
		_, ok := c.VerificationStateOf("txn1")

		return !ok
	}, time.Second, 5*time.Millisecond)

	last := rec.last()
	assert.Equal(t, event.ToDeviceVerificationCancel, last.evType)
	assert.Equal(t, cancelCodeTimeout, last.content["code"])
}

func TestCancelVerificationByUser(t *testing.T) {
	c, rec := newVerificationTestClient(t, fakeCrypto{})

	c.handleVerificationEvent(peerEvent(VerificationRequest, "txn1", nil))
	c.CancelVerification("txn1")

	_, ok := c.VerificationStateOf("txn1")
	assert.False(t, ok)

	last := rec.last()
	assert.Equal(t, event.ToDeviceVerificationCancel, last.evType)
	assert.Equal(t, cancelCodeUser, last.content["code"])
}
