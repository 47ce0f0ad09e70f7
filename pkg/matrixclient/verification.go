package matrixclient

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// VerificationState is the lifecycle of one SAS transaction.
type VerificationState int

const (
	StateRequested VerificationState = iota
	StateStarted
	StateKeyExchanged
	StateMacExchanged
	StateDone
	StateCancelled
)

func (s VerificationState) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateStarted:
		return "started"
	case StateKeyExchanged:
		return "key-exchanged"
	case StateMacExchanged:
		return "mac-exchanged"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// VerificationUpdate is delivered to the registered verification observer.
type VerificationUpdate struct {
	Kind          string
	TransactionID string
	UserID        id.UserID
	DeviceID      id.DeviceID
}

// verification is one live SAS transaction. All fields are guarded by the
// client mutex; outgoing messages are sent after the lock is released.
type verification struct {
	txnID  string
	userID id.UserID
	device id.DeviceID
	state  VerificationState

	weRequested  bool
	weSentStart  bool
	acceptSent   bool
	ourKeySent   bool
	confirmed    bool
	doneSent     bool
	startContent []byte
	commitment   string
	theirKey     string
	sas          []byte
	theirMAC     map[string]string
	theirMACKeys string

	timer *time.Timer
}

type toDeviceMsg struct {
	evType  event.Type
	user    id.UserID
	device  id.DeviceID
	content map[string]interface{}
}

// mautrix has no to-device constants for these two (they predate the
// in-room verification types it does carry).
var (
	toDeviceVerificationReady = event.Type{Type: "m.key.verification.ready", Class: event.ToDeviceEventType}
	toDeviceVerificationDone  = event.Type{Type: "m.key.verification.done", Class: event.ToDeviceEventType}
)

const (
	sasMethod            = "m.sas.v1"
	cancelCodeUser       = "m.user"
	cancelCodeTimeout    = "m.timeout"
	cancelCodeUnexpected = "m.unexpected_message"
	cancelCodeMismatch   = "m.key_mismatch"
)

// handleVerificationEvent feeds one decoded to-device message through the
// state machine. Events for a given transaction are processed in arrival
// order; anything violating the state machine's partial order cancels the
// transaction instead of being silently accepted.
func (c *Client) handleVerificationEvent(ve VerificationEvent) {
	c.Lock()
	msgs, updates := c.advanceVerification(ve)
	c.Unlock()

	c.dispatchVerification(msgs, updates)
}

//nolint:funlen,gocyclo
func (c *Client) advanceVerification(ve VerificationEvent) ([]toDeviceMsg, []VerificationUpdate) {
	var (
		msgs    []toDeviceMsg
		updates []VerificationUpdate
	)

	txn, exists := c.verifications[ve.TransactionID]

	if !exists {
		// only request semantics may create a transaction
		switch ve.Kind {
		case VerificationRequest, VerificationStart:
		default:
			c.logger.Warnf("dropping %s for unknown verification transaction %s", ve.Kind, ve.TransactionID)

			return nil, nil
		}
	}

	cancelTxn := func(code, reason string) {
		msgs = append(msgs, c.pruneVerification(txn, code, reason)...)
		updates = append(updates, verificationUpdate("cancel", txn))
	}

	switch ve.Kind {
	case VerificationRequest:
		if exists {
			c.logger.Warnf("duplicate verification request for transaction %s", ve.TransactionID)

			return nil, nil
		}

		txn = c.newVerification(ve.TransactionID, ve.Sender, ve.FromDevice)
		updates = append(updates, verificationUpdate("request", txn))

	case VerificationReady:
		if txn.state != StateRequested || !txn.weRequested {
			cancelTxn(cancelCodeUnexpected, "ready out of order")

			break
		}

		if ve.FromDevice != "" {
			txn.device = ve.FromDevice
		}

		// the peer accepted our request; send the concrete SAS start
		start := map[string]interface{}{
			"transaction_id":               txn.txnID,
			"from_device":                  c.deviceID.String(),
			"method":                       sasMethod,
			"key_agreement_protocols":      []string{"curve25519-hkdf-sha256"},
			"hashes":                       []string{"sha256"},
			"message_authentication_codes": []string{"hkdf-hmac-sha256"},
			"short_authentication_string":  []string{"emoji", "decimal"},
		}

		txn.startContent, _ = json.Marshal(start)
		txn.weSentStart = true
		txn.state = StateStarted
		msgs = append(msgs, toDeviceMsg{event.ToDeviceVerificationStart, txn.userID, txn.device, start})
		updates = append(updates, verificationUpdate("start", txn))

	case VerificationStart:
		if !exists {
			txn = c.newVerification(ve.TransactionID, ve.Sender, ve.FromDevice)
		} else if txn.state != StateRequested {
			cancelTxn(cancelCodeUnexpected, "start out of order")

			break
		}

		if ve.FromDevice != "" {
			txn.device = ve.FromDevice
		}

		txn.startContent = ve.Raw
		txn.state = StateStarted
		updates = append(updates, verificationUpdate("start", txn))

	case VerificationAccept:
		if txn.state != StateStarted || !txn.weSentStart || txn.commitment != "" {
			cancelTxn(cancelCodeUnexpected, "accept out of order")

			break
		}

		txn.commitment = ve.Commitment

		key, err := c.crypto.PublicKey(txn.txnID)
		if err != nil {
			c.logger.Errorf("verification %s: no public key: %s", txn.txnID, err)
			cancelTxn(cancelCodeUser, "internal error")

			break
		}

		txn.ourKeySent = true
		msgs = append(msgs, toDeviceMsg{event.ToDeviceVerificationKey, txn.userID, txn.device, map[string]interface{}{
			"transaction_id": txn.txnID,
			"key":            key,
		}})

	case VerificationKey:
		if txn.state != StateStarted || txn.theirKey != "" || (!txn.acceptSent && !txn.ourKeySent) {
			cancelTxn(cancelCodeUnexpected, "key exchange out of order")

			break
		}

		txn.theirKey = ve.Key

		if !txn.ourKeySent {
			key, err := c.crypto.PublicKey(txn.txnID)
			if err != nil {
				c.logger.Errorf("verification %s: no public key: %s", txn.txnID, err)
				cancelTxn(cancelCodeUser, "internal error")

				break
			}

			txn.ourKeySent = true
			msgs = append(msgs, toDeviceMsg{event.ToDeviceVerificationKey, txn.userID, txn.device, map[string]interface{}{
				"transaction_id": txn.txnID,
				"key":            key,
			}})
		}

		sas, err := c.crypto.SASBytes(txn.txnID, txn.theirKey)
		if err != nil {
			c.logger.Errorf("verification %s: deriving SAS: %s", txn.txnID, err)
			cancelTxn(cancelCodeMismatch, "key agreement failed")

			break
		}

		// emoji comparison becomes available exactly here
		txn.sas = sas
		txn.state = StateKeyExchanged
		updates = append(updates, verificationUpdate("key", txn))

	case VerificationMAC:
		if txn.state != StateKeyExchanged || txn.theirMAC != nil {
			cancelTxn(cancelCodeUnexpected, "mac before key exchange completed")

			break
		}

		txn.theirMAC = ve.MAC
		txn.theirMACKeys = ve.MACKeys

		if txn.confirmed {
			msgs, updates = c.finishMAC(txn, msgs, updates)
		}

	case VerificationDone:
		if txn.state != StateMacExchanged {
			cancelTxn(cancelCodeUnexpected, "done before mac exchange completed")

			break
		}

		txn.state = StateDone
		txn.stopTimer()
		delete(c.verifications, txn.txnID)
		updates = append(updates, verificationUpdate("done", txn))

	case VerificationCancel:
		if txn.state == StateDone || txn.state == StateCancelled {
			break
		}

		txn.state = StateCancelled
		txn.stopTimer()
		delete(c.verifications, txn.txnID)
		c.logger.Infof("verification %s cancelled by peer: %s (%s)", txn.txnID, ve.Reason, ve.Code)
		updates = append(updates, verificationUpdate("cancel", txn))

	case VerificationUnknown:
	}

	return msgs, updates
}

// finishMAC runs once both sides have confirmed and both MACs are present.
// Caller holds the client lock.
func (c *Client) finishMAC(txn *verification, msgs []toDeviceMsg, updates []VerificationUpdate) ([]toDeviceMsg, []VerificationUpdate) {
	if err := c.crypto.VerifyMAC(txn.txnID, txn.theirMAC, txn.theirMACKeys); err != nil {
		c.logger.Errorf("verification %s: mac check failed: %s", txn.txnID, err)
		msgs = append(msgs, c.pruneVerification(txn, cancelCodeMismatch, "mac check failed")...)

		return msgs, append(updates, verificationUpdate("cancel", txn))
	}

	txn.state = StateMacExchanged
	txn.doneSent = true
	msgs = append(msgs, toDeviceMsg{toDeviceVerificationDone, txn.userID, txn.device, map[string]interface{}{
		"transaction_id": txn.txnID,
	}})

	return msgs, append(updates, verificationUpdate("mac", txn))
}

// pruneVerification moves a transaction to Cancelled, removes it from the
// live table and returns the cancel message for the peer. Caller holds the
// client lock.
func (c *Client) pruneVerification(txn *verification, code, reason string) []toDeviceMsg {
	if txn == nil {
		return nil
	}

	txn.state = StateCancelled
	txn.stopTimer()
	delete(c.verifications, txn.txnID)
	c.logger.Warnf("cancelling verification %s: %s", txn.txnID, reason)

	return []toDeviceMsg{{event.ToDeviceVerificationCancel, txn.userID, txn.device, map[string]interface{}{
		"transaction_id": txn.txnID,
		"code":           code,
		"reason":         reason,
	}}}
}

func (c *Client) newVerification(txnID string, user id.UserID, device id.DeviceID) *verification {
	txn := &verification{
		txnID:  txnID,
		userID: user,
		device: device,
		state:  StateRequested,
	}

	if timeout := c.v.GetDuration("verification.timeout"); timeout > 0 {
		txn.timer = time.AfterFunc(timeout, func() {
			c.expireVerification(txnID)
		})
	}

	c.verifications[txnID] = txn

	return txn
}

func (c *Client) expireVerification(txnID string) {
	c.Lock()

	txn, ok := c.verifications[txnID]
	if !ok {
		c.Unlock()

		return
	}

	msgs := c.pruneVerification(txn, cancelCodeTimeout, "verification timed out")
	c.Unlock()

	c.dispatchVerification(msgs, []VerificationUpdate{verificationUpdate("cancel", txn)})
}

func (txn *verification) stopTimer() {
	if txn.timer != nil {
		txn.timer.Stop()
	}
}

func verificationUpdate(kind string, txn *verification) VerificationUpdate {
	return VerificationUpdate{
		Kind:          kind,
		TransactionID: txn.txnID,
		UserID:        txn.userID,
		DeviceID:      txn.device,
	}
}

// dispatchVerification performs the network sends and observer callbacks
// collected while the lock was held.
func (c *Client) dispatchVerification(msgs []toDeviceMsg, updates []VerificationUpdate) {
	for _, msg := range msgs {
		if err := c.sendToDevice(msg.evType, msg.user, msg.device, msg.content); err != nil {
			c.logger.Errorf("sending %s to %s/%s: %s", msg.evType.Type, msg.user, msg.device, err)
		}
	}

	c.RLock()
	observer := c.verifObserver
	c.RUnlock()

	if observer == nil {
		return
	}

	for _, update := range updates {
		observer(update)
	}
}

// RequestVerification starts verification against one of our own devices
// (or a peer's). Returns the transaction id.
func (c *Client) RequestVerification(userID, deviceID string) (string, bool) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		c.logger.Errorf("generating transaction id: %s", err)

		return "", false
	}

	txnID := hex.EncodeToString(buf)
	user := id.UserID(userID)
	device := id.DeviceID(deviceID)

	c.Lock()
	txn := c.newVerification(txnID, user, device)
	txn.weRequested = true
	c.Unlock()

	err := c.sendToDevice(event.ToDeviceVerificationRequest, user, device, map[string]interface{}{
		"transaction_id": txnID,
		"from_device":    c.DeviceID(),
		"methods":        []string{sasMethod},
		"timestamp":      time.Now().UnixMilli(),
	})
	if err != nil {
		c.logger.Errorf("sending verification request: %s", err)
		c.CancelVerification(txnID)

		return "", false
	}

	return txnID, true
}

// AcceptRequest answers a peer's verification request, telling it to go
// ahead with a SAS start.
func (c *Client) AcceptRequest(txnID string) bool {
	c.RLock()
	txn, ok := c.verifications[txnID]

	var (
		user   id.UserID
		device id.DeviceID
	)

	if ok {
		ok = txn.state == StateRequested && !txn.weRequested
		user, device = txn.userID, txn.device
	}
	c.RUnlock()

	if !ok {
		return false
	}

	err := c.sendToDevice(toDeviceVerificationReady, user, device, map[string]interface{}{
		"transaction_id": txnID,
		"from_device":    c.DeviceID(),
		"methods":        []string{sasMethod},
	})
	if err != nil {
		c.logger.Errorf("sending verification ready: %s", err)

		return false
	}

	return true
}

// AcceptStart commits to the peer's SAS start message. The commitment hash
// covers our public key and the exact start payload as received.
func (c *Client) AcceptStart(txnID string) bool {
	c.Lock()

	txn, ok := c.verifications[txnID]
	if !ok || txn.state != StateStarted || txn.weSentStart || txn.acceptSent {
		c.Unlock()

		return false
	}

	commitment, err := c.crypto.Commitment(txnID, txn.startContent)
	if err != nil {
		c.logger.Errorf("verification %s: commitment: %s", txnID, err)
		msgs := c.pruneVerification(txn, cancelCodeUser, "internal error")
		c.Unlock()
		c.dispatchVerification(msgs, []VerificationUpdate{verificationUpdate("cancel", txn)})

		return false
	}

	txn.acceptSent = true
	user, device := txn.userID, txn.device
	c.Unlock()

	err = c.sendToDevice(event.ToDeviceVerificationAccept, user, device, map[string]interface{}{
		"transaction_id":              txnID,
		"method":                      sasMethod,
		"key_agreement_protocol":      "curve25519-hkdf-sha256",
		"hash":                        "sha256",
		"message_authentication_code": "hkdf-hmac-sha256",
		"short_authentication_string": []string{"emoji", "decimal"},
		"commitment":                  commitment,
	})
	if err != nil {
		c.logger.Errorf("sending verification accept: %s", err)

		return false
	}

	return true
}

// ConfirmSAS is called when the local user confirms the emoji comparison.
// It sends our MAC; once the peer's MAC has arrived and checks out, the done
// message follows.
func (c *Client) ConfirmSAS(txnID string) bool {
	c.Lock()

	txn, ok := c.verifications[txnID]
	if !ok || txn.state != StateKeyExchanged || txn.confirmed {
		c.Unlock()

		return false
	}

	mac, keys, err := c.crypto.CalculateMAC(txnID)
	if err != nil {
		c.logger.Errorf("verification %s: calculating mac: %s", txnID, err)
		msgs := c.pruneVerification(txn, cancelCodeUser, "internal error")
		c.Unlock()
		c.dispatchVerification(msgs, []VerificationUpdate{verificationUpdate("cancel", txn)})

		return false
	}

	txn.confirmed = true

	msgs := []toDeviceMsg{{event.ToDeviceVerificationMAC, txn.userID, txn.device, map[string]interface{}{
		"transaction_id": txnID,
		"mac":            mac,
		"keys":           keys,
	}}}

	var updates []VerificationUpdate
	if txn.theirMAC != nil {
		msgs, updates = c.finishMAC(txn, msgs, updates)
	}
	c.Unlock()

	c.dispatchVerification(msgs, updates)

	return true
}

// CancelVerification cancels a transaction on behalf of the local user.
func (c *Client) CancelVerification(txnID string) {
	c.Lock()

	txn, ok := c.verifications[txnID]
	if !ok {
		c.Unlock()

		return
	}

	msgs := c.pruneVerification(txn, cancelCodeUser, "cancelled by user")
	c.Unlock()

	c.dispatchVerification(msgs, []VerificationUpdate{verificationUpdate("cancel", txn)})
}

// SASEmojis returns the emoji sequence for a transaction, available only
// once key agreement material has been exchanged.
func (c *Client) SASEmojis(txnID string) []SASEmoji {
	c.RLock()
	defer c.RUnlock()

	txn, ok := c.verifications[txnID]
	if !ok || txn.state < StateKeyExchanged || txn.state > StateMacExchanged {
		return nil
	}

	return sasEmojis(txn.sas)
}

// VerificationStateOf reports the state of a live transaction. The second
// return value is false once a transaction is terminal and pruned.
func (c *Client) VerificationStateOf(txnID string) (VerificationState, bool) {
	c.RLock()
	defer c.RUnlock()

	txn, ok := c.verifications[txnID]
	if !ok {
		return StateCancelled, false
	}

	return txn.state, true
}
